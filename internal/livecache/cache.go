// Package livecache mirrors live session snapshots into Redis so that other
// processes can read game state without talking to the owning session.
package livecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/chess-arena/internal/game"
)

const (
	ttlLive     = 24 * time.Hour
	ttlFinished = time.Hour
)

var ErrStale = errors.New("snapshot older than cached one")

type Cache struct {
	rdb *redis.Client
}

// Open connects to REDIS_URL and pings it.
func Open(ctx context.Context, redisURL string) (*Cache, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for live cache")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Cache{rdb: rdb}, nil
}

func New(rdb *redis.Client) *Cache { return &Cache{rdb: rdb} }

func (c *Cache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func keyGame(id string) string { return "arena:game:" + strings.TrimSpace(id) }
func keyUserIdx(pid string) string { return "arena:index:user:" + strings.TrimSpace(pid) }
func keyLive() string { return "arena:live" }

// Put stores st unless a snapshot with a higher sequence number is already
// cached. Finished snapshots expire after an hour and leave the live index.
func (c *Cache) Put(ctx context.Context, st game.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	gameK := keyGame(st.SessionID)
	ttl := ttlLive
	if st.Finished() {
		ttl = ttlFinished
	}
	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, gameK).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			var cur struct {
				Seq uint64 `json:"seq"`
			}
			if jerr := json.Unmarshal(prev, &cur); jerr == nil && cur.Seq >= st.Seq {
				return ErrStale
			}
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, gameK, raw, ttl)
		for _, pid := range []string{st.White, st.Black} {
			if st.Finished() {
				pipe.SRem(ctx, keyUserIdx(pid), st.SessionID)
			} else {
				pipe.SAdd(ctx, keyUserIdx(pid), st.SessionID)
				pipe.Expire(ctx, keyUserIdx(pid), ttlLive)
			}
		}
		if st.Finished() {
			pipe.SRem(ctx, keyLive(), st.SessionID)
		} else {
			pipe.SAdd(ctx, keyLive(), st.SessionID)
		}
		_, err = pipe.Exec(ctx)
		return err
	}, gameK)
	if errors.Is(err, ErrStale) {
		return nil
	}
	return err
}

// Get returns the cached snapshot of id; ok is false when none is cached.
func (c *Cache) Get(ctx context.Context, id string) (game.State, bool, error) {
	raw, err := c.rdb.Get(ctx, keyGame(id)).Bytes()
	if err == redis.Nil {
		return game.State{}, false, nil
	}
	if err != nil {
		return game.State{}, false, err
	}
	var st game.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return game.State{}, false, err
	}
	return st, true, nil
}

// SessionsOf lists the unfinished session ids participantID plays in.
func (c *Cache) SessionsOf(ctx context.Context, participantID string) ([]string, error) {
	return c.rdb.SMembers(ctx, keyUserIdx(participantID)).Result()
}

// LiveCount is the number of unfinished sessions known to the cache.
func (c *Cache) LiveCount(ctx context.Context) (int64, error) {
	return c.rdb.SCard(ctx, keyLive()).Result()
}

package livecache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/game"
)

// Mirror is a game.Observer that writes snapshots to the cache from its own
// goroutine. Bursts for one session collapse to the latest snapshot.
type Mirror struct {
	cache   *Cache
	log     *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]game.State
	wake    chan struct{}
}

func NewMirror(cache *Cache, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		cache:   cache,
		log:     logger,
		timeout: 2 * time.Second,
		pending: make(map[string]game.State),
		wake:    make(chan struct{}, 1),
	}
}

func (m *Mirror) StateChanged(st game.State) {
	m.mu.Lock()
	if cur, ok := m.pending[st.SessionID]; !ok || cur.Seq < st.Seq {
		m.pending[st.SessionID] = st
	}
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mirror) ChatPosted(game.Chat) {}

// Run writes pending snapshots until ctx ends, then makes a last pass.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.flush(context.Background())
			return nil
		case <-m.wake:
			m.flush(ctx)
		}
	}
}

func (m *Mirror) flush(ctx context.Context) {
	m.mu.Lock()
	batch := m.pending
	m.pending = make(map[string]game.State, len(batch))
	m.mu.Unlock()

	for _, st := range batch {
		wctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.cache.Put(wctx, st)
		cancel()
		if err != nil {
			m.log.Warn("livecache_put_failed", zap.String("session_id", st.SessionID), zap.Uint64("seq", st.Seq), zap.Error(err))
		}
	}
}

package livecache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/chess-arena/internal/game"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb)
}

func snapshot(seq uint64, status game.Status) game.State {
	return game.State{SessionID: "g1", Seq: seq, White: "alice", Black: "bob", Status: status, FEN: "fen"}
}

func TestPutGetAndIndex(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "g1"); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}
	if err := c.Put(ctx, snapshot(3, game.StatusActive)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	st, ok, err := c.Get(ctx, "g1")
	if err != nil || !ok || st.Seq != 3 {
		t.Fatalf("Get = %+v %v %v", st, ok, err)
	}
	ids, _ := c.SessionsOf(ctx, "bob")
	if len(ids) != 1 || ids[0] != "g1" {
		t.Fatalf("SessionsOf = %v", ids)
	}
	if n, _ := c.LiveCount(ctx); n != 1 {
		t.Fatalf("LiveCount = %d", n)
	}
}

func TestOlderSnapshotIgnored(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	_ = c.Put(ctx, snapshot(5, game.StatusActive))
	if err := c.Put(ctx, snapshot(4, game.StatusActive)); err != nil {
		t.Fatalf("stale Put should be silent, got %v", err)
	}
	if st, _, _ := c.Get(ctx, "g1"); st.Seq != 5 {
		t.Fatalf("seq = %d", st.Seq)
	}
}

func TestFinishedLeavesIndexes(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	_ = c.Put(ctx, snapshot(1, game.StatusActive))
	_ = c.Put(ctx, snapshot(2, game.StatusFinished))
	if ids, _ := c.SessionsOf(ctx, "alice"); len(ids) != 0 {
		t.Fatalf("finished game still indexed: %v", ids)
	}
	if n, _ := c.LiveCount(ctx); n != 0 {
		t.Fatalf("LiveCount = %d", n)
	}
	if st, ok, _ := c.Get(ctx, "g1"); !ok || !st.Finished() {
		t.Fatalf("finished snapshot should stay readable")
	}
}

func TestMirrorWritesLatest(t *testing.T) {
	c := newTestCache(t)
	m := NewMirror(c, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	for seq := uint64(1); seq <= 20; seq++ {
		m.StateChanged(snapshot(seq, game.StatusActive))
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, ok, _ := c.Get(context.Background(), "g1")
		if ok && st.Seq == 20 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mirror did not write latest snapshot: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

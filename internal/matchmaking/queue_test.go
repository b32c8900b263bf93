package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/park285/chess-arena/internal/domain"
)

type collector struct {
	mu      sync.Mutex
	matches []Match
	fail    error
}

func (c *collector) OnMatch(_ context.Context, m Match) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.matches = append(c.matches, m)
	return nil
}

func (c *collector) all() []Match {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Match(nil), c.matches...)
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newQueue(t *testing.T) (*Queue, *collector, *testClock) {
	t.Helper()
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	col := &collector{}
	q := New(Config{Now: clk.Now, CoinFlip: func() bool { return true }}, col)
	return q, col, clk
}

func ranked(id string, rating float64) Entry {
	return Entry{ParticipantID: id, Mode: domain.ModeRanked, Rating: rating}
}

func TestBandWidening(t *testing.T) {
	q, _, _ := newQueue(t)
	cases := []struct {
		wait time.Duration
		want float64
	}{
		{0, 50},
		{9 * time.Second, 50},
		{10 * time.Second, 100},
		{35 * time.Second, 200},
		{time.Hour, 4000},
	}
	for _, tc := range cases {
		if got := q.Band(tc.wait); got != tc.want {
			t.Fatalf("Band(%v) = %v, want %v", tc.wait, got, tc.want)
		}
	}
}

func TestDuplicateEnqueueRejected(t *testing.T) {
	q, _, _ := newQueue(t)
	if err := q.Enqueue(ranked("a", 1500)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(Entry{ParticipantID: "a", Mode: domain.ModeFree}); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
	if err := q.Enqueue(Entry{ParticipantID: "b", Mode: "blitz"}); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
}

func TestRankedPairsWithinBandOnly(t *testing.T) {
	q, col, clk := newQueue(t)
	ctx := context.Background()
	_ = q.Enqueue(ranked("a", 1500))
	_ = q.Enqueue(ranked("b", 1700))
	if n := q.Match(ctx); n != 0 {
		t.Fatalf("paired 200 points apart with a 50 point band")
	}
	clk.now = clk.now.Add(30 * time.Second)
	if n := q.Match(ctx); n != 1 {
		t.Fatalf("expected a pairing once the band reached 200")
	}
	m := col.all()[0]
	if m.White.ParticipantID != "a" || m.Black.ParticipantID != "b" || m.Mode != domain.ModeRanked {
		t.Fatalf("match = %+v", m)
	}
	if _, _, ok := q.Position("a"); ok {
		t.Fatalf("matched entry still queued")
	}
}

func TestRankedPrefersClosestRating(t *testing.T) {
	q, col, _ := newQueue(t)
	_ = q.Enqueue(ranked("a", 1500))
	_ = q.Enqueue(ranked("far", 1540))
	_ = q.Enqueue(ranked("near", 1510))
	if n := q.Match(context.Background()); n != 1 {
		t.Fatalf("matches = %d", n)
	}
	m := col.all()[0]
	if m.Black.ParticipantID != "near" {
		t.Fatalf("paired with %s", m.Black.ParticipantID)
	}
	if pos, _, ok := q.Position("far"); !ok || pos != 1 {
		t.Fatalf("far position = %d %v", pos, ok)
	}
}

func TestFreeQueueIsFIFO(t *testing.T) {
	q, col, _ := newQueue(t)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_ = q.Enqueue(Entry{ParticipantID: id, Mode: domain.ModeFree, Rating: float64(len(id)) * 1000})
	}
	if n := q.Match(context.Background()); n != 2 {
		t.Fatalf("matches = %d", n)
	}
	got := col.all()
	if got[0].White.ParticipantID != "a" || got[0].Black.ParticipantID != "b" ||
		got[1].White.ParticipantID != "c" || got[1].Black.ParticipantID != "d" {
		t.Fatalf("pairs = %+v", got)
	}
	if pos, _, _ := q.Position("e"); pos != 1 {
		t.Fatalf("e position = %d", pos)
	}
	st := q.Stats()
	if st.Waiting[domain.ModeFree] != 1 || st.Matched[domain.ModeFree] != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestModesDoNotMix(t *testing.T) {
	q, _, _ := newQueue(t)
	_ = q.Enqueue(ranked("a", 1500))
	_ = q.Enqueue(Entry{ParticipantID: "b", Mode: domain.ModeFree, Rating: 1500})
	if n := q.Match(context.Background()); n != 0 {
		t.Fatalf("ranked and free entries paired")
	}
}

func TestCancel(t *testing.T) {
	q, _, _ := newQueue(t)
	_ = q.Enqueue(ranked("a", 1500))
	if !q.Cancel("a") {
		t.Fatalf("cancel of queued entry returned false")
	}
	if q.Cancel("a") {
		t.Fatalf("second cancel returned true")
	}
	if err := q.Enqueue(ranked("a", 1500)); err != nil {
		t.Fatalf("re-enqueue after cancel: %v", err)
	}
}

func TestCancelAfterMatchIsNoop(t *testing.T) {
	q, col, _ := newQueue(t)
	_ = q.Enqueue(ranked("a", 1500))
	_ = q.Enqueue(ranked("b", 1500))
	q.Match(context.Background())
	if q.Cancel("a") {
		t.Fatalf("cancel after match should be informational false")
	}
	if len(col.all()) != 1 {
		t.Fatalf("match lost")
	}
}

func TestCancelDuringReservationReleasesPartner(t *testing.T) {
	q, _, clk := newQueue(t)
	_ = q.Enqueue(ranked("a", 1500))
	_ = q.Enqueue(ranked("b", 1500))

	q.mu.Lock()
	pairs := q.selectLocked(domain.ModeRanked, clk.now)
	q.mu.Unlock()
	if len(pairs) != 1 {
		t.Fatalf("pairs = %d", len(pairs))
	}
	if !q.Cancel("b") {
		t.Fatalf("cancel before commit should succeed")
	}
	if _, ok := q.commit(pairs[0], clk.now); ok {
		t.Fatalf("commit succeeded with a cancelled entry")
	}
	if pos, _, ok := q.Position("a"); !ok || pos != 1 {
		t.Fatalf("survivor not back in line: %d %v", pos, ok)
	}
	if _, _, ok := q.Position("b"); ok {
		t.Fatalf("cancelled entry still queued")
	}
}

func TestFailedHandoffRestoresEntries(t *testing.T) {
	q, col, _ := newQueue(t)
	col.fail = errors.New("seat unavailable")
	_ = q.Enqueue(ranked("a", 1500))
	_ = q.Enqueue(ranked("b", 1500))
	if n := q.Match(context.Background()); n != 0 {
		t.Fatalf("matches = %d", n)
	}
	if pos, _, ok := q.Position("b"); !ok || pos != 2 {
		t.Fatalf("b position after restore = %d %v", pos, ok)
	}
	col.fail = nil
	if n := q.Match(context.Background()); n != 1 {
		t.Fatalf("retry matches = %d", n)
	}
}

func TestCancelDuringFailedHandoffIsNotRequeued(t *testing.T) {
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	var q *Queue
	q = New(Config{Now: clk.Now, CoinFlip: func() bool { return true }}, MatchHandlerFunc(func(context.Context, Match) error {
		if q.Cancel("a") {
			t.Errorf("Cancel of a claimed entry reported success")
		}
		return errors.New("arena full")
	}))
	_ = q.Enqueue(ranked("a", 1500))
	_ = q.Enqueue(ranked("b", 1500))
	if n := q.Match(context.Background()); n != 0 {
		t.Fatalf("matches = %d", n)
	}
	if _, _, ok := q.Position("a"); ok {
		t.Fatalf("a cancelled during the handoff but is queued again")
	}
	if pos, _, ok := q.Position("b"); !ok || pos != 1 {
		t.Fatalf("b position after restore = %d %v", pos, ok)
	}
	if st := q.Stats(); st.Waiting[domain.ModeRanked] != 1 || st.Matched[domain.ModeRanked] != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if err := q.Enqueue(ranked("a", 1500)); err != nil {
		t.Fatalf("re-enqueue after cancel: %v", err)
	}
}

func TestCancelAfterSuccessfulHandoffForgetsEntry(t *testing.T) {
	q, col, _ := newQueue(t)
	_ = q.Enqueue(ranked("a", 1500))
	_ = q.Enqueue(ranked("b", 1500))
	if n := q.Match(context.Background()); n != 1 || len(col.all()) != 1 {
		t.Fatalf("matches = %d", n)
	}
	if q.Cancel("a") {
		t.Fatalf("Cancel after the match reported success")
	}
	if len(q.handoff) != 0 {
		t.Fatalf("handoff not released: %v", q.handoff)
	}
}

func TestConcurrentMatchingNeverPairsTwice(t *testing.T) {
	q, col, _ := newQueue(t)
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Enqueue(Entry{ParticipantID: fmt.Sprintf("p%d", i), Mode: domain.ModeFree})
			if i%3 == 0 {
				q.Cancel(fmt.Sprintf("p%d", i))
			}
		}(i)
		if i%10 == 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				q.Match(context.Background())
			}()
		}
	}
	wg.Wait()
	q.Match(context.Background())

	seen := make(map[string]bool)
	for _, m := range col.all() {
		for _, id := range []string{m.White.ParticipantID, m.Black.ParticipantID} {
			if seen[id] {
				t.Fatalf("%s matched twice", id)
			}
			seen[id] = true
		}
	}
	waiting := q.Stats().Waiting[domain.ModeFree]
	if waiting > 1 {
		t.Fatalf("%d entries left unpaired in the free queue", waiting)
	}
}

func TestRunMatchesOnEnqueue(t *testing.T) {
	col := &collector{}
	q := New(Config{TickInterval: time.Hour}, col)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	_ = q.Enqueue(Entry{ParticipantID: "a", Mode: domain.ModeFree})
	_ = q.Enqueue(Entry{ParticipantID: "b", Mode: domain.ModeFree})
	deadline := time.Now().Add(2 * time.Second)
	for len(col.all()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Run did not match")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

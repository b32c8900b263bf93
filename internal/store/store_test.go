package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/park285/chess-arena/internal/domain"
)

// flaky fails the next n calls of every write, then delegates to Memory.
type flaky struct {
	*Memory
	mu       sync.Mutex
	failures int
	calls    int
	order    []string
}

func (f *flaky) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection refused")
	}
	return nil
}

func (f *flaky) setFailures(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

func (f *flaky) SaveRating(ctx context.Context, rec domain.RatingRecord) error {
	if err := f.fail(); err != nil {
		return err
	}
	f.mu.Lock()
	f.order = append(f.order, "rating:"+rec.ParticipantID)
	f.mu.Unlock()
	return f.Memory.SaveRating(ctx, rec)
}

func (f *flaky) SaveFinishedGame(ctx context.Context, rec domain.GameRecord) error {
	if err := f.fail(); err != nil {
		return err
	}
	f.mu.Lock()
	f.order = append(f.order, "game:"+rec.ID)
	f.mu.Unlock()
	return f.Memory.SaveFinishedGame(ctx, rec)
}

func (f *flaky) LoadRating(ctx context.Context, id string) (domain.RatingRecord, error) {
	if err := f.fail(); err != nil {
		return domain.RatingRecord{}, err
	}
	return f.Memory.LoadRating(ctx, id)
}

func newDurable(t *testing.T, failures int) (*Durable, *flaky) {
	t.Helper()
	f := &flaky{Memory: NewMemory(), failures: failures}
	d := NewDurable(f, DurableConfig{
		MaxTries:        3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		FlushInterval:   time.Hour,
	})
	return d, f
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, err := m.LoadRating(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	rec := domain.NewRatingRecord("a")
	rec.Period = 2
	_ = m.SaveRating(ctx, rec)
	old := rec
	old.Period = 1
	old.Rating = 1000
	_ = m.SaveRating(ctx, old)
	if got, _ := m.LoadRating(ctx, "a"); got.Rating != domain.DefaultRating {
		t.Fatalf("older period overwrote newer: %+v", got)
	}

	g := domain.GameRecord{ID: "g1", WhiteID: "a", BlackID: "b", Result: "1-0", EndedAt: time.Now()}
	_ = m.SaveFinishedGame(ctx, g)
	g.Result = "0-1"
	_ = m.SaveFinishedGame(ctx, g)
	got, err := m.GetGame(ctx, "g1")
	if err != nil || got.Result != "1-0" {
		t.Fatalf("GetGame = %+v, %v", got, err)
	}
	if list, _ := m.RecentGames(ctx, "b", 5); len(list) != 1 {
		t.Fatalf("RecentGames = %v", list)
	}
}

func TestDurableRetriesTransientFailure(t *testing.T) {
	d, f := newDurable(t, 2)
	ctx := context.Background()
	if err := d.SaveFinishedGame(ctx, domain.GameRecord{ID: "g1"}); err != nil {
		t.Fatalf("SaveFinishedGame: %v", err)
	}
	if d.Pending() != 0 {
		t.Fatalf("write held after successful retry")
	}
	if _, err := f.Memory.GetGame(ctx, "g1"); err != nil {
		t.Fatalf("game not stored: %v", err)
	}
}

func TestDurableHoldsAndFlushesInOrder(t *testing.T) {
	d, f := newDurable(t, 100)
	ctx := context.Background()

	err := d.SaveFinishedGame(ctx, domain.GameRecord{ID: "g1"})
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	r1 := domain.NewRatingRecord("a")
	r1.Period = 1
	if err := d.SaveRating(ctx, r1); !errors.Is(err, ErrHeld) {
		t.Fatalf("write behind a held one should queue, got %v", err)
	}
	r2 := r1
	r2.Period = 2
	r2.Rating = 1600
	_ = d.SaveRating(ctx, r2)
	if d.Pending() != 2 {
		t.Fatalf("pending = %d, want 2 (rating writes coalesce)", d.Pending())
	}
	if got, err := d.LoadRating(ctx, "a"); err != nil || got.Rating != 1600 {
		t.Fatalf("held rating not visible: %+v %v", got, err)
	}
	if got, err := d.GetGame(ctx, "g1"); err != nil || got.ID != "g1" {
		t.Fatalf("held game not visible: %+v %v", got, err)
	}

	if err := d.Flush(ctx); err == nil {
		t.Fatalf("flush should fail while the backend is down")
	}
	f.setFailures(0)
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if d.Pending() != 0 {
		t.Fatalf("pending after flush = %d", d.Pending())
	}
	if len(f.order) != 2 || f.order[0] != "game:g1" || f.order[1] != "rating:a" {
		t.Fatalf("flush order = %v", f.order)
	}
	if got, _ := f.Memory.LoadRating(ctx, "a"); got.Period != 2 {
		t.Fatalf("stored period = %d", got.Period)
	}
}

func TestDurableParksWriteThatKeepsFailing(t *testing.T) {
	f := &poisoned{flaky: &flaky{Memory: NewMemory()}, game: "bad"}
	d := NewDurable(f, DurableConfig{
		MaxTries:        1,
		InitialInterval: time.Millisecond,
		FlushInterval:   time.Hour,
		ParkAfter:       2,
	})
	ctx := context.Background()
	if err := d.SaveFinishedGame(ctx, domain.GameRecord{ID: "bad"}); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	_ = d.SaveFinishedGame(ctx, domain.GameRecord{ID: "good"})

	if err := d.Flush(ctx); err == nil {
		t.Fatalf("first flush should fail on the bad record")
	}
	if d.Pending() != 2 {
		t.Fatalf("pending = %d after one failure", d.Pending())
	}
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("second flush should park the bad record and go on: %v", err)
	}
	if d.Pending() != 0 || len(d.parked) != 1 || d.parked[0].key != "game:bad" {
		t.Fatalf("pending=%d parked=%v", d.Pending(), d.parked)
	}
	if _, err := f.Memory.GetGame(ctx, "good"); err != nil {
		t.Fatalf("write behind the parked one was not stored: %v", err)
	}
}

// poisoned rejects one game id forever.
type poisoned struct {
	*flaky
	game string
}

func (p *poisoned) SaveFinishedGame(ctx context.Context, rec domain.GameRecord) error {
	if rec.ID == p.game {
		return errors.New("value too long for column")
	}
	return p.flaky.SaveFinishedGame(ctx, rec)
}

func TestDurableLoadRating(t *testing.T) {
	d, f := newDurable(t, 1)
	ctx := context.Background()
	if _, err := d.LoadRating(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	f.setFailures(100)
	if _, err := d.LoadRating(ctx, "nobody"); !errors.Is(err, ErrPersistenceUnavailable) {
		t.Fatalf("expected ErrPersistenceUnavailable, got %v", err)
	}
}

func TestDurableRunFlushes(t *testing.T) {
	d, f := newDurable(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	_ = d.SaveFinishedGame(ctx, domain.GameRecord{ID: "g1"})
	deadline := time.Now().Add(2 * time.Second)
	for d.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("held write never flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := f.Memory.GetGame(ctx, "g1"); err != nil {
		t.Fatalf("game not stored: %v", err)
	}
}

func TestBuildPGN(t *testing.T) {
	rec := domain.GameRecord{
		ID:          "g1",
		WhiteID:     "alice",
		BlackID:     "bo\"b",
		TimeControl: "3+2",
		Result:      "0-1",
		Reason:      "checkmate",
		MovesUCI:    []string{"f2f3", "e7e5", "g2g4", "d8h4"},
		EndedAt:     time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC),
	}
	san, err := SANMoves(rec)
	if err != nil {
		t.Fatalf("SANMoves: %v", err)
	}
	if san[0] != "f3" || !strings.HasPrefix(san[3], "Qh4") {
		t.Fatalf("san = %v", san)
	}
	pgn := BuildPGN(rec)
	for _, want := range []string{
		`[Date "2024.05.06"]`,
		`[Black "bo'b"]`,
		`[Result "0-1"]`,
		`[TimeControl "180+2"]`,
		`[Termination "checkmate"]`,
		"1. f3 e5 2. g4 Qh4",
		`[ECO "A0`,
	} {
		if !strings.Contains(pgn, want) {
			t.Fatalf("pgn missing %q:\n%s", want, pgn)
		}
	}
	if !strings.HasSuffix(pgn, "0-1") {
		t.Fatalf("pgn should end with the result:\n%s", pgn)
	}
}

func TestBuildPGNFromPositionWithBlackToMove(t *testing.T) {
	rec := domain.GameRecord{
		StartFEN: "4k3/8/8/8/8/8/4P3/4K3 b - - 0 12",
		MovesUCI: []string{"e8d7", "e2e4"},
		Result:   "*",
	}
	pgn := BuildPGN(rec)
	if !strings.Contains(pgn, `[SetUp "1"]`) || !strings.Contains(pgn, "12... Kd7 13. e4") || strings.Contains(pgn, "[ECO") {
		t.Fatalf("pgn:\n%s", pgn)
	}
}

// Package matchmaking pairs queued participants. Ranked entries pair by
// rating within a band that widens with waiting time; free entries pair in
// arrival order.
package matchmaking

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/domain"
)

var (
	ErrAlreadyQueued = errors.New("already queued")
	ErrInvalidMode   = errors.New("invalid queue mode")
)

const waitSmoothing = 0.2

type Config struct {
	BandInitial  float64
	BandStep     float64
	BandInterval time.Duration
	BandMax      float64
	// TickInterval re-runs matching so widening bands are noticed without a
	// new enqueue.
	TickInterval time.Duration
	Now          func() time.Time
	// CoinFlip decides whether the first entry of a pair plays white.
	CoinFlip func() bool
	Logger   *zap.Logger
}

func (c *Config) setDefaults() {
	if c.BandInitial <= 0 {
		c.BandInitial = 50
	}
	if c.BandStep < 0 {
		c.BandStep = 0
	} else if c.BandStep == 0 {
		c.BandStep = 50
	}
	if c.BandInterval <= 0 {
		c.BandInterval = 10 * time.Second
	}
	if c.BandMax <= 0 {
		c.BandMax = 4000
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.CoinFlip == nil {
		c.CoinFlip = func() bool { return rand.IntN(2) == 0 }
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Entry is one queued participant.
type Entry struct {
	ParticipantID string
	Name          string
	IsBot         bool
	Mode          domain.Mode
	Rating        float64
	EnqueuedAt    time.Time

	seq       uint64
	reserved  bool
	cancelled bool
}

// Match is a committed pairing with colours assigned.
type Match struct {
	Mode  domain.Mode
	White Entry
	Black Entry
}

// MatchHandler turns a committed pairing into a game. When it fails both
// entries are returned to the queue with their original arrival time.
type MatchHandler interface {
	OnMatch(ctx context.Context, m Match) error
}

type MatchHandlerFunc func(ctx context.Context, m Match) error

func (f MatchHandlerFunc) OnMatch(ctx context.Context, m Match) error { return f(ctx, m) }

type Queue struct {
	cfg     Config
	handler MatchHandler
	wake    chan struct{}

	mu      sync.Mutex
	seq     uint64
	entries map[string]*Entry
	handoff map[string]*Entry
	lines   map[domain.Mode][]*Entry
	avgWait map[domain.Mode]time.Duration
	matched map[domain.Mode]int64
}

func New(cfg Config, handler MatchHandler) *Queue {
	cfg.setDefaults()
	return &Queue{
		cfg:     cfg,
		handler: handler,
		wake:    make(chan struct{}, 1),
		entries: make(map[string]*Entry),
		handoff: make(map[string]*Entry),
		lines:   make(map[domain.Mode][]*Entry),
		avgWait: make(map[domain.Mode]time.Duration),
		matched: make(map[domain.Mode]int64),
	}
}

// Band is the accepted rating difference for an entry that has waited w.
func (q *Queue) Band(w time.Duration) float64 {
	if w < 0 {
		w = 0
	}
	steps := math.Floor(float64(w) / float64(q.cfg.BandInterval))
	return math.Min(q.cfg.BandInitial+q.cfg.BandStep*steps, q.cfg.BandMax)
}

// Enqueue adds e to its mode's line. A participant can be queued once.
func (q *Queue) Enqueue(e Entry) error {
	if !e.Mode.Valid() {
		return ErrInvalidMode
	}
	q.mu.Lock()
	if _, ok := q.entries[e.ParticipantID]; ok {
		q.mu.Unlock()
		return ErrAlreadyQueued
	}
	q.seq++
	ent := e
	ent.seq = q.seq
	ent.reserved, ent.cancelled = false, false
	if ent.EnqueuedAt.IsZero() {
		ent.EnqueuedAt = q.cfg.Now()
	}
	q.entries[ent.ParticipantID] = &ent
	q.lines[ent.Mode] = append(q.lines[ent.Mode], &ent)
	q.mu.Unlock()

	q.cfg.Logger.Debug("queue_enqueue", zap.String("participant_id", e.ParticipantID), zap.String("mode", string(e.Mode)), zap.Float64("rating", e.Rating))
	q.signal()
	return nil
}

// Cancel removes participantID from the queue. It returns false when the
// participant is not queued, including when a match already claimed it. A
// claimed entry is still marked so a failed handoff does not requeue it.
func (q *Queue) Cancel(participantID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[participantID]
	if !ok {
		if h, claimed := q.handoff[participantID]; claimed {
			h.cancelled = true
		}
		return false
	}
	delete(q.entries, participantID)
	if e.reserved {
		// The in-flight commit sees the flag and releases the partner.
		e.cancelled = true
		return true
	}
	q.removeLocked(e)
	return true
}

func (q *Queue) removeLocked(e *Entry) {
	line := q.lines[e.Mode]
	for i, x := range line {
		if x == e {
			q.lines[e.Mode] = append(line[:i:i], line[i+1:]...)
			return
		}
	}
}

// Position reports the 1-based place of participantID in its line and the
// smoothed recent wait of that mode.
func (q *Queue) Position(participantID string) (int, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[participantID]
	if !ok {
		return 0, 0, false
	}
	pos := 0
	for _, x := range q.lines[e.Mode] {
		if !x.cancelled {
			pos++
		}
		if x == e {
			break
		}
	}
	est := q.avgWait[e.Mode] - q.cfg.Now().Sub(e.EnqueuedAt)
	if est < 0 {
		est = 0
	}
	return pos, est, true
}

type Stats struct {
	Waiting map[domain.Mode]int           `json:"waiting"`
	Matched map[domain.Mode]int64         `json:"matched"`
	AvgWait map[domain.Mode]time.Duration `json:"avg_wait"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{
		Waiting: make(map[domain.Mode]int),
		Matched: make(map[domain.Mode]int64),
		AvgWait: make(map[domain.Mode]time.Duration),
	}
	for _, m := range []domain.Mode{domain.ModeRanked, domain.ModeFree} {
		n := 0
		for _, e := range q.lines[m] {
			if !e.cancelled {
				n++
			}
		}
		st.Waiting[m] = n
		st.Matched[m] = q.matched[m]
		st.AvgWait[m] = q.avgWait[m]
	}
	return st
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

type candidate struct{ a, b *Entry }

// Match runs one pairing pass and returns the number of games handed to the
// handler.
func (q *Queue) Match(ctx context.Context) int {
	now := q.cfg.Now()
	q.mu.Lock()
	pairs := q.selectLocked(domain.ModeFree, now)
	pairs = append(pairs, q.selectLocked(domain.ModeRanked, now)...)
	q.mu.Unlock()

	made := 0
	for _, p := range pairs {
		m, ok := q.commit(p, now)
		if !ok {
			continue
		}
		if err := q.handler.OnMatch(ctx, m); err != nil {
			q.cfg.Logger.Warn("queue_match_failed", zap.String("white", m.White.ParticipantID), zap.String("black", m.Black.ParticipantID), zap.Error(err))
			q.restore(p)
			continue
		}
		q.release(p)
		made++
		q.cfg.Logger.Info("queue_match",
			zap.String("mode", string(m.Mode)),
			zap.String("white", m.White.ParticipantID),
			zap.String("black", m.Black.ParticipantID),
			zap.Float64("rating_diff", math.Abs(m.White.Rating-m.Black.Rating)))
	}
	return made
}

// selectLocked reserves disjoint pairs of one mode.
func (q *Queue) selectLocked(mode domain.Mode, now time.Time) []candidate {
	var out []candidate
	line := q.lines[mode]
	for i, a := range line {
		if a.reserved || a.cancelled {
			continue
		}
		var best *Entry
		bestDiff := math.Inf(1)
		for _, b := range line[i+1:] {
			if b.reserved || b.cancelled {
				continue
			}
			if mode == domain.ModeFree {
				best = b
				break
			}
			diff := math.Abs(a.Rating - b.Rating)
			band := math.Max(q.Band(now.Sub(a.EnqueuedAt)), q.Band(now.Sub(b.EnqueuedAt)))
			if diff <= band && diff < bestDiff {
				best, bestDiff = b, diff
			}
		}
		if best != nil {
			a.reserved, best.reserved = true, true
			out = append(out, candidate{a: a, b: best})
		}
	}
	return out
}

// commit removes a reserved pair unless either side cancelled meanwhile, in
// which case the survivor goes back to waiting.
func (q *Queue) commit(p candidate, now time.Time) (Match, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p.a.cancelled || p.b.cancelled {
		for _, e := range []*Entry{p.a, p.b} {
			if e.cancelled {
				q.removeLocked(e)
			} else {
				e.reserved = false
			}
		}
		return Match{}, false
	}
	q.removeLocked(p.a)
	q.removeLocked(p.b)
	delete(q.entries, p.a.ParticipantID)
	delete(q.entries, p.b.ParticipantID)
	q.handoff[p.a.ParticipantID] = p.a
	q.handoff[p.b.ParticipantID] = p.b
	mode := p.a.Mode
	for _, e := range []*Entry{p.a, p.b} {
		w := now.Sub(e.EnqueuedAt)
		if prev, ok := q.avgWait[mode]; ok {
			q.avgWait[mode] = time.Duration(waitSmoothing*float64(w) + (1-waitSmoothing)*float64(prev))
		} else {
			q.avgWait[mode] = w
		}
	}
	q.matched[mode]++

	white, black := *p.a, *p.b
	if !q.cfg.CoinFlip() {
		white, black = black, white
	}
	white.reserved, black.reserved = false, false
	return Match{Mode: mode, White: white, Black: black}, true
}

func (q *Queue) release(p candidate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(p)
}

func (q *Queue) releaseLocked(p candidate) {
	for _, e := range []*Entry{p.a, p.b} {
		if q.handoff[e.ParticipantID] == e {
			delete(q.handoff, e.ParticipantID)
		}
	}
}

// restore puts a pair back in arrival order after a failed handoff. An entry
// whose participant cancelled or re-queued in the meantime is dropped.
func (q *Queue) restore(p candidate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(p)
	for _, e := range []*Entry{p.a, p.b} {
		if e.cancelled {
			q.cfg.Logger.Debug("queue_restore_skipped", zap.String("participant_id", e.ParticipantID))
			continue
		}
		if _, ok := q.entries[e.ParticipantID]; ok {
			continue
		}
		e.reserved, e.cancelled = false, false
		q.entries[e.ParticipantID] = e
		line := append(q.lines[e.Mode], e)
		sort.SliceStable(line, func(i, j int) bool { return line[i].seq < line[j].seq })
		q.lines[e.Mode] = line
	}
	q.matched[p.a.Mode]--
}

// Run matches on every enqueue and every tick until ctx ends.
func (q *Queue) Run(ctx context.Context) error {
	t := time.NewTicker(q.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-t.C:
		}
		q.Match(ctx)
	}
}

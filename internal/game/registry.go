package game

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/clock"
	"github.com/park285/chess-arena/internal/domain"
)

// finishedRetention is how long a finished id keeps answering with
// ErrStaleSession instead of ErrSessionNotFound.
const finishedRetention = time.Hour

// Registry owns the live sessions of this process.
type Registry struct {
	ctx      context.Context
	log      *zap.Logger
	finisher Finisher
	defaults Config

	mu            sync.RWMutex
	sessions      map[string]*Session
	byParticipant map[string]map[string]struct{}
	finished      map[string]time.Time
	wg            sync.WaitGroup
}

// NewRegistry returns a registry whose sessions run until ctx is cancelled.
// defaults supplies policy fields (Repetition, AutoResignOnAbandon,
// HistoryTail, Now, Observer, Logger) for every created session.
func NewRegistry(ctx context.Context, defaults Config, finisher Finisher) *Registry {
	log := defaults.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		ctx:           ctx,
		log:           log,
		finisher:      finisher,
		defaults:      defaults,
		sessions:      make(map[string]*Session),
		byParticipant: make(map[string]map[string]struct{}),
		finished:      make(map[string]time.Time),
	}
}

// Create starts a session for the two seats. An empty id gets a fresh uuid.
func (r *Registry) Create(id string, ranked bool, white, black Seat, opts ...func(*Config)) (*Session, error) {
	cfg := r.defaults
	cfg.ID = id
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.Ranked = ranked
	cfg.White = white
	cfg.Black = black
	for _, o := range opts {
		o(&cfg)
	}
	cfg.Finisher = FinisherFunc(r.onFinished)

	s, err := New(cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	for _, seat := range s.seats {
		pid := seat.ParticipantID()
		if r.byParticipant[pid] == nil {
			r.byParticipant[pid] = make(map[string]struct{})
		}
		r.byParticipant[pid][s.id] = struct{}{}
	}
	r.mu.Unlock()

	for _, seat := range s.seats {
		if es, ok := seat.(*EngineSeat); ok {
			es.Attach(r.ctx, s)
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		s.Run(r.ctx)
	}()
	return s, nil
}

// WithTimeControl overrides the default time control of one session.
func WithTimeControl(tc clock.TimeControl) func(*Config) {
	return func(c *Config) { c.TimeControl = tc }
}

// WithStartFEN starts one session from a given position.
func WithStartFEN(fen string) func(*Config) {
	return func(c *Config) { c.StartFEN = fen }
}

// Get returns the live session with id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	if _, ok := r.finished[id]; ok {
		return nil, ErrStaleSession
	}
	return nil, ErrSessionNotFound
}

// ForParticipant lists the live sessions participantID is seated in.
func (r *Registry) ForParticipant(participantID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byParticipant[participantID]
	out := make([]*Session, 0, len(ids))
	for id := range ids {
		if s, ok := r.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Wait blocks until every session goroutine and finish callback returned.
func (r *Registry) Wait() { r.wg.Wait() }

func (r *Registry) onFinished(rec domain.GameRecord) {
	now := time.Now()
	r.mu.Lock()
	delete(r.sessions, rec.ID)
	for _, pid := range []string{rec.WhiteID, rec.BlackID} {
		if set := r.byParticipant[pid]; set != nil {
			delete(set, rec.ID)
			if len(set) == 0 {
				delete(r.byParticipant, pid)
			}
		}
	}
	r.finished[rec.ID] = now
	for id, at := range r.finished {
		if now.Sub(at) > finishedRetention {
			delete(r.finished, id)
		}
	}
	r.mu.Unlock()

	if r.finisher == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.finisher.SessionFinished(rec)
	}()
}

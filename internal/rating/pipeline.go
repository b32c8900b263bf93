package rating

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/store"
)

var ErrDuplicateOutcome = errors.New("outcome already applied")

// Outcome is a finished ranked game. Score is white's score.
type Outcome struct {
	GameID string
	White  string
	Black  string
	Score  float64
	At     time.Time
}

// Store is the part of the persistence contract the pipeline needs.
type Store interface {
	LoadRating(ctx context.Context, participantID string) (domain.RatingRecord, error)
	SaveRating(ctx context.Context, rec domain.RatingRecord) error
}

type PipelineConfig struct {
	Params Params
	// Period is the rating period length. Each full period without a game
	// widens the deviation once.
	Period        time.Duration
	RetryInterval time.Duration
	// Remember bounds how many applied game ids are kept for deduplication.
	Remember int
	Now      func() time.Time
	Logger   *zap.Logger
}

// Pipeline applies outcomes so that each participant's record is mutated by
// one update at a time, with both players of a game read before either is
// written.
type Pipeline struct {
	cfg   PipelineConfig
	store Store
	locks keyedMutex

	mu sync.Mutex
	// unsaved keeps records the store rejected outright so later games
	// build on them. Saved and held records are read back from the store.
	unsaved map[string]domain.RatingRecord
	applied map[string]struct{}
	order   []string
	held    []Outcome
}

func NewPipeline(st Store, cfg PipelineConfig) *Pipeline {
	cfg.Params = cfg.Params.withDefaults()
	if cfg.Period <= 0 {
		cfg.Period = 24 * time.Hour
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Second
	}
	if cfg.Remember <= 0 {
		cfg.Remember = 100_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:     cfg,
		store:   st,
		locks:   keyedMutex{m: make(map[string]*refLock)},
		unsaved: make(map[string]domain.RatingRecord),
		applied: make(map[string]struct{}),
	}
}

// Lookup returns the current record of participantID, a fresh default one
// for unknown participants.
func (p *Pipeline) Lookup(ctx context.Context, participantID string) (domain.RatingRecord, error) {
	unlock := p.locks.Lock(participantID)
	defer unlock()
	return p.load(ctx, participantID)
}

func (p *Pipeline) load(ctx context.Context, id string) (domain.RatingRecord, error) {
	p.mu.Lock()
	rec, ok := p.unsaved[id]
	p.mu.Unlock()
	if ok {
		return rec, nil
	}
	rec, err := p.store.LoadRating(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.NewRatingRecord(id), nil
	}
	return rec, err
}

// Submit applies o exactly once. If a record cannot be loaded the outcome is
// held and retried by Run; the returned error then wraps store.ErrHeld.
func (p *Pipeline) Submit(ctx context.Context, o Outcome) error {
	if o.White == o.Black {
		return fmt.Errorf("outcome %s: same participant on both sides", o.GameID)
	}
	if o.At.IsZero() {
		o.At = p.cfg.Now()
	}
	p.mu.Lock()
	if _, done := p.applied[o.GameID]; done {
		p.mu.Unlock()
		return ErrDuplicateOutcome
	}
	p.mu.Unlock()

	ids := []string{o.White, o.Black}
	sort.Strings(ids)
	for _, id := range ids {
		unlock := p.locks.Lock(id)
		defer unlock()
	}

	// Re-check under the participant locks; a concurrent Submit of the same
	// game holds them too.
	p.mu.Lock()
	if _, done := p.applied[o.GameID]; done {
		p.mu.Unlock()
		return ErrDuplicateOutcome
	}
	p.mu.Unlock()

	white, err := p.load(ctx, o.White)
	if err == nil {
		var black domain.RatingRecord
		black, err = p.load(ctx, o.Black)
		if err == nil {
			return p.apply(ctx, o, white, black)
		}
	}
	p.hold(o)
	p.cfg.Logger.Warn("rating_outcome_held", zap.String("game_id", o.GameID), zap.Error(err))
	return fmt.Errorf("%w: game %s: %v", store.ErrHeld, o.GameID, err)
}

func (p *Pipeline) apply(ctx context.Context, o Outcome, white, black domain.RatingRecord) error {
	white = p.ageOut(white, o.At)
	black = p.ageOut(black, o.At)
	wp, bp := toPlayer(white), toPlayer(black)

	nw := p.cfg.Params.Update(wp, []Result{{Opponent: bp, Score: o.Score}})
	nb := p.cfg.Params.Update(bp, []Result{{Opponent: wp, Score: 1 - o.Score}})

	white = withPlayer(white, nw, o.Score, o.At)
	black = withPlayer(black, nb, 1-o.Score, o.At)

	p.mu.Lock()
	p.markApplied(o.GameID)
	p.mu.Unlock()

	for _, rec := range []domain.RatingRecord{white, black} {
		err := p.store.SaveRating(ctx, rec)
		p.mu.Lock()
		if err == nil || errors.Is(err, store.ErrHeld) {
			delete(p.unsaved, rec.ParticipantID)
		} else {
			p.unsaved[rec.ParticipantID] = rec
		}
		p.mu.Unlock()
		if err != nil && !errors.Is(err, store.ErrHeld) {
			p.cfg.Logger.Error("rating_save_failed", zap.String("participant_id", rec.ParticipantID), zap.Error(err))
		}
	}
	p.cfg.Logger.Info("rating_updated",
		zap.String("game_id", o.GameID),
		zap.String("white", white.ParticipantID),
		zap.Float64("white_rating", white.Rating),
		zap.String("black", black.ParticipantID),
		zap.Float64("black_rating", black.Rating),
		zap.Float64("score", o.Score))
	return nil
}

// ageOut applies one Idle step per full rating period since the last update.
func (p *Pipeline) ageOut(rec domain.RatingRecord, at time.Time) domain.RatingRecord {
	if rec.UpdatedAt.IsZero() || !at.After(rec.UpdatedAt) {
		return rec
	}
	periods := int(at.Sub(rec.UpdatedAt) / p.cfg.Period)
	pl := toPlayer(rec)
	for i := 0; i < periods && pl.Deviation < p.cfg.Params.MaxDeviation; i++ {
		pl = p.cfg.Params.Idle(pl)
	}
	rec.Deviation = pl.Deviation
	return rec
}

func toPlayer(r domain.RatingRecord) Player {
	return Player{Rating: r.Rating, Deviation: r.Deviation, Volatility: r.Volatility}
}

func withPlayer(r domain.RatingRecord, pl Player, score float64, at time.Time) domain.RatingRecord {
	r.Rating, r.Deviation, r.Volatility = pl.Rating, pl.Deviation, pl.Volatility
	switch {
	case score > 0.5:
		r.Wins++
	case score < 0.5:
		r.Losses++
	default:
		r.Draws++
	}
	r.Period++
	r.UpdatedAt = at
	return r
}

func (p *Pipeline) markApplied(gameID string) {
	p.applied[gameID] = struct{}{}
	p.order = append(p.order, gameID)
	if over := len(p.order) - p.cfg.Remember; over > 0 {
		for _, id := range p.order[:over] {
			delete(p.applied, id)
		}
		p.order = append([]string(nil), p.order[over:]...)
	}
}

func (p *Pipeline) hold(o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.held {
		if h.GameID == o.GameID {
			return
		}
	}
	p.held = append(p.held, o)
}

// Held is the number of outcomes waiting for a retry.
func (p *Pipeline) Held() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}

// Retry resubmits held outcomes in arrival order.
func (p *Pipeline) Retry(ctx context.Context) {
	p.mu.Lock()
	pending := p.held
	p.held = nil
	p.mu.Unlock()
	for _, o := range pending {
		if err := p.Submit(ctx, o); err != nil && !errors.Is(err, store.ErrHeld) && !errors.Is(err, ErrDuplicateOutcome) {
			p.cfg.Logger.Error("rating_retry_failed", zap.String("game_id", o.GameID), zap.Error(err))
		}
	}
}

func (p *Pipeline) Run(ctx context.Context) error {
	t := time.NewTicker(p.cfg.RetryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.Retry(ctx)
		}
	}
}

// ScoreFor converts a PGN result to white's score.
func ScoreFor(result string) (float64, bool) {
	switch result {
	case "1-0":
		return 1, true
	case "0-1":
		return 0, true
	case "1/2-1/2":
		return 0.5, true
	}
	return math.NaN(), false
}

type refLock struct {
	sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and frees it when unused.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*refLock
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &refLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

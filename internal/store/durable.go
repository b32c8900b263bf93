package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/domain"
)

type DurableConfig struct {
	MaxTries        uint
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	FlushInterval   time.Duration
	// ParkAfter is how many failed flushes the head write survives before
	// it is set aside so the writes queued behind it can go through.
	ParkAfter int
	Logger    *zap.Logger
}

func (c *DurableConfig) setDefaults() {
	if c.MaxTries == 0 {
		c.MaxTries = 5
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 10 * time.Second
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 2 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.ParkAfter <= 0 {
		c.ParkAfter = 5
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type heldWrite struct {
	key    string
	rating *domain.RatingRecord
	game   *domain.GameRecord
	since  time.Time
	fails  int
}

// Durable retries writes with exponential backoff and keeps the ones that
// still fail in a FIFO that Run flushes later. While anything is held, new
// writes queue behind it so a participant's ratings are stored in order.
type Durable struct {
	inner Store
	cfg   DurableConfig

	mu     sync.Mutex
	held   []*heldWrite
	parked []*heldWrite
	wake   chan struct{}
}

func NewDurable(inner Store, cfg DurableConfig) *Durable {
	cfg.setDefaults()
	return &Durable{inner: inner, cfg: cfg, wake: make(chan struct{}, 1)}
}

func (d *Durable) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialInterval
	b.MaxInterval = d.cfg.MaxInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if errors.Is(err, ErrNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.cfg.MaxTries),
		backoff.WithMaxElapsedTime(d.cfg.MaxElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			d.cfg.Logger.Warn("store_retry", zap.Error(err), zap.Duration("wait", wait))
		}),
	)
	return err
}

// LoadRating answers from a held write first so callers read their own
// unflushed updates.
func (d *Durable) LoadRating(ctx context.Context, participantID string) (domain.RatingRecord, error) {
	d.mu.Lock()
	for i := len(d.held) - 1; i >= 0; i-- {
		if w := d.held[i]; w.rating != nil && w.rating.ParticipantID == participantID {
			rec := *w.rating
			d.mu.Unlock()
			return rec, nil
		}
	}
	d.mu.Unlock()

	var rec domain.RatingRecord
	err := d.retry(ctx, func() error {
		var err error
		rec, err = d.inner.LoadRating(ctx, participantID)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return domain.RatingRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.RatingRecord{}, fmt.Errorf("%w: load rating %s: %v", ErrPersistenceUnavailable, participantID, err)
	}
	return rec, nil
}

func (d *Durable) SaveRating(ctx context.Context, rec domain.RatingRecord) error {
	return d.write(ctx, &heldWrite{key: "rating:" + rec.ParticipantID, rating: &rec})
}

func (d *Durable) SaveFinishedGame(ctx context.Context, rec domain.GameRecord) error {
	return d.write(ctx, &heldWrite{key: "game:" + rec.ID, game: &rec})
}

func (d *Durable) write(ctx context.Context, w *heldWrite) error {
	if d.hold(w, false) {
		return ErrHeld
	}
	err := d.retry(ctx, func() error { return d.apply(ctx, w) })
	if err == nil {
		return nil
	}
	d.hold(w, true)
	d.cfg.Logger.Error("store_write_held", zap.String("key", w.key), zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrHeld, w.key, err)
}

// hold queues w when force is set or other writes are already held. A held
// rating for the same participant is replaced in place by a newer one.
func (d *Durable) hold(w *heldWrite, force bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !force && len(d.held) == 0 {
		return false
	}
	for i, h := range d.held {
		if h.key != w.key {
			continue
		}
		if w.rating != nil && h.rating.Period <= w.rating.Period {
			w.since = h.since
			d.held[i] = w
		}
		return true
	}
	w.since = time.Now()
	d.held = append(d.held, w)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

func (d *Durable) apply(ctx context.Context, w *heldWrite) error {
	if w.rating != nil {
		return d.inner.SaveRating(ctx, *w.rating)
	}
	return d.inner.SaveFinishedGame(ctx, *w.game)
}

// Pending is the number of held writes.
func (d *Durable) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

// Flush writes held entries in order and stops at the first failure. A head
// that has failed ParkAfter flushes is parked instead and the flush goes on.
func (d *Durable) Flush(ctx context.Context) error {
	for {
		d.mu.Lock()
		if len(d.held) == 0 {
			d.mu.Unlock()
			return nil
		}
		w := d.held[0]
		d.mu.Unlock()

		if err := d.apply(ctx, w); err != nil {
			if ctx.Err() != nil || !d.park(w, err) {
				return err
			}
			continue
		}

		d.mu.Lock()
		// The head may have been replaced by a newer rating meanwhile.
		if len(d.held) > 0 && d.held[0] == w {
			d.held = d.held[1:]
			d.cfg.Logger.Info("store_write_flushed", zap.String("key", w.key), zap.Duration("held_for", time.Since(w.since)))
		}
		d.mu.Unlock()
	}
}

// park counts a failed flush of the head write w and moves it to the parked
// list once it has failed too often. It reports whether w was parked.
func (d *Durable) park(w *heldWrite, err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.held) == 0 || d.held[0] != w {
		// Replaced by a newer rating while we were writing; retry that one.
		return len(d.held) > 0
	}
	w.fails++
	if w.fails < d.cfg.ParkAfter {
		return false
	}
	d.held = d.held[1:]
	d.parked = append(d.parked, w)
	d.cfg.Logger.Error("store_write_parked",
		zap.String("key", w.key),
		zap.Int("failed_flushes", w.fails),
		zap.Duration("held_for", time.Since(w.since)),
		zap.Error(err),
	)
	return true
}

// Run flushes held writes periodically until ctx ends.
func (d *Durable) Run(ctx context.Context) error {
	t := time.NewTicker(d.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			pending, parked := len(d.held), len(d.parked)
			d.mu.Unlock()
			if pending+parked > 0 {
				d.cfg.Logger.Error("store_shutdown_with_held_writes", zap.Int("pending", pending), zap.Int("parked", parked))
			}
			return nil
		case <-t.C:
		case <-d.wake:
			// give the backend a moment before the first flush attempt
			select {
			case <-ctx.Done():
				continue
			case <-time.After(d.cfg.InitialInterval):
			}
		}
		if err := d.Flush(ctx); err != nil {
			d.cfg.Logger.Warn("store_flush_failed", zap.Int("pending", d.Pending()), zap.Error(err))
		}
	}
}

// GetGame and RecentGames pass through when the wrapped store supports them.
func (d *Durable) GetGame(ctx context.Context, id string) (domain.GameRecord, error) {
	d.mu.Lock()
	for _, w := range d.held {
		if w.game != nil && w.game.ID == id {
			rec := *w.game
			d.mu.Unlock()
			return rec, nil
		}
	}
	d.mu.Unlock()
	r, ok := d.inner.(GameReader)
	if !ok {
		return domain.GameRecord{}, ErrNotFound
	}
	return r.GetGame(ctx, id)
}

func (d *Durable) RecentGames(ctx context.Context, participantID string, limit int) ([]domain.GameRecord, error) {
	r, ok := d.inner.(GameReader)
	if !ok {
		return nil, nil
	}
	return r.RecentGames(ctx, participantID, limit)
}

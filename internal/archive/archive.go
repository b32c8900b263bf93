// Package archive persists finished sessions and feeds ranked results to the
// rating pipeline.
package archive

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/rating"
	"github.com/park285/chess-arena/internal/store"
)

type GameSaver interface {
	SaveFinishedGame(ctx context.Context, rec domain.GameRecord) error
}

type Rater interface {
	Submit(ctx context.Context, o rating.Outcome) error
}

// Archiver implements game.Finisher.
type Archiver struct {
	games   GameSaver
	rater   Rater
	log     *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func New(games GameSaver, rater Rater, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{games: games, rater: rater, log: logger, timeout: 15 * time.Second}
}

func (a *Archiver) SessionFinished(rec domain.GameRecord) {
	a.wg.Add(1)
	defer a.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.games.SaveFinishedGame(ctx, rec); err != nil {
		if errors.Is(err, store.ErrHeld) {
			a.log.Warn("game_save_held", zap.String("game_id", rec.ID), zap.Error(err))
		} else {
			a.log.Error("game_save_failed", zap.String("game_id", rec.ID), zap.Error(err))
		}
	}

	if !rec.Ranked || a.rater == nil {
		return
	}
	score, ok := rating.ScoreFor(rec.Result)
	if !ok {
		a.log.Info("rating_skipped_undecided", zap.String("game_id", rec.ID), zap.String("reason", rec.Reason))
		return
	}
	err := a.rater.Submit(ctx, rating.Outcome{
		GameID: rec.ID,
		White:  rec.WhiteID,
		Black:  rec.BlackID,
		Score:  score,
		At:     rec.EndedAt,
	})
	switch {
	case err == nil, errors.Is(err, rating.ErrDuplicateOutcome), errors.Is(err, store.ErrHeld):
	default:
		a.log.Error("rating_submit_failed", zap.String("game_id", rec.ID), zap.Error(err))
	}
}

// Wait blocks until in-flight SessionFinished calls return.
func (a *Archiver) Wait() { a.wg.Wait() }

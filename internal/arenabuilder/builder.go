// Package arenabuilder assembles the arena server from configuration.
package arenabuilder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/archive"
	"github.com/park285/chess-arena/internal/auth"
	"github.com/park285/chess-arena/internal/authclient"
	"github.com/park285/chess-arena/internal/clock"
	"github.com/park285/chess-arena/internal/config"
	"github.com/park285/chess-arena/internal/engine/uci"
	"github.com/park285/chess-arena/internal/game"
	"github.com/park285/chess-arena/internal/hub"
	"github.com/park285/chess-arena/internal/livecache"
	"github.com/park285/chess-arena/internal/lobby"
	"github.com/park285/chess-arena/internal/matchmaking"
	"github.com/park285/chess-arena/internal/msgcat"
	"github.com/park285/chess-arena/internal/rating"
	"github.com/park285/chess-arena/internal/store"
	"github.com/park285/chess-arena/internal/transport"
)

type Deps struct {
	Hub     *hub.Hub
	Server  *transport.Server
	Store   *store.Durable
	Ratings *rating.Pipeline
	Archive *archive.Archiver
	// Cache and Mirror are nil without REDIS_URL; Engine is nil without
	// STOCKFISH_PATH.
	Cache  *livecache.Cache
	Mirror *livecache.Mirror
	Engine *uci.Pool

	closers []func() error
}

// New builds every component. Sessions created by the hub live until ctx
// ends. Postgres is used when DATABASE_URL is set, otherwise an in-memory
// store keeps ratings for the lifetime of the process.
func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (_ *Deps, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tc, err := clock.ParseTimeControl(cfg.Game.TimeControl)
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_TIME_CONTROL: %w", err)
	}
	msgs, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	d := &Deps{}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	// Persistence
	var inner store.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pg, perr := store.OpenPostgres(cfg.DatabaseURL)
		if perr != nil {
			return nil, perr
		}
		d.closers = append(d.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		inner = pg
	} else {
		logger.Warn("store_in_memory", zap.String("reason", "DATABASE_URL not set"))
		inner = store.NewMemory()
	}
	d.Store = store.NewDurable(inner, store.DurableConfig{
		MaxTries:      cfg.Store.MaxTries,
		MaxElapsed:    cfg.Store.MaxElapsed,
		FlushInterval: cfg.Store.FlushInterval,
		ParkAfter:     cfg.Store.ParkAfter,
		Logger:        logger.Named("store"),
	})

	// Ratings and archiving
	d.Ratings = rating.NewPipeline(d.Store, rating.PipelineConfig{
		Params:        rating.Params{Tau: cfg.Rating.Tau},
		Period:        cfg.Rating.Period,
		RetryInterval: cfg.Rating.RetryInterval,
		Logger:        logger.Named("rating"),
	})
	d.Archive = archive.New(d.Store, d.Ratings, logger.Named("archive"))

	// Live cache (Redis optional)
	var observer game.Observer
	if strings.TrimSpace(cfg.RedisURL) != "" {
		d.Cache, err = livecache.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("init live cache: %w", err)
		}
		d.closers = append(d.closers, d.Cache.Close)
		d.Mirror = livecache.NewMirror(d.Cache, logger.Named("livecache"))
		observer = d.Mirror
	}

	// Engine (optional; system games fall back to random legal moves)
	var assistant game.Assistant
	if strings.TrimSpace(cfg.Engine.Path) != "" {
		d.Engine, err = uci.NewPool(uci.PoolConfig{
			BinaryPath: cfg.Engine.Path,
			Options:    uci.Options{SkillLevel: cfg.Engine.SkillLevel, Elo: cfg.Engine.Elo, MultiPV: cfg.Engine.AssistLines},
			Capacity:   cfg.Engine.Capacity,
			MoveTime:   cfg.Engine.MoveTime,
			Logger:     logger.Named("engine"),
		})
		if err != nil {
			return nil, fmt.Errorf("init engine: %w", err)
		}
		d.closers = append(d.closers, d.Engine.Close)
		assistant = d.Engine
	}

	authn, err := newAuthenticator(cfg.Auth)
	if err != nil {
		return nil, err
	}

	d.Hub = hub.New(ctx, hub.Config{
		ReconnectGrace: cfg.Game.ReconnectGrace,
		TimeControl:    tc,
		MaxSessions:    cfg.Game.MaxSessions,
		SystemID:       cfg.Engine.SystemID,
		EngineTimeout:  cfg.Engine.Timeout,
		Logger:         logger.Named("hub"),
	}, hub.Deps{
		Game: game.Config{
			Repetition:          game.RepetitionPolicy(cfg.Game.RepetitionPolicy),
			AutoResignOnAbandon: cfg.Game.AutoResignOnAbandon,
			HistoryTail:         cfg.Game.HistoryTail,
			Observer:            observer,
		},
		Matchmaking: matchmaking.Config{
			BandInitial:  cfg.Matchmaking.BandInitial,
			BandStep:     cfg.Matchmaking.BandStep,
			BandInterval: cfg.Matchmaking.BandInterval,
			BandMax:      cfg.Matchmaking.BandMax,
			TickInterval: cfg.Matchmaking.TickInterval,
		},
		Finisher:  d.Archive,
		Ratings:   d.Ratings,
		Assistant: assistant,
		Lobby:     lobby.New(lobby.DefaultCapacity, nil),
		Messages:  msgs,
	})

	tdeps := transport.Deps{Hub: d.Hub, Auth: authn, Games: d.Store, Ratings: d.Ratings}
	if d.Cache != nil {
		tdeps.Live = d.Cache
	}
	d.Server = transport.New(transport.Config{CORSOrigins: cfg.CORSOrigins, Logger: logger.Named("http")}, tdeps)
	return d, nil
}

func newAuthenticator(cfg config.AuthConfig) (*auth.Authenticator, error) {
	a := &auth.Authenticator{}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		v, err := auth.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		a.Tokens = v
	}
	if strings.TrimSpace(cfg.AccountServiceURL) != "" {
		var opts []authclient.Option
		if cfg.AccountServiceToken != "" {
			opts = append(opts, authclient.WithServiceToken(cfg.AccountServiceToken))
		}
		a.Keys = authclient.NewClient(cfg.AccountServiceURL, opts...)
	}
	return a, nil
}

// Runners are the background loops the process must keep alive.
func (d *Deps) Runners() []func(context.Context) error {
	rs := []func(context.Context) error{
		d.Hub.Queue().Run,
		d.Store.Run,
		d.Ratings.Run,
	}
	if d.Mirror != nil {
		rs = append(rs, d.Mirror.Run)
	}
	return rs
}

// Drain waits for finished sessions to be archived and pushes held writes
// one last time. Call it after the hub's context has ended.
func (d *Deps) Drain(ctx context.Context) error {
	d.Hub.Close()
	d.Hub.Registry().Wait()
	d.Archive.Wait()
	d.Ratings.Retry(ctx)
	return d.Store.Flush(ctx)
}

func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

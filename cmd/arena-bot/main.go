// Command arena-bot is a reference bot. It joins the queue, plays every
// game it is matched into and re-queues until it has played BOT_GAMES games.
package main

import (
	"context"
	"log"
	"math/rand/v2"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/arenaclient"
	"github.com/park285/chess-arena/internal/board"
	"github.com/park285/chess-arena/internal/engine/uci"
	"github.com/park285/chess-arena/internal/game"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/pkg/arenadto"
)

type botConfig struct {
	URL        string        `env:"ARENA_WS_URL" envDefault:"ws://localhost:8080/ws"`
	APIKey     string        `env:"ARENA_API_KEY"`
	Token      string        `env:"ARENA_TOKEN"`
	Mode       string        `env:"BOT_MODE" envDefault:"free"`
	VsSystem   bool          `env:"BOT_VS_SYSTEM"`
	Games      int           `env:"BOT_GAMES" envDefault:"1"`
	EnginePath string        `env:"STOCKFISH_PATH"`
	MoveTime   time.Duration `env:"BOT_MOVE_TIME" envDefault:"300ms"`
	Log        obslog.Options
}

func main() {
	cfg := botConfig{Log: obslog.DefaultOptions()}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.APIKey == "" && cfg.Token == "" {
		log.Fatalf("config error: ARENA_API_KEY or ARENA_TOKEN is required")
	}
	cfg.Log.ToFile = false
	logger, err := obslog.Init(cfg.Log)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var assistant game.Assistant
	if cfg.EnginePath != "" {
		pool, err := uci.NewPool(uci.PoolConfig{BinaryPath: cfg.EnginePath, Capacity: 1, MoveTime: cfg.MoveTime, Logger: logger})
		if err != nil {
			log.Fatalf("engine init error: %v", err)
		}
		defer pool.Close()
		assistant = pool
	}

	opts := []arenaclient.Option{arenaclient.WithLogger(logger), arenaclient.WithReconnect(10, 500*time.Millisecond)}
	if cfg.APIKey != "" {
		opts = append(opts, arenaclient.WithAPIKey(cfg.APIKey))
	} else {
		opts = append(opts, arenaclient.WithToken(cfg.Token))
	}
	client := arenaclient.New(cfg.URL, opts...)
	b := &bot{
		cfg:       cfg,
		client:    client,
		assistant: assistant,
		log:       logger,
		ctx:       ctx,
		answered:  make(map[string]int),
		done:      make(chan struct{}),
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xb07)),
	}
	client.OnFrame(b.handle)
	client.OnStateChange(func(s arenaclient.State) {
		logger.Info("bot_connection", zap.String("state", s.String()))
	})

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = client.Connect(cctx)
	cancel()
	if err != nil {
		log.Fatalf("connect error: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-b.done:
		logger.Info("bot_finished", zap.Int("games", cfg.Games))
	}
	closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelClose()
	_ = client.Close(closeCtx)
}

type bot struct {
	cfg       botConfig
	client    *arenaclient.Client
	assistant game.Assistant
	log       *zap.Logger
	ctx       context.Context

	mu       sync.Mutex
	answered map[string]int
	played   int
	done     chan struct{}
	doneOnce sync.Once
	rng      *rand.Rand
}

func (b *bot) handle(frame any) {
	switch f := frame.(type) {
	case *arenadto.Hello:
		if len(f.Sessions) == 0 {
			go b.enqueue()
		}
	case *arenadto.Matched:
		b.log.Info("bot_matched", zap.String("session_id", f.SessionID), zap.String("color", f.Color), zap.String("opponent", f.Opponent.ID))
	case *arenadto.State:
		b.onState(f)
	case *arenadto.Error:
		b.log.Warn("bot_error_frame", zap.String("code", f.Code), zap.String("message", f.Message))
	}
}

func (b *bot) onState(st *arenadto.State) {
	if st.YourColor == "" {
		return
	}
	switch st.Status {
	case "finished":
		b.mu.Lock()
		if _, seen := b.answered[st.SessionID]; !seen {
			b.mu.Unlock()
			return
		}
		delete(b.answered, st.SessionID)
		b.played++
		more := b.played < b.cfg.Games
		b.mu.Unlock()
		b.log.Info("bot_game_over", zap.String("session_id", st.SessionID), zap.String("result", st.Result), zap.String("reason", st.Reason))
		if more {
			go b.enqueue()
		} else {
			b.doneOnce.Do(func() { close(b.done) })
		}
	case "active", "waiting":
		b.mu.Lock()
		prev, seen := b.answered[st.SessionID]
		if !seen {
			prev = -1
			b.answered[st.SessionID] = prev
		}
		mine := st.Status == "active" && st.ToMove == st.YourColor && st.MoveCount > prev
		if mine {
			b.answered[st.SessionID] = st.MoveCount
		}
		b.mu.Unlock()
		if mine {
			go b.play(st.SessionID, st.Board)
		}
	}
}

func (b *bot) enqueue() {
	if err := b.client.Enqueue(b.ctx, b.cfg.Mode, b.cfg.VsSystem); err != nil {
		b.log.Warn("bot_enqueue_failed", zap.Error(err))
	}
}

func (b *bot) play(sessionID, fen string) {
	pos, err := board.ParseFEN(fen)
	if err != nil {
		b.log.Error("bot_bad_fen", zap.String("fen", fen), zap.Error(err))
		return
	}
	move := b.suggest(fen)
	if move == "" {
		legal := pos.LegalMoves()
		if len(legal) == 0 {
			return
		}
		b.mu.Lock()
		move = legal[b.rng.IntN(len(legal))].String()
		b.mu.Unlock()
	}
	if err := b.client.Move(b.ctx, sessionID, move); err != nil {
		b.log.Warn("bot_move_failed", zap.String("session_id", sessionID), zap.String("move", move), zap.Error(err))
	}
}

func (b *bot) suggest(fen string) string {
	if b.assistant == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.MoveTime+2*time.Second)
	defer cancel()
	move, err := b.assistant.BestMove(ctx, fen)
	if err != nil {
		b.log.Warn("bot_engine_failed", zap.Error(err))
		return ""
	}
	return move
}

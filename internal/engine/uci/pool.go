package uci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

type PoolConfig struct {
	BinaryPath string
	Options    Options
	// Capacity bounds concurrently running engine processes.
	Capacity int
	// MoveTime is the search budget BestMove asks for.
	MoveTime time.Duration
	Logger   *zap.Logger
}

// Pool reuses engine processes. A session that failed a search is killed
// instead of returned, so a wedged engine never serves a second request.
type Pool struct {
	binaryPath string
	opt        Options
	capacity   int
	moveTime   time.Duration
	log        *zap.Logger

	mu    sync.Mutex
	total int
	idle  chan *Session
}

var errPoolAtCapacity = errors.New("engine pool at capacity")

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.BinaryPath == "" {
		return nil, fmt.Errorf("binary path required")
	}
	if _, err := os.Stat(cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("engine binary check: %w", err)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity()
	}
	if cfg.MoveTime <= 0 {
		cfg.MoveTime = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pool{
		binaryPath: cfg.BinaryPath,
		opt:        cfg.Options,
		capacity:   cfg.Capacity,
		moveTime:   cfg.MoveTime,
		log:        cfg.Logger,
		idle:       make(chan *Session, cfg.Capacity),
	}, nil
}

// BestMove searches fen for MoveTime and returns the engine's move in UCI
// notation.
func (p *Pool) BestMove(ctx context.Context, fen string) (string, error) {
	best, _, err := p.Analyze(ctx, fen)
	return best, err
}

// Analyze searches fen for MoveTime and returns the best move with the
// principal lines the engine reported, best line first. Options.MultiPV
// sets how many lines there are.
func (p *Pool) Analyze(ctx context.Context, fen string) (string, []Candidate, error) {
	s, err := p.Acquire(ctx)
	if err != nil {
		return "", nil, err
	}
	res, err := s.Search(ctx, SearchRequest{
		FEN:    fen,
		Limits: Limits{MoveTimeMillis: int(p.moveTime / time.Millisecond)},
	})
	p.Release(s, err)
	if err != nil {
		return "", nil, err
	}
	if res.BestMove == "" {
		return "", nil, fmt.Errorf("engine returned no move for %q", fen)
	}
	return res.BestMove, res.Candidates, nil
}

func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	for {
		select {
		case s := <-p.idle:
			if s, ok := p.ready(ctx, s); ok {
				return s, nil
			}
			continue
		default:
		}

		s, err := p.create(ctx)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, errPoolAtCapacity) {
			return nil, err
		}

		select {
		case s := <-p.idle:
			if s, ok := p.ready(ctx, s); ok {
				return s, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) ready(ctx context.Context, s *Session) (*Session, bool) {
	if err := s.EnsureReady(ctx); err != nil {
		p.log.Warn("uci_session_discarded", zap.Error(err))
		p.discard(s)
		return nil, false
	}
	return s, true
}

// Release hands s back. A non-nil err means the session is not trusted
// anymore and is closed.
func (p *Pool) Release(s *Session, err error) {
	if s == nil {
		return
	}
	if err != nil {
		p.discard(s)
		return
	}
	select {
	case p.idle <- s:
	default:
		p.discard(s)
	}
}

func (p *Pool) Close() error {
	var errs []error
	for {
		select {
		case s := <-p.idle:
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
			p.decrement()
		default:
			return errors.Join(errs...)
		}
	}
}

func (p *Pool) create(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.total >= p.capacity {
		p.mu.Unlock()
		return nil, errPoolAtCapacity
	}
	p.total++
	p.mu.Unlock()

	s, err := NewSession(ctx, p.binaryPath, p.opt, p.log)
	if err != nil {
		p.decrement()
		return nil, err
	}
	return s, nil
}

func (p *Pool) discard(s *Session) {
	_ = s.Close()
	p.decrement()
}

func (p *Pool) decrement() {
	p.mu.Lock()
	if p.total > 0 {
		p.total--
	}
	p.mu.Unlock()
}

func defaultCapacity() int {
	return min(max(runtime.NumCPU(), 2), 4)
}

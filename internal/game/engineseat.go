package game

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/board"
)

// Assistant suggests a move in UCI notation for a FEN position.
type Assistant interface {
	BestMove(ctx context.Context, fen string) (string, error)
}

// EngineSeat is the system bot. When it is on move it asks the assistant
// for a move within Timeout and otherwise plays a random legal move.
type EngineSeat struct {
	ID        string
	Assistant Assistant
	Timeout   time.Duration
	Logger    *zap.Logger

	mu      sync.Mutex
	session *Session
	ctx     context.Context
	// highest move count already answered, so a republished state does not
	// trigger a second search.
	answered atomic.Int64
	rng      *rand.Rand
}

func NewEngineSeat(id string, assistant Assistant, timeout time.Duration, logger *zap.Logger) *EngineSeat {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &EngineSeat{ID: id, Assistant: assistant, Timeout: timeout, Logger: logger, ctx: context.Background()}
	e.answered.Store(-1)
	e.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed))
	return e
}

// Attach binds the seat to its session. ctx bounds all engine searches.
func (e *EngineSeat) Attach(ctx context.Context, s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = s
	e.ctx = ctx
}

func (e *EngineSeat) ParticipantID() string { return e.ID }
func (e *EngineSeat) IsBot() bool           { return true }
func (e *EngineSeat) Remote() bool          { return false }

func (e *EngineSeat) Notify(st State) {
	if st.Status != StatusActive {
		return
	}
	color, ok := st.ColorOf(e.ID)
	if !ok || st.ToMove != color {
		return
	}
	n := int64(st.MoveCount)
	for {
		prev := e.answered.Load()
		if prev >= n {
			return
		}
		if e.answered.CompareAndSwap(prev, n) {
			break
		}
	}
	e.mu.Lock()
	s, ctx := e.session, e.ctx
	e.mu.Unlock()
	if s == nil {
		return
	}
	go e.play(ctx, s, st.FEN)
}

func (e *EngineSeat) play(ctx context.Context, s *Session, fen string) {
	b, err := board.ParseFEN(fen)
	if err != nil {
		e.Logger.Error("engine_seat_bad_fen", zap.String("fen", fen), zap.Error(err))
		return
	}
	m, ok := e.suggest(ctx, &b)
	if !ok {
		legal := b.LegalMoves()
		if len(legal) == 0 {
			return
		}
		e.mu.Lock()
		m = legal[e.rng.IntN(len(legal))]
		e.mu.Unlock()
	}
	if err := s.SubmitMove(ctx, e.ID, m); err != nil {
		e.Logger.Debug("engine_seat_move_rejected", zap.String("session_id", s.ID()), zap.String("move", m.String()), zap.Error(err))
	}
}

func (e *EngineSeat) suggest(ctx context.Context, b *board.Board) (board.Move, bool) {
	if e.Assistant == nil {
		return board.Move{}, false
	}
	actx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()
	uci, err := e.Assistant.BestMove(actx, b.FEN())
	if err != nil {
		e.Logger.Warn("engine_assist_unavailable", zap.Error(err))
		return board.Move{}, false
	}
	m, err := board.ParseMove(uci)
	if err != nil || !b.IsLegal(m) {
		e.Logger.Warn("engine_assist_bad_move", zap.String("move", uci))
		return board.Move{}, false
	}
	return m, true
}

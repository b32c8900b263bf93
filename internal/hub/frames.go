package hub

import (
	"context"
	"errors"
	"maps"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/board"
	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/engine/uci"
	"github.com/park285/chess-arena/internal/game"
	"github.com/park285/chess-arena/internal/lobby"
	"github.com/park285/chess-arena/internal/matchmaking"
	"github.com/park285/chess-arena/pkg/arenadto"
)

// frameError carries a catalog code for failures that have no sentinel.
type frameError struct {
	code string
	data map[string]any
}

func (e *frameError) Error() string { return e.code }

// Handle executes one inbound frame for c. Failures are answered with an
// error frame to c only.
func (h *Hub) Handle(c *Client, f arenadto.ClientFrame) {
	ctx, cancel := context.WithTimeout(h.ctx, opTimeout)
	defer cancel()
	if err := h.dispatch(ctx, c, f); err != nil {
		h.send(c, h.errorFrame(f, err))
	}
}

// Reject answers a frame that could not be decoded.
func (h *Hub) Reject(c *Client, err error) {
	h.send(c, h.errorFrame(arenadto.ClientFrame{}, &frameError{code: "bad_frame", data: map[string]any{"detail": err.Error()}}))
}

func (h *Hub) dispatch(ctx context.Context, c *Client, f arenadto.ClientFrame) error {
	pid := c.id.ParticipantID
	switch f.Type {
	case arenadto.TypeMove:
		s, err := h.registry.Get(f.SessionID)
		if err != nil {
			return err
		}
		m, err := board.ParseMove(f.UCI())
		if err != nil {
			return &frameError{code: "illegal_move", data: map[string]any{"reason": err.Error()}}
		}
		return s.SubmitMove(ctx, pid, m)

	case arenadto.TypeChat:
		if strings.TrimSpace(f.Text) == "" {
			return lobby.ErrEmptyMessage
		}
		s, err := h.registry.Get(f.SessionID)
		if err != nil {
			return err
		}
		return s.Chat(ctx, pid, f.Text)

	case arenadto.TypeDrawOffer, arenadto.TypeDrawAccept, arenadto.TypeResign:
		s, err := h.registry.Get(f.SessionID)
		if err != nil {
			return err
		}
		switch f.Type {
		case arenadto.TypeDrawOffer:
			return s.OfferDraw(ctx, pid)
		case arenadto.TypeDrawAccept:
			return s.AcceptDraw(ctx, pid)
		}
		return s.Resign(ctx, pid)

	case arenadto.TypeEnqueue:
		return h.enqueue(ctx, c, f)

	case arenadto.TypeCancelQueue:
		if !h.queue.Cancel(pid) {
			h.log.Debug("cancel_noop", zap.String("participant_id", pid))
		}
		h.sendQueueStatus(c, "")
		return nil

	case arenadto.TypeQueueStatus:
		h.sendQueueStatus(c, "")
		return nil

	case arenadto.TypeSubscribe:
		s, err := h.registry.Get(f.SessionID)
		if err != nil {
			return err
		}
		if s.State().Finished() {
			return game.ErrStaleSession
		}
		h.subscribe(c, s)
		st, err := s.Snapshot(ctx)
		if err != nil {
			return err
		}
		h.sendState(c, st)
		return nil

	case arenadto.TypeUnsubscribe:
		h.unsubscribe(c, f.SessionID)
		return nil

	case arenadto.TypeAssist:
		return h.requestAssist(c, f.SessionID)

	case arenadto.TypeLobbyChat:
		m, err := h.lobby.Post(pid, c.id.Name, c.id.IsBot, f.Text)
		if err != nil {
			return err
		}
		h.broadcast(arenadto.LobbyChat{
			Type:     arenadto.TypeLobbyChat,
			ID:       m.ID,
			From:     m.From,
			FromName: m.FromName,
			IsBot:    m.IsBot,
			Text:     m.Text,
			At:       m.PostedAt,
		})
		return nil
	}
	return &frameError{code: "unknown_type"}
}

func (h *Hub) enqueue(ctx context.Context, c *Client, f arenadto.ClientFrame) error {
	if f.VsSystem {
		return h.startSystemGame(c)
	}
	mode := domain.Mode(f.Mode)
	if f.Mode == "" {
		mode = domain.ModeFree
	}
	if !mode.Valid() {
		return matchmaking.ErrInvalidMode
	}
	pid := c.id.ParticipantID
	rating := domain.DefaultRating
	if h.ratings != nil {
		rec, err := h.ratings.Lookup(ctx, pid)
		if err != nil {
			h.log.Warn("rating_lookup_failed", zap.String("participant_id", pid), zap.Error(err))
		} else {
			rating = rec.Rating
		}
	}
	err := h.queue.Enqueue(matchmaking.Entry{
		ParticipantID: pid,
		Name:          c.id.Name,
		IsBot:         c.id.IsBot,
		Mode:          mode,
		Rating:        rating,
	})
	if err != nil {
		return err
	}
	h.sendQueueStatus(c, mode)
	return nil
}

func (h *Hub) sendQueueStatus(c *Client, mode domain.Mode) {
	pos, wait, ok := h.queue.Position(c.id.ParticipantID)
	waiting := 0
	for _, n := range h.queue.Stats().Waiting {
		waiting += n
	}
	h.send(c, arenadto.QueueStatus{
		Type:            arenadto.TypeQueueStatus,
		Queued:          ok,
		Mode:            string(mode),
		Position:        pos,
		EstimatedWaitMs: wait.Milliseconds(),
		Waiting:         waiting,
	})
}

// requestAssist asks the engine for a move in an unranked game the
// requester plays in. The answer arrives asynchronously.
func (h *Hub) requestAssist(c *Client, sessionID string) error {
	s, err := h.registry.Get(sessionID)
	if err != nil {
		return err
	}
	st := s.State()
	if _, ok := st.ColorOf(c.id.ParticipantID); !ok {
		return game.ErrNotParticipant
	}
	if st.Ranked {
		return &frameError{code: "assist_ranked"}
	}
	if h.assist == nil {
		return &frameError{code: "assist_unavailable"}
	}
	go func() {
		ctx, cancel := context.WithTimeout(h.ctx, h.cfg.EngineTimeout)
		defer cancel()
		reply, err := h.analyze(ctx, st.FEN)
		if err != nil {
			h.log.Warn("assist_failed", zap.String("session_id", sessionID), zap.Error(err))
			h.send(c, h.errorFrame(arenadto.ClientFrame{Type: arenadto.TypeAssist, SessionID: sessionID}, &frameError{code: "assist_unavailable"}))
			return
		}
		reply.SessionID = sessionID
		h.send(c, reply)
	}()
	return nil
}

// Analyst is an assistant that also reports ranked lines. Assist replies
// carry them when the configured assistant implements it.
type Analyst interface {
	Analyze(ctx context.Context, fen string) (string, []uci.Candidate, error)
}

func (h *Hub) analyze(ctx context.Context, fen string) (arenadto.Assist, error) {
	reply := arenadto.Assist{Type: arenadto.TypeAssist}
	an, ok := h.assist.(Analyst)
	if !ok {
		mv, err := h.assist.BestMove(ctx, fen)
		reply.Move = mv
		return reply, err
	}
	best, lines, err := an.Analyze(ctx, fen)
	if err != nil {
		return reply, err
	}
	reply.Move = best
	for _, l := range lines {
		reply.Lines = append(reply.Lines, arenadto.AssistLine{Move: l.Move, EvalCP: l.EvalCP, PV: l.Principal})
	}
	return reply, nil
}

func (h *Hub) errorFrame(f arenadto.ClientFrame, err error) arenadto.Error {
	data := map[string]any{
		"session_id": f.SessionID,
		"move":       f.UCI(),
		"reason":     "",
		"mode":       f.Mode,
		"detail":     "",
		"type":       f.Type,
	}
	var (
		fe   *frameError
		ille *board.IllegalMoveError
		code string
	)
	switch {
	case errors.As(err, &fe):
		code = fe.code
		maps.Copy(data, fe.data)
	case errors.As(err, &ille):
		code = "illegal_move"
		data["move"] = ille.Move.String()
		data["reason"] = ille.Reason
	case errors.Is(err, game.ErrNotYourTurn):
		code = "not_your_turn"
	case errors.Is(err, game.ErrNotParticipant):
		code = "not_participant"
	case errors.Is(err, game.ErrSessionNotFound):
		code = "session_not_found"
	case errors.Is(err, game.ErrStaleSession):
		code = "stale_session"
	case errors.Is(err, game.ErrNotActive):
		code = "not_active"
	case errors.Is(err, game.ErrNoDrawOffer):
		code = "no_draw_offer"
	case errors.Is(err, matchmaking.ErrAlreadyQueued):
		code = "already_queued"
	case errors.Is(err, matchmaking.ErrInvalidMode):
		code = "invalid_mode"
	case errors.Is(err, lobby.ErrEmptyMessage):
		code = "empty_message"
	case errors.Is(err, ErrArenaFull):
		code = "arena_full"
	default:
		code = "internal"
		h.log.Error("frame_failed", zap.String("type", f.Type), zap.String("session_id", f.SessionID), zap.Error(err))
	}
	return arenadto.Error{
		Type:      arenadto.TypeError,
		RequestID: f.RequestID,
		SessionID: f.SessionID,
		Code:      code,
		Message:   h.msgs.Text("errors."+code, data),
	}
}

package hub

import (
	"context"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/game"
	"github.com/park285/chess-arena/internal/matchmaking"
	"github.com/park285/chess-arena/pkg/arenadto"
)

// OnMatch turns a queue pairing into a session. A returned error puts both
// entries back in the queue.
func (h *Hub) OnMatch(_ context.Context, m matchmaking.Match) error {
	if h.full() {
		return ErrArenaFull
	}
	white := &remoteSeat{hub: h, id: identityOf(m.White)}
	black := &remoteSeat{hub: h, id: identityOf(m.Black)}
	s, err := h.registry.Create("", m.Mode == domain.ModeRanked, white, black)
	if err != nil {
		return err
	}
	h.log.Info("session_matched",
		zap.String("session_id", s.ID()),
		zap.String("mode", string(m.Mode)),
		zap.String("white", white.ParticipantID()),
		zap.String("black", black.ParticipantID()))

	h.announce(s, m.White.ParticipantID, opponentOf(m.Black))
	h.announce(s, m.Black.ParticipantID, opponentOf(m.White))
	h.bind(s, m.White.ParticipantID)
	h.bind(s, m.Black.ParticipantID)
	return nil
}

// startSystemGame pairs c against the engine seat in an unranked game with
// a random colour.
func (h *Hub) startSystemGame(c *Client) error {
	if h.full() {
		return ErrArenaFull
	}
	pid := c.id.ParticipantID
	h.queue.Cancel(pid)

	human := &remoteSeat{hub: h, id: c.id}
	system := game.NewEngineSeat(h.cfg.SystemID, h.assist, h.cfg.EngineTimeout, h.log)
	var white, black game.Seat = human, system
	if rand.IntN(2) == 1 {
		white, black = black, white
	}
	s, err := h.registry.Create("", false, white, black)
	if err != nil {
		return err
	}
	h.log.Info("session_vs_system", zap.String("session_id", s.ID()), zap.String("participant_id", pid))

	h.announce(s, pid, arenadto.Opponent{ID: h.cfg.SystemID, Name: h.cfg.SystemName, IsBot: true})
	h.bind(s, pid)
	return nil
}

func (h *Hub) announce(s *game.Session, pid string, opp arenadto.Opponent) {
	st := s.State()
	color, _ := st.ColorOf(pid)
	frame := arenadto.Matched{
		Type:        arenadto.TypeMatched,
		SessionID:   s.ID(),
		Color:       color.String(),
		Ranked:      st.Ranked,
		TimeControl: st.TimeControl,
		Opponent:    opp,
	}
	h.sendParticipant(pid, func(*Client) any { return frame })
}

// bind marks pid present in s, or starts its grace window when it has no
// connection left.
func (h *Hub) bind(s *game.Session, pid string) {
	if !h.online(pid) {
		h.startGrace(pid, s)
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, opTimeout)
	defer cancel()
	if err := s.SetConnected(ctx, pid, true); err != nil && !isGone(err) {
		h.log.Warn("bind_failed", zap.String("participant_id", pid), zap.String("session_id", s.ID()), zap.Error(err))
	}
}

func (h *Hub) full() bool {
	return h.cfg.MaxSessions > 0 && h.registry.Len() >= h.cfg.MaxSessions
}

func identityOf(e matchmaking.Entry) domain.Identity {
	return domain.Identity{ParticipantID: e.ParticipantID, Name: e.Name, IsBot: e.IsBot}
}

func opponentOf(e matchmaking.Entry) arenadto.Opponent {
	return arenadto.Opponent{ID: e.ParticipantID, Name: e.Name, IsBot: e.IsBot, Rating: e.Rating}
}

package hub

import (
	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/game"
	"github.com/park285/chess-arena/pkg/arenadto"
)

// remoteSeat is a participant reached through hub connections: humans and
// API-key bots alike.
type remoteSeat struct {
	hub *Hub
	id  domain.Identity
}

func (r *remoteSeat) ParticipantID() string { return r.id.ParticipantID }
func (r *remoteSeat) IsBot() bool           { return r.id.IsBot }
func (r *remoteSeat) Remote() bool          { return true }

func (r *remoteSeat) Notify(st game.State) {
	frame := stateFrame(st)
	if c, ok := st.ColorOf(r.id.ParticipantID); ok {
		frame.YourColor = c.String()
	}
	r.hub.sendParticipant(r.id.ParticipantID, func(*Client) any { return frame })
}

// StateChanged fans a snapshot out to spectators. Players are reached through
// their seats.
func (h *Hub) StateChanged(st game.State) {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.spectators[st.SessionID]))
	for c := range h.spectators[st.SessionID] {
		targets = append(targets, c)
	}
	if st.Finished() {
		for c := range h.spectators[st.SessionID] {
			delete(c.subs, st.SessionID)
		}
		delete(h.spectators, st.SessionID)
		for _, pid := range []string{st.White, st.Black} {
			h.stopGraceLocked(graceKey{pid, st.SessionID})
		}
	}
	h.mu.Unlock()

	frame := stateFrame(st)
	for _, c := range targets {
		h.send(c, frame)
	}
}

func (h *Hub) ChatPosted(msg game.Chat) {
	frame := arenadto.Chat{
		Type:      arenadto.TypeChat,
		SessionID: msg.SessionID,
		From:      msg.From,
		Text:      msg.Text,
		At:        msg.At,
	}
	h.mu.RLock()
	targets := make([]*Client, 0, 4)
	for _, pid := range msg.Players {
		for c := range h.byParticipant[pid] {
			targets = append(targets, c)
		}
	}
	for c := range h.spectators[msg.SessionID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.send(c, frame)
	}
}

func (h *Hub) sendState(c *Client, st game.State) {
	frame := stateFrame(st)
	if color, ok := st.ColorOf(c.id.ParticipantID); ok {
		frame.YourColor = color.String()
	}
	h.send(c, frame)
}

func (h *Hub) subscribe(c *Client, s *game.Session) {
	h.mu.Lock()
	sid := s.ID()
	if h.spectators[sid] == nil {
		h.spectators[sid] = make(map[*Client]struct{})
	}
	h.spectators[sid][c] = struct{}{}
	c.subs[sid] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(c *Client, sid string) {
	h.mu.Lock()
	h.unsubscribeLocked(c, sid)
	h.mu.Unlock()
}

func (h *Hub) unsubscribeLocked(c *Client, sid string) {
	delete(c.subs, sid)
	if set := h.spectators[sid]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.spectators, sid)
		}
	}
}

func stateFrame(st game.State) arenadto.State {
	return arenadto.State{
		Type:        arenadto.TypeState,
		SessionID:   st.SessionID,
		Seq:         st.Seq,
		Ranked:      st.Ranked,
		White:       st.White,
		Black:       st.Black,
		TimeControl: st.TimeControl,
		Board:       st.FEN,
		ToMove:      st.ToMove.String(),
		Clocks: arenadto.Clocks{
			WhiteMs: st.Clocks.WhiteMs,
			BlackMs: st.Clocks.BlackMs,
			Running: st.Clocks.Running,
			Active:  st.Clocks.Active.String(),
		},
		HistoryTail:  st.HistoryTail,
		MoveCount:    st.MoveCount,
		InCheck:      st.InCheck,
		CanClaimDraw: st.CanClaim,
		DrawOffer:    st.DrawOffer,
		Connected:    st.Connected,
		Status:       string(st.Status),
		Reason:       string(st.Reason),
		Result:       string(st.Result),
	}
}

// StateDTO converts a snapshot for HTTP readers.
func StateDTO(st game.State) arenadto.State { return stateFrame(st) }

var (
	_ game.Seat     = (*remoteSeat)(nil)
	_ game.Observer = (*Hub)(nil)
)

// Package arenadto defines the JSON frames exchanged over the arena
// websocket. Every frame carries a "type" discriminator.
package arenadto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client to server.
const (
	TypeMove        = "move"
	TypeChat        = "chat"
	TypeDrawOffer   = "draw_offer"
	TypeDrawAccept  = "draw_accept"
	TypeResign      = "resign"
	TypeEnqueue     = "enqueue"
	TypeCancelQueue = "cancel_queue"
	TypeQueueStatus = "queue_status"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeAssist      = "assist"
	TypeLobbyChat   = "lobby_chat"
)

// Server to client. queue_status, chat, assist and lobby_chat are shared
// with the client direction.
const (
	TypeHello   = "hello"
	TypeState   = "state"
	TypeError   = "error"
	TypeMatched = "matched"
)

// ClientFrame is every inbound message; fields unused by a type are empty.
type ClientFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Promotion string `json:"promotion,omitempty"`

	Text string `json:"text,omitempty"`

	Mode     string `json:"mode,omitempty"`
	VsSystem bool   `json:"vs_system,omitempty"`
}

// UCI joins From, To and Promotion into long algebraic notation.
func (f ClientFrame) UCI() string { return f.From + f.To + f.Promotion }

type Hello struct {
	Type          string   `json:"type"`
	ParticipantID string   `json:"participant_id"`
	Name          string   `json:"name"`
	IsBot         bool     `json:"is_bot"`
	Sessions      []string `json:"sessions,omitempty"`
}

type Clocks struct {
	WhiteMs int64  `json:"white_ms"`
	BlackMs int64  `json:"black_ms"`
	Running bool   `json:"running"`
	Active  string `json:"active"`
}

type State struct {
	Type         string   `json:"type"`
	SessionID    string   `json:"session_id"`
	Seq          uint64   `json:"seq"`
	Ranked       bool     `json:"ranked"`
	White        string   `json:"white"`
	Black        string   `json:"black"`
	TimeControl  string   `json:"time_control"`
	Board        string   `json:"board"`
	ToMove       string   `json:"to_move"`
	Clocks       Clocks   `json:"clocks"`
	HistoryTail  []string `json:"history_tail"`
	MoveCount    int      `json:"move_count"`
	InCheck      bool     `json:"in_check"`
	CanClaimDraw bool     `json:"can_claim_draw,omitempty"`
	DrawOffer    string   `json:"draw_offer,omitempty"`
	Connected    [2]bool  `json:"connected"`
	Status       string   `json:"status"`
	Reason       string   `json:"reason,omitempty"`
	Result       string   `json:"result"`
	// YourColor is set on frames sent to a seated player.
	YourColor string `json:"your_color,omitempty"`
}

type Error struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type QueueStatus struct {
	Type            string `json:"type"`
	Queued          bool   `json:"queued"`
	Mode            string `json:"mode,omitempty"`
	Position        int    `json:"position"`
	EstimatedWaitMs int64  `json:"estimated_wait"`
	Waiting         int    `json:"waiting"`
}

type Opponent struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	IsBot  bool    `json:"is_bot"`
	Rating float64 `json:"rating,omitempty"`
}

type Matched struct {
	Type        string   `json:"type"`
	SessionID   string   `json:"session_id"`
	Color       string   `json:"color"`
	Ranked      bool     `json:"ranked"`
	TimeControl string   `json:"time_control"`
	Opponent    Opponent `json:"opponent"`
}

type Chat struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

type Assist struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	Move      string       `json:"move"`
	Lines     []AssistLine `json:"lines,omitempty"`
}

// AssistLine is one engine line, best first. Mate scores are reported as
// +/-30000 centipawns.
type AssistLine struct {
	Move   string   `json:"move"`
	EvalCP int      `json:"eval_cp"`
	PV     []string `json:"pv"`
}

type LobbyChat struct {
	Type     string    `json:"type"`
	ID       int64     `json:"id"`
	From     string    `json:"from"`
	FromName string    `json:"from_name"`
	IsBot    bool      `json:"is_bot"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

// DecodeServer parses a server frame into its concrete type.
func DecodeServer(raw []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	var v any
	switch head.Type {
	case TypeHello:
		v = &Hello{}
	case TypeState:
		v = &State{}
	case TypeError:
		v = &Error{}
	case TypeQueueStatus:
		v = &QueueStatus{}
	case TypeMatched:
		v = &Matched{}
	case TypeChat:
		v = &Chat{}
	case TypeAssist:
		v = &Assist{}
	case TypeLobbyChat:
		v = &LobbyChat{}
	default:
		return nil, fmt.Errorf("unknown frame type %q", head.Type)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", head.Type, err)
	}
	return v, nil
}

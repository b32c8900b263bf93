package game

import (
	"errors"
	"time"

	"github.com/park285/chess-arena/internal/board"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStaleSession    = errors.New("session already finished")
	ErrNotYourTurn     = errors.New("not your turn")
	ErrNotParticipant  = errors.New("not a participant of this session")
	ErrNotActive       = errors.New("session not active")
	ErrNoDrawOffer     = errors.New("no pending draw offer from the opponent")
)

type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonCheckmate            Reason = "checkmate"
	ReasonStalemate            Reason = "stalemate"
	ReasonResignation          Reason = "resignation"
	ReasonTimeout              Reason = "timeout"
	ReasonDrawAgreement        Reason = "draw_agreement"
	ReasonThreefold            Reason = "threefold_repetition"
	ReasonFiftyMove            Reason = "fifty_move"
	ReasonInsufficientMaterial Reason = "insufficient_material"
	ReasonAbandonment          Reason = "abandonment"
)

type Result string

const (
	ResultWhiteWin  Result = "1-0"
	ResultBlackWin  Result = "0-1"
	ResultDraw      Result = "1/2-1/2"
	ResultUndecided Result = "*"
)

func winFor(c board.Color) Result {
	if c == board.White {
		return ResultWhiteWin
	}
	return ResultBlackWin
}

// RepetitionPolicy decides what a threefold repetition does.
type RepetitionPolicy string

const (
	// RepetitionAuto ends the game as soon as a position occurs three times.
	RepetitionAuto RepetitionPolicy = "auto"
	// RepetitionClaim lets either player claim the draw with a draw offer.
	RepetitionClaim RepetitionPolicy = "claim"
)

type Clocks struct {
	WhiteMs int64       `json:"white_ms"`
	BlackMs int64       `json:"black_ms"`
	Running bool        `json:"running"`
	Active  board.Color `json:"active"`
}

// State is an immutable snapshot published after every change.
type State struct {
	SessionID   string      `json:"session_id"`
	Seq         uint64      `json:"seq"`
	Ranked      bool        `json:"ranked"`
	White       string      `json:"white"`
	Black       string      `json:"black"`
	TimeControl string      `json:"time_control"`
	FEN         string      `json:"fen"`
	ToMove      board.Color `json:"to_move"`
	Clocks      Clocks      `json:"clocks"`
	HistoryTail []string    `json:"history_tail"`
	MoveCount   int         `json:"move_count"`
	InCheck     bool        `json:"in_check"`
	CanClaim    bool        `json:"can_claim_draw,omitempty"`
	DrawOffer   string      `json:"draw_offer,omitempty"`
	Connected   [2]bool     `json:"connected"`
	Status      Status      `json:"status"`
	Reason      Reason      `json:"reason,omitempty"`
	Result      Result      `json:"result"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ColorOf returns the seat colour of participantID.
func (s State) ColorOf(participantID string) (board.Color, bool) {
	switch participantID {
	case s.White:
		return board.White, true
	case s.Black:
		return board.Black, true
	}
	return board.White, false
}

func (s State) Finished() bool { return s.Status == StatusFinished }

// Chat is a message relayed to everyone watching a session.
type Chat struct {
	SessionID string
	From      string
	Text      string
	At        time.Time
	Players   [2]string
}

// Seat is the capability a session needs from whoever occupies a colour.
// Notify is called from the session goroutine and must not block.
type Seat interface {
	ParticipantID() string
	IsBot() bool
	// Remote seats are bound through live connections; local seats are
	// always present.
	Remote() bool
	Notify(State)
}

// Observer receives every state change and chat line. Implementations must
// not block.
type Observer interface {
	StateChanged(State)
	ChatPosted(Chat)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State) {}
func (nopObserver) ChatPosted(Chat)    {}

// Observers fans every call out to each member in order.
type Observers []Observer

func (o Observers) StateChanged(st State) {
	for _, x := range o {
		x.StateChanged(st)
	}
}

func (o Observers) ChatPosted(c Chat) {
	for _, x := range o {
		x.ChatPosted(c)
	}
}

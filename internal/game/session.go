// Package game runs live chess sessions. Each Session owns its board and
// clock and processes every event on a single goroutine, so no two events of
// one session ever touch that state concurrently.
package game

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/board"
	"github.com/park285/chess-arena/internal/clock"
	"github.com/park285/chess-arena/internal/domain"
)

const (
	defaultHistoryTail = 10
	eventBuffer        = 64
	maxChatLen         = 500
)

// Finisher receives the archived record of a session exactly once. It is
// called on the session goroutine and must not block.
type Finisher interface {
	SessionFinished(domain.GameRecord)
}

type FinisherFunc func(domain.GameRecord)

func (f FinisherFunc) SessionFinished(r domain.GameRecord) { f(r) }

type Config struct {
	ID                  string
	Ranked              bool
	White               Seat
	Black               Seat
	TimeControl         clock.TimeControl
	StartFEN            string
	Repetition          RepetitionPolicy
	AutoResignOnAbandon bool
	HistoryTail         int
	Now                 func() time.Time
	Observer            Observer
	Finisher            Finisher
	Logger              *zap.Logger
}

type event struct {
	fn    func(now time.Time) error
	reply chan error
}

type Session struct {
	id     string
	cfg    Config
	log    *zap.Logger
	events chan event
	done   chan struct{}
	last   atomic.Pointer[State]

	// Owned by the run goroutine.
	board          board.Board
	startFEN       string
	keys           []board.Key
	moves          []string
	clk            *clock.Clock
	seats          [2]Seat
	connected      [2]bool
	pendingAbandon [2]bool
	drawOffer      *board.Color
	status         Status
	reason         Reason
	result         Result
	seq            uint64
	startedAt      time.Time
	endedAt        time.Time
	timer          *time.Timer
}

// New validates cfg and prepares a session in the waiting state. Run must be
// called to start processing events.
func New(cfg Config) (*Session, error) {
	if cfg.ID == "" {
		return nil, errors.New("session id is required")
	}
	if cfg.White == nil || cfg.Black == nil {
		return nil, errors.New("both seats are required")
	}
	if cfg.White.ParticipantID() == cfg.Black.ParticipantID() {
		return nil, errors.New("a participant cannot play both colours")
	}
	if cfg.TimeControl.Initial <= 0 {
		cfg.TimeControl = clock.Default
	}
	if cfg.Repetition == "" {
		cfg.Repetition = RepetitionAuto
	}
	if cfg.HistoryTail <= 0 {
		cfg.HistoryTail = defaultHistoryTail
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	b := board.Start()
	startFEN := board.StartFEN
	if cfg.StartFEN != "" {
		var err error
		if b, err = board.ParseFEN(cfg.StartFEN); err != nil {
			return nil, fmt.Errorf("start position: %w", err)
		}
		startFEN = b.FEN()
	}

	s := &Session{
		id:       cfg.ID,
		cfg:      cfg,
		log:      cfg.Logger.With(zap.String("session_id", cfg.ID)),
		events:   make(chan event, eventBuffer),
		done:     make(chan struct{}),
		board:    b,
		startFEN: startFEN,
		keys:     []board.Key{b.Key()},
		clk:      clock.New(cfg.TimeControl),
		seats:    [2]Seat{cfg.White, cfg.Black},
		status:   StatusWaiting,
		result:   ResultUndecided,
	}
	for c, seat := range s.seats {
		s.connected[c] = !seat.Remote()
	}
	st := s.snapshot(cfg.Now())
	s.last.Store(&st)
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Ranked() bool { return s.cfg.Ranked }

// State returns the most recently published snapshot without queueing.
func (s *Session) State() State { return *s.last.Load() }

// Done is closed once the session has finished and stopped its loop.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run processes events until the session finishes or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	s.timer = time.NewTimer(time.Hour)
	s.timer.Stop()
	defer s.shutdown()

	now := s.cfg.Now()
	s.publish(now)
	s.maybeActivate(now)

	for s.status != StatusFinished {
		select {
		case <-ctx.Done():
			s.log.Info("session_interrupted", zap.Int("moves", len(s.moves)))
			return
		case <-s.timer.C:
			s.checkFlag(s.cfg.Now())
		case ev := <-s.events:
			now := s.cfg.Now()
			s.checkFlag(now)
			var err error
			if s.status == StatusFinished {
				err = ErrNotActive
			} else {
				err = ev.fn(now)
			}
			ev.reply <- err
		}
	}
}

func (s *Session) shutdown() {
	s.timer.Stop()
	close(s.done)
	for {
		select {
		case ev := <-s.events:
			ev.reply <- ErrStaleSession
		default:
			return
		}
	}
}

// do queues fn on the session goroutine and waits for its result.
func (s *Session) do(ctx context.Context, fn func(now time.Time) error) error {
	ev := event{fn: fn, reply: make(chan error, 1)}
	select {
	case s.events <- ev:
	case <-s.done:
		return ErrStaleSession
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.reply:
		return err
	case <-s.done:
		select {
		case err := <-ev.reply:
			return err
		default:
			return ErrStaleSession
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) colorOf(participantID string) (board.Color, error) {
	for c, seat := range s.seats {
		if seat.ParticipantID() == participantID {
			return board.Color(c), nil
		}
	}
	return board.White, ErrNotParticipant
}

// SubmitMove plays m for participantID. Rejected moves leave the session
// unchanged.
func (s *Session) SubmitMove(ctx context.Context, participantID string, m board.Move) error {
	return s.do(ctx, func(now time.Time) error {
		if s.status != StatusActive {
			return ErrNotActive
		}
		color, err := s.colorOf(participantID)
		if err != nil {
			return err
		}
		if color != s.board.Turn() {
			return ErrNotYourTurn
		}
		next, err := s.board.Apply(m)
		if err != nil {
			return err
		}
		if err := s.clk.ApplyMove(color, now); err != nil {
			if errors.Is(err, clock.ErrExpired) {
				s.checkFlag(now)
				return ErrNotActive
			}
			return err
		}
		s.board = next
		s.moves = append(s.moves, m.String())
		s.keys = append(s.keys, next.Key())
		s.drawOffer = nil

		if s.evaluate(color, now) {
			return nil
		}
		turn := s.board.Turn()
		if s.pendingAbandon[turn] && !s.connected[turn] {
			s.finish(now, ReasonAbandonment, winFor(turn.Other()))
			return nil
		}
		s.armTimer(now)
		s.publish(now)
		return nil
	})
}

// evaluate applies the termination predicates in priority order after mover
// has moved and reports whether the session finished.
func (s *Session) evaluate(mover board.Color, now time.Time) bool {
	st := s.board.Status()
	switch {
	case st.Checkmate:
		s.finish(now, ReasonCheckmate, winFor(mover))
	case st.Stalemate:
		s.finish(now, ReasonStalemate, ResultDraw)
	case st.FiftyMoves:
		s.finish(now, ReasonFiftyMove, ResultDraw)
	case s.cfg.Repetition == RepetitionAuto && board.IsDrawByRepetition(s.keys):
		s.finish(now, ReasonThreefold, ResultDraw)
	case st.Insufficient:
		s.finish(now, ReasonInsufficientMaterial, ResultDraw)
	default:
		return false
	}
	return true
}

func (s *Session) Resign(ctx context.Context, participantID string) error {
	return s.do(ctx, func(now time.Time) error {
		if s.status != StatusActive {
			return ErrNotActive
		}
		color, err := s.colorOf(participantID)
		if err != nil {
			return err
		}
		s.finish(now, ReasonResignation, winFor(color.Other()))
		return nil
	})
}

// OfferDraw records a draw offer from participantID. An offer answering the
// opponent's pending offer is an agreement. Under the claim policy an offer in
// a threefold-repeated position ends the game at once.
func (s *Session) OfferDraw(ctx context.Context, participantID string) error {
	return s.do(ctx, func(now time.Time) error {
		if s.status != StatusActive {
			return ErrNotActive
		}
		color, err := s.colorOf(participantID)
		if err != nil {
			return err
		}
		if s.cfg.Repetition == RepetitionClaim && board.IsDrawByRepetition(s.keys) {
			s.finish(now, ReasonThreefold, ResultDraw)
			return nil
		}
		if s.drawOffer != nil && *s.drawOffer != color {
			s.finish(now, ReasonDrawAgreement, ResultDraw)
			return nil
		}
		s.drawOffer = &color
		s.publish(now)
		return nil
	})
}

// AcceptDraw accepts the opponent's pending offer.
func (s *Session) AcceptDraw(ctx context.Context, participantID string) error {
	return s.do(ctx, func(now time.Time) error {
		if s.status != StatusActive {
			return ErrNotActive
		}
		color, err := s.colorOf(participantID)
		if err != nil {
			return err
		}
		if s.drawOffer == nil || *s.drawOffer == color {
			return ErrNoDrawOffer
		}
		s.finish(now, ReasonDrawAgreement, ResultDraw)
		return nil
	})
}

// Chat relays text from a seated participant to everyone watching.
func (s *Session) Chat(ctx context.Context, participantID, text string) error {
	return s.do(ctx, func(now time.Time) error {
		if _, err := s.colorOf(participantID); err != nil {
			return err
		}
		if r := []rune(text); len(r) > maxChatLen {
			text = string(r[:maxChatLen])
		}
		s.cfg.Observer.ChatPosted(Chat{
			SessionID: s.id,
			From:      participantID,
			Text:      text,
			At:        now,
			Players:   [2]string{s.seats[board.White].ParticipantID(), s.seats[board.Black].ParticipantID()},
		})
		return nil
	})
}

// SetConnected records whether participantID has a live connection. The game
// starts once both seats are bound; a reconnect clears a deferred abandonment.
func (s *Session) SetConnected(ctx context.Context, participantID string, connected bool) error {
	return s.do(ctx, func(now time.Time) error {
		color, err := s.colorOf(participantID)
		if err != nil {
			return err
		}
		if s.connected[color] == connected {
			return nil
		}
		s.connected[color] = connected
		if connected {
			s.pendingAbandon[color] = false
		}
		if !s.maybeActivate(now) {
			s.publish(now)
		}
		return nil
	})
}

// Abandon is called when participantID's reconnect grace expired. Before the
// game starts it aborts the session unrated. During play the absent player
// loses if it is their move, otherwise the loss is deferred until the turn
// comes back to them.
func (s *Session) Abandon(ctx context.Context, participantID string) error {
	return s.do(ctx, func(now time.Time) error {
		color, err := s.colorOf(participantID)
		if err != nil {
			return err
		}
		if s.connected[color] {
			return nil
		}
		switch s.status {
		case StatusWaiting:
			s.finish(now, ReasonAbandonment, ResultUndecided)
		case StatusActive:
			if !s.cfg.AutoResignOnAbandon {
				s.log.Info("abandon_ignored", zap.String("participant_id", participantID))
				return nil
			}
			if s.board.Turn() == color {
				s.finish(now, ReasonAbandonment, winFor(color.Other()))
				return nil
			}
			s.pendingAbandon[color] = true
			s.log.Info("abandon_deferred", zap.String("participant_id", participantID))
		}
		return nil
	})
}

// CheckExpiry forces a flag check at the session's current time.
func (s *Session) CheckExpiry(ctx context.Context) error {
	return s.do(ctx, func(time.Time) error { return nil })
}

// Snapshot returns the state as seen by the session goroutine, after any
// pending flag fall has been ruled.
func (s *Session) Snapshot(ctx context.Context) (State, error) {
	var st State
	err := s.do(ctx, func(now time.Time) error {
		st = s.snapshot(now)
		return nil
	})
	if errors.Is(err, ErrNotActive) || errors.Is(err, ErrStaleSession) {
		return s.State(), nil
	}
	return st, err
}

func (s *Session) maybeActivate(now time.Time) bool {
	if s.status != StatusWaiting || !s.connected[board.White] || !s.connected[board.Black] {
		return false
	}
	s.status = StatusActive
	s.startedAt = now
	s.clk.StartWith(s.board.Turn(), now)
	s.log.Info("session_started",
		zap.String("white", s.seats[board.White].ParticipantID()),
		zap.String("black", s.seats[board.Black].ParticipantID()),
		zap.Bool("ranked", s.cfg.Ranked),
		zap.String("time_control", s.cfg.TimeControl.String()))
	s.armTimer(now)
	s.publish(now)
	return true
}

func (s *Session) checkFlag(now time.Time) {
	if s.status != StatusActive || !s.clk.Running() {
		return
	}
	flagged := s.clk.Active()
	if !s.clk.IsExpired(flagged, now) {
		s.armTimer(now)
		return
	}
	winner := flagged.Other()
	if s.board.HasMatingMaterial(winner) {
		s.finish(now, ReasonTimeout, winFor(winner))
	} else {
		s.finish(now, ReasonTimeout, ResultDraw)
	}
}

func (s *Session) armTimer(now time.Time) {
	if s.timer == nil {
		return
	}
	if s.status != StatusActive || !s.clk.Running() {
		s.timer.Stop()
		return
	}
	s.timer.Reset(s.clk.Remaining(s.clk.Active(), now))
}

func (s *Session) finish(now time.Time, reason Reason, result Result) {
	if s.status == StatusFinished {
		return
	}
	s.clk.Stop(now)
	if s.timer != nil {
		s.timer.Stop()
	}
	s.status = StatusFinished
	s.reason = reason
	s.result = result
	s.drawOffer = nil
	s.endedAt = now
	s.publish(now)
	s.log.Info("session_finished",
		zap.String("reason", string(reason)),
		zap.String("result", string(result)),
		zap.Int("moves", len(s.moves)))
	if s.cfg.Finisher != nil {
		s.cfg.Finisher.SessionFinished(s.record())
	}
}

func (s *Session) record() domain.GameRecord {
	white, black := s.seats[board.White], s.seats[board.Black]
	return domain.GameRecord{
		ID:          s.id,
		Ranked:      s.cfg.Ranked,
		WhiteID:     white.ParticipantID(),
		BlackID:     black.ParticipantID(),
		WhiteBot:    white.IsBot(),
		BlackBot:    black.IsBot(),
		TimeControl: s.cfg.TimeControl.String(),
		Result:      string(s.result),
		Reason:      string(s.reason),
		MovesUCI:    append([]string(nil), s.moves...),
		StartFEN:    s.startFEN,
		FinalFEN:    s.board.FEN(),
		StartedAt:   s.startedAt,
		EndedAt:     s.endedAt,
	}
}

func (s *Session) snapshot(now time.Time) State {
	tail := s.moves
	if len(tail) > s.cfg.HistoryTail {
		tail = tail[len(tail)-s.cfg.HistoryTail:]
	}
	st := State{
		SessionID:   s.id,
		Seq:         s.seq,
		Ranked:      s.cfg.Ranked,
		White:       s.seats[board.White].ParticipantID(),
		Black:       s.seats[board.Black].ParticipantID(),
		TimeControl: s.cfg.TimeControl.String(),
		FEN:         s.board.FEN(),
		ToMove:      s.board.Turn(),
		Clocks: Clocks{
			WhiteMs: s.clk.Remaining(board.White, now).Milliseconds(),
			BlackMs: s.clk.Remaining(board.Black, now).Milliseconds(),
			Running: s.clk.Running(),
			Active:  s.clk.Active(),
		},
		HistoryTail: append([]string{}, tail...),
		MoveCount:   len(s.moves),
		InCheck:     s.board.InCheck(),
		Connected:   s.connected,
		Status:      s.status,
		Reason:      s.reason,
		Result:      s.result,
		UpdatedAt:   now,
	}
	if s.status == StatusActive && s.cfg.Repetition == RepetitionClaim {
		st.CanClaim = board.IsDrawByRepetition(s.keys)
	}
	if s.drawOffer != nil {
		st.DrawOffer = s.drawOffer.String()
	}
	return st
}

func (s *Session) publish(now time.Time) {
	s.seq++
	st := s.snapshot(now)
	s.last.Store(&st)
	for _, seat := range s.seats {
		seat.Notify(st)
	}
	s.cfg.Observer.StateChanged(st)
}

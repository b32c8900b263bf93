// Package clock keeps the two players' remaining time. It never reads the
// wall clock itself; callers pass the current time to every operation.
package clock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/park285/chess-arena/internal/board"
)

var (
	ErrNotRunning = errors.New("clock not running")
	ErrWrongSide  = errors.New("clock is running for the other side")
	ErrExpired    = errors.New("time expired")
)

type TimeControl struct {
	Initial   time.Duration
	Increment time.Duration
}

// Default is "10+0".
var Default = TimeControl{Initial: 10 * time.Minute}

// ParseTimeControl reads "minutes+seconds" such as "10+0" or "3+2".
// A bare number means minutes with no increment.
func ParseTimeControl(s string) (TimeControl, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Default, nil
	}
	minPart, incPart, hasInc := strings.Cut(s, "+")
	minutes, err := strconv.ParseFloat(strings.TrimSpace(minPart), 64)
	if err != nil || minutes <= 0 {
		return TimeControl{}, fmt.Errorf("invalid time control %q", s)
	}
	tc := TimeControl{Initial: time.Duration(minutes * float64(time.Minute))}
	if hasInc {
		secs, err := strconv.ParseFloat(strings.TrimSpace(incPart), 64)
		if err != nil || secs < 0 {
			return TimeControl{}, fmt.Errorf("invalid increment in %q", s)
		}
		tc.Increment = time.Duration(secs * float64(time.Second))
	}
	return tc, nil
}

func (tc TimeControl) String() string {
	return strconv.FormatFloat(tc.Initial.Minutes(), 'f', -1, 64) + "+" +
		strconv.FormatFloat(tc.Increment.Seconds(), 'f', -1, 64)
}

type Clock struct {
	tc        TimeControl
	remaining [2]time.Duration
	active    board.Color
	running   bool
	lastTick  time.Time
}

func New(tc TimeControl) *Clock {
	return &Clock{tc: tc, remaining: [2]time.Duration{tc.Initial, tc.Initial}}
}

func (c *Clock) TimeControl() TimeControl { return c.tc }

// Start runs white's clock from now. Starting a running clock is a no-op.
func (c *Clock) Start(now time.Time) { c.StartWith(board.White, now) }

// StartWith runs active's clock from now, for positions loaded with black to
// move.
func (c *Clock) StartWith(active board.Color, now time.Time) {
	if c.running {
		return
	}
	c.running = true
	c.active = active
	c.lastTick = now
}

// ApplyMove stops the mover's clock, credits the increment and starts the
// opponent's. A mover whose time already ran out gets ErrExpired and the
// clock is left untouched.
func (c *Clock) ApplyMove(color board.Color, now time.Time) error {
	if !c.running {
		return ErrNotRunning
	}
	if color != c.active {
		return ErrWrongSide
	}
	if c.Remaining(color, now) <= 0 {
		return ErrExpired
	}
	c.settle(now)
	c.remaining[color] += c.tc.Increment
	c.active = color.Other()
	return nil
}

func (c *Clock) Stop(now time.Time) {
	if !c.running {
		return
	}
	c.settle(now)
	c.running = false
}

func (c *Clock) settle(now time.Time) {
	if elapsed := now.Sub(c.lastTick); elapsed > 0 {
		c.remaining[c.active] -= elapsed
	}
	if c.remaining[c.active] < 0 {
		c.remaining[c.active] = 0
	}
	c.lastTick = now
}

// Remaining returns color's time left at now, never negative.
func (c *Clock) Remaining(color board.Color, now time.Time) time.Duration {
	r := c.remaining[color]
	if c.running && color == c.active {
		if elapsed := now.Sub(c.lastTick); elapsed > 0 {
			r -= elapsed
		}
	}
	if r < 0 {
		return 0
	}
	return r
}

func (c *Clock) IsExpired(color board.Color, now time.Time) bool {
	return c.Remaining(color, now) <= 0
}

func (c *Clock) Running() bool { return c.running }

// Active is the side whose clock is (or was last) running.
func (c *Clock) Active() board.Color { return c.active }

// Package arenaclient is a reconnecting websocket client for the arena
// server, used by bots and integration tooling.
package arenaclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/chess-arena/pkg/arenadto"
)

var ErrNotConnected = errors.New("not connected")

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "disconnected"
}

// FrameCallback receives decoded server frames (pointers to arenadto types).
type FrameCallback func(frame any)

type StateCallback func(state State)

type Option func(*Client)

// WithAPIKey authenticates as a bot through the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.header.Set("X-API-Key", key) }
}

func WithToken(token string) Option {
	return func(c *Client) { c.header.Set("Authorization", "Bearer "+token) }
}

// WithReconnect sets how many consecutive dials are tried after the
// connection drops. Zero disables reconnecting.
func WithReconnect(maxAttempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxReconnectAttempts = maxAttempts
		if baseDelay > 0 {
			c.reconnectDelay = baseDelay
		}
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

type Client struct {
	url    string
	header http.Header
	log    *zap.Logger

	connM sync.RWMutex
	conn  *websocket.Conn

	state  State
	stateM sync.RWMutex

	frameCbs []FrameCallback
	stateCbs []StateCallback
	cbM      sync.RWMutex

	maxReconnectAttempts int
	reconnectDelay       time.Duration
	pingInterval         time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func New(url string, opts ...Option) *Client {
	c := &Client{
		url:                  url,
		header:               http.Header{},
		log:                  zap.NewNop(),
		state:                StateDisconnected,
		maxReconnectAttempts: 5,
		reconnectDelay:       100 * time.Millisecond,
		pingInterval:         30 * time.Second,
		stopCh:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	return c
}

// Connect dials once and starts the read loop. Later drops are handled by
// reconnecting in the background.
func (c *Client) Connect(ctx context.Context) error {
	c.stateM.RLock()
	busy := c.state == StateConnected || c.state == StateConnecting || c.state == StateReconnecting
	c.stateM.RUnlock()
	if busy {
		return nil
	}

	c.setState(StateConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	c.wg.Add(1)
	go c.supervise(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.header.Clone(),
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, nil
}

// supervise serves conn until it drops, then redials with backoff until
// the attempts run out or Close is called.
func (c *Client) supervise(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		c.setConn(conn)
		c.setState(StateConnected)
		c.serve(conn)
		c.setConn(nil)
		if c.isStopping() {
			c.setState(StateDisconnected)
			return
		}

		conn = c.redial()
		if conn == nil {
			return
		}
	}
}

func (c *Client) redial() *websocket.Conn {
	if c.maxReconnectAttempts <= 0 {
		c.setState(StateDisconnected)
		return nil
	}
	c.setState(StateReconnecting)
	for attempt := 1; attempt <= c.maxReconnectAttempts; attempt++ {
		select {
		case <-c.stopCh:
			c.setState(StateDisconnected)
			return nil
		case <-time.After(backoffDuration(c.reconnectDelay, attempt)):
		}
		conn, err := c.dial(c.rootCtx)
		if err != nil {
			c.log.Debug("arena_redial_failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return conn
	}
	c.setState(StateFailed)
	return nil
}

// serve runs the read loop with a ping loop beside it and returns once
// either gives up.
func (c *Client) serve(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(c.rootCtx)
	defer cancel()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.pingLoop(ctx, conn, cancel)
	}()
	c.listen(ctx, conn)
	cancel()
	<-pingDone
	_ = conn.Close(websocket.StatusGoingAway, "reconnect")
}

func (c *Client) listen(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if !c.isStopping() {
				c.log.Info("arena_connection_lost", zap.Error(err))
			}
			return
		}
		frame, err := arenadto.DecodeServer(raw)
		if err != nil {
			c.log.Warn("arena_frame_skipped", zap.Error(err))
			continue
		}

		c.cbM.RLock()
		callbacks := make([]FrameCallback, len(c.frameCbs))
		copy(callbacks, c.frameCbs)
		c.cbM.RUnlock()
		for _, cb := range callbacks {
			cb(frame)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, drop context.CancelFunc) {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				c.log.Info("arena_ping_failed", zap.Error(err))
				drop()
				return
			}
		}
	}
}

// Send writes one frame on the current connection.
func (c *Client) Send(ctx context.Context, f arenadto.ClientFrame) error {
	c.connM.RLock()
	conn := c.conn
	c.connM.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(wctx, conn, f)
}

func (c *Client) Enqueue(ctx context.Context, mode string, vsSystem bool) error {
	return c.Send(ctx, arenadto.ClientFrame{Type: arenadto.TypeEnqueue, Mode: mode, VsSystem: vsSystem})
}

// Move submits a move in UCI notation, e.g. "e7e8q".
func (c *Client) Move(ctx context.Context, sessionID, uci string) error {
	uci = strings.ToLower(strings.TrimSpace(uci))
	if len(uci) < 4 || len(uci) > 5 {
		return fmt.Errorf("invalid uci move %q", uci)
	}
	f := arenadto.ClientFrame{Type: arenadto.TypeMove, SessionID: sessionID, From: uci[:2], To: uci[2:4]}
	if len(uci) == 5 {
		f.Promotion = uci[4:]
	}
	return c.Send(ctx, f)
}

func (c *Client) Resign(ctx context.Context, sessionID string) error {
	return c.Send(ctx, arenadto.ClientFrame{Type: arenadto.TypeResign, SessionID: sessionID})
}

func (c *Client) OnFrame(cb FrameCallback) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.frameCbs = append(c.frameCbs, cb)
}

func (c *Client) OnStateChange(cb StateCallback) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.stateCbs = append(c.stateCbs, cb)
}

func (c *Client) State() State {
	c.stateM.RLock()
	defer c.stateM.RUnlock()
	return c.state
}

func (c *Client) setState(state State) {
	c.stateM.Lock()
	c.state = state
	c.stateM.Unlock()

	c.cbM.RLock()
	callbacks := make([]StateCallback, len(c.stateCbs))
	copy(callbacks, c.stateCbs)
	c.cbM.RUnlock()
	for _, cb := range callbacks {
		cb(state)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connM.Lock()
	c.conn = conn
	c.connM.Unlock()
}

// Close stops reconnecting, closes the socket and waits for the loops.
func (c *Client) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.connM.RLock()
	conn := c.conn
	c.connM.RUnlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		c.rootCancel()
		return nil
	}
}

func (c *Client) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func backoffDuration(base time.Duration, attempt int) time.Duration {
	attempt = min(max(attempt, 1), 6)
	return time.Duration(1<<uint(attempt-1)) * base
}

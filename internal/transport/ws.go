package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/chess-arena/internal/auth"
	"github.com/park285/chess-arena/pkg/arenadto"
)

const (
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 16 << 10
	sendBuffer   = 64
)

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.deps.Auth.Authenticate(r)
	if err != nil {
		if !errors.Is(err, auth.ErrNoCredentials) {
			s.log.Info("ws_auth_rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		}
		s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.originPatterns(),
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		s.log.Warn("ws_accept_failed", zap.String("participant_id", id.ParticipantID), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	wc := newWSConn(conn)
	go wc.writeLoop(ctx, s.log.With(zap.String("participant_id", id.ParticipantID)))

	client := s.deps.Hub.Attach(id, wc)
	defer s.deps.Hub.Detach(client)

	for {
		// Read raw bytes so a malformed frame is answered instead of
		// closing the socket, which wsjson.Read would do.
		typ, raw, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				s.log.Debug("ws_read_ended", zap.String("participant_id", id.ParticipantID), zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			s.deps.Hub.Reject(client, errors.New("binary frames are not supported"))
			continue
		}
		var f arenadto.ClientFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.deps.Hub.Reject(client, err)
			continue
		}
		s.deps.Hub.Handle(client, f)
	}
}

func (s *Server) originPatterns() []string {
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" {
			return []string{"*"}
		}
	}
	return s.cfg.CORSOrigins
}

// wsConn implements hub.Conn. Frames are queued on out and written by a
// single goroutine; a full queue reports failure instead of blocking.
type wsConn struct {
	conn *websocket.Conn
	out  chan any
	done chan struct{}

	once   sync.Once
	mu     sync.Mutex
	reason string
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn: conn,
		out:  make(chan any, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) Send(frame any) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *wsConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *wsConn) writeLoop(ctx context.Context, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			c.drain(ctx, log)
			_ = c.conn.Close(websocket.StatusGoingAway, c.closeReason())
			return
		case frame := <-c.out:
			if err := c.write(ctx, frame); err != nil {
				log.Debug("ws_write_failed", zap.Error(err))
				_ = c.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Debug("ws_ping_failed", zap.Error(err))
				_ = c.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// drain flushes what is already queued so the client sees the frames that
// preceded the close.
func (c *wsConn) drain(ctx context.Context, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	for {
		select {
		case frame := <-c.out:
			if err := c.write(ctx, frame); err != nil {
				log.Debug("ws_write_failed", zap.Error(err))
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(ctx context.Context, frame any) error {
	wctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return wsjson.Write(wctx, c.conn, frame)
}

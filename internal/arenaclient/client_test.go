package arenaclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/chess-arena/pkg/arenadto"
)

// echoServer greets each connection with a hello and answers every frame
// with an error frame carrying the frame's type as code. Connections after
// the first survive; the first is dropped after its hello when dropFirst is
// set.
func echoServer(t *testing.T, dropFirst bool) (*httptest.Server, *atomic.Int32, *sync.Map) {
	t.Helper()
	var conns atomic.Int32
	var keys sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		keys.Store(n, r.Header.Get("X-API-Key"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "")
		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, arenadto.Hello{Type: arenadto.TypeHello, ParticipantID: "bot-1"})
		if dropFirst && n == 1 {
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		for {
			var f arenadto.ClientFrame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				return
			}
			_ = wsjson.Write(ctx, conn, arenadto.Error{Type: arenadto.TypeError, RequestID: f.RequestID, SessionID: f.SessionID, Code: f.Type + ":" + f.From + f.To + f.Promotion})
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns, &keys
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect(c *Client) <-chan any {
	ch := make(chan any, 32)
	c.OnFrame(func(f any) {
		select {
		case ch <- f:
		default:
		}
	})
	return ch
}

func await[T any](t *testing.T, ch <-chan any) *T {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f := <-ch:
			if v, ok := f.(*T); ok {
				return v
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %T", new(T))
			return nil
		}
	}
}

func closeClient(t *testing.T, c *Client) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
}

func TestConnectSendAndReceive(t *testing.T) {
	srv, _, keys := echoServer(t, false)
	c := New(wsURL(srv), WithAPIKey("k-123"))
	frames := collect(c)
	closeClient(t, c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h := await[arenadto.Hello](t, frames); h.ParticipantID != "bot-1" {
		t.Fatalf("hello = %+v", h)
	}
	if k, _ := keys.Load(int32(1)); k != "k-123" {
		t.Fatalf("api key header = %v", k)
	}

	if err := c.Move(context.Background(), "g1", "E7E8Q"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if e := await[arenadto.Error](t, frames); e.Code != "move:e7e8q" || e.SessionID != "g1" {
		t.Fatalf("echo = %+v", e)
	}
	if err := c.Move(context.Background(), "g1", "e2"); err == nil {
		t.Fatalf("short move accepted")
	}
}

func TestReconnectsAfterDrop(t *testing.T) {
	srv, conns, _ := echoServer(t, true)
	c := New(wsURL(srv), WithReconnect(5, 10*time.Millisecond))
	frames := collect(c)
	closeClient(t, c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	await[arenadto.Hello](t, frames)
	await[arenadto.Hello](t, frames)
	if n := conns.Load(); n < 2 {
		t.Fatalf("connections = %d", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s", c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Enqueue(context.Background(), "free", false); err != nil {
		t.Fatalf("Enqueue after reconnect: %v", err)
	}
	if e := await[arenadto.Error](t, frames); e.Code != "enqueue:" {
		t.Fatalf("echo = %+v", e)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	c := New("ws://127.0.0.1:1/ws", WithReconnect(0, 0))
	if err := c.Resign(context.Background(), "g1"); err != ErrNotConnected {
		t.Fatalf("Resign = %v", err)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("Connect to closed port succeeded")
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s", c.State())
	}
}

func TestBackoffDuration(t *testing.T) {
	base := 100 * time.Millisecond
	if got := backoffDuration(base, 1); got != base {
		t.Fatalf("attempt 1 = %v", got)
	}
	if got := backoffDuration(base, 3); got != 4*base {
		t.Fatalf("attempt 3 = %v", got)
	}
	if backoffDuration(base, 20) != backoffDuration(base, 6) {
		t.Fatalf("backoff not capped")
	}
}

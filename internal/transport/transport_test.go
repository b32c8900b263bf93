package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/chess-arena/internal/auth"
	"github.com/park285/chess-arena/internal/clock"
	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/game"
	"github.com/park285/chess-arena/internal/hub"
	"github.com/park285/chess-arena/internal/livecache"
	"github.com/park285/chess-arena/internal/matchmaking"
	"github.com/park285/chess-arena/internal/store"
	"github.com/park285/chess-arena/pkg/arenadto"
)

const testSecret = "test-secret"

type fixture struct {
	hub *hub.Hub
	mem *store.Memory
	srv *httptest.Server
}

func newFixture(t *testing.T, live LiveReader) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := hub.New(ctx, hub.Config{TimeControl: clock.TimeControl{Initial: 5 * time.Minute}}, hub.Deps{
		Matchmaking: matchmaking.Config{CoinFlip: func() bool { return true }},
	})
	tokens, err := auth.NewTokenVerifier(testSecret, "")
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}
	mem := store.NewMemory()
	deps := Deps{Hub: h, Auth: &auth.Authenticator{Tokens: tokens}, Games: mem}
	if live != nil {
		deps.Live = live
	}
	srv := httptest.NewServer(New(Config{}, deps).Handler())
	t.Cleanup(func() {
		h.Close()
		srv.Close()
		cancel()
		h.Registry().Wait()
	})
	return &fixture{hub: h, mem: mem, srv: srv}
}

func token(t *testing.T, sub string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Name: strings.ToUpper(sub),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func dial(t *testing.T, f *fixture, sub string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token(t, sub)}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// next reads frames until one of type T arrives.
func next[T any](t *testing.T, conn *websocket.Conn) *T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		v, err := arenadto.DecodeServer(raw)
		if err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		if got, ok := v.(*T); ok {
			return got
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, f arenadto.ClientFrame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, f); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestWebsocketRequiresCredentials(t *testing.T) {
	f := newFixture(t, nil)
	var body map[string]string
	if code := getJSON(t, f.srv.URL+"/ws", &body); code != http.StatusUnauthorized {
		t.Fatalf("status = %d", code)
	}
	if body["code"] != "unauthorized" {
		t.Fatalf("body = %v", body)
	}
}

func TestBadFrameKeepsConnection(t *testing.T) {
	f := newFixture(t, nil)
	conn := dial(t, f, "alice")
	if hello := next[arenadto.Hello](t, conn); hello.ParticipantID != "alice" || hello.Name != "ALICE" {
		t.Fatalf("hello = %+v", hello)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if e := next[arenadto.Error](t, conn); e.Code != "bad_frame" {
		t.Fatalf("error = %+v", e)
	}

	send(t, conn, arenadto.ClientFrame{Type: arenadto.TypeQueueStatus})
	if qs := next[arenadto.QueueStatus](t, conn); qs.Queued {
		t.Fatalf("queue status = %+v", qs)
	}
}

func TestPlayOverWebsocket(t *testing.T) {
	f := newFixture(t, nil)
	alice := dial(t, f, "alice")
	bob := dial(t, f, "bob")
	next[arenadto.Hello](t, alice)
	next[arenadto.Hello](t, bob)

	send(t, alice, arenadto.ClientFrame{Type: arenadto.TypeEnqueue, Mode: "free"})
	next[arenadto.QueueStatus](t, alice)
	send(t, bob, arenadto.ClientFrame{Type: arenadto.TypeEnqueue, Mode: "free"})
	next[arenadto.QueueStatus](t, bob)
	if n := f.hub.Queue().Match(context.Background()); n != 1 {
		t.Fatalf("Match = %d", n)
	}

	m := next[arenadto.Matched](t, alice)
	if m.Color != "white" {
		t.Fatalf("matched = %+v", m)
	}
	send(t, alice, arenadto.ClientFrame{Type: arenadto.TypeMove, SessionID: m.SessionID, From: "e2", To: "e4"})
	for {
		st := next[arenadto.State](t, bob)
		if st.MoveCount == 1 {
			if st.ToMove != "black" || st.YourColor != "black" {
				t.Fatalf("state = %+v", st)
			}
			break
		}
	}

	var live arenadto.State
	if code := getJSON(t, f.srv.URL+"/games/"+m.SessionID, &live); code != http.StatusOK || live.MoveCount != 1 {
		t.Fatalf("GET live game = %d %+v", code, live)
	}
}

func TestGetGameFallsBackToArchive(t *testing.T) {
	f := newFixture(t, nil)
	rec := domain.GameRecord{
		ID: "old", WhiteID: "a", BlackID: "b", TimeControl: "5+0",
		Result: "1/2-1/2", Reason: "agreement", MovesUCI: []string{"e2e4", "e7e5"},
		StartedAt: time.Unix(1_700_000_000, 0), EndedAt: time.Unix(1_700_000_600, 0),
	}
	if err := f.mem.SaveFinishedGame(context.Background(), rec); err != nil {
		t.Fatalf("SaveFinishedGame: %v", err)
	}

	var got GameDTO
	if code := getJSON(t, f.srv.URL+"/games/old", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.Result != "1/2-1/2" || got.Status != "finished" || got.PGN == "" || got.Opening == nil {
		t.Fatalf("archived = %+v", got)
	}

	var recent struct {
		Games []GameDTO `json:"games"`
	}
	if code := getJSON(t, f.srv.URL+"/participants/b/games", &recent); code != http.StatusOK || len(recent.Games) != 1 {
		t.Fatalf("recent = %d %+v", code, recent)
	}

	var missing map[string]string
	if code := getJSON(t, f.srv.URL+"/games/nope", &missing); code != http.StatusNotFound || missing["code"] != "session_not_found" {
		t.Fatalf("missing = %d %v", code, missing)
	}
}

func TestGetGameFromLiveCache(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := livecache.New(rdb)
	st := game.State{SessionID: "elsewhere", Seq: 7, White: "x", Black: "y", Status: game.StatusActive, FEN: "8/8/8/8/8/8/8/K6k w - - 0 1"}
	if err := cache.Put(context.Background(), st); err != nil {
		t.Fatalf("Put: %v", err)
	}

	f := newFixture(t, cache)
	var got arenadto.State
	if code := getJSON(t, f.srv.URL+"/games/elsewhere", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.SessionID != "elsewhere" || got.Seq != 7 || got.White != "x" {
		t.Fatalf("state = %+v", got)
	}

	var live struct {
		Sessions []string `json:"sessions"`
	}
	if code := getJSON(t, f.srv.URL+"/participants/y/live", &live); code != http.StatusOK || len(live.Sessions) != 1 || live.Sessions[0] != "elsewhere" {
		t.Fatalf("live = %d %+v", code, live)
	}
	var health map[string]any
	if getJSON(t, f.srv.URL+"/healthz", &health); health["live_sessions"] != float64(1) {
		t.Fatalf("healthz = %v", health)
	}
}

func TestLobbyAndStats(t *testing.T) {
	f := newFixture(t, nil)
	for _, text := range []string{"hi", "anyone up for a game?"} {
		if _, err := f.hub.Lobby().Post("alice", "Alice", false, text); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}

	var lobbyResp struct {
		Messages []struct {
			ID   int64  `json:"id"`
			Text string `json:"text"`
		} `json:"messages"`
	}
	if code := getJSON(t, f.srv.URL+"/lobby/messages?since=1", &lobbyResp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(lobbyResp.Messages) != 1 || lobbyResp.Messages[0].Text != "anyone up for a game?" {
		t.Fatalf("messages = %+v", lobbyResp.Messages)
	}

	if err := f.hub.Queue().Enqueue(matchmaking.Entry{ParticipantID: "carol", Mode: domain.ModeRanked, Rating: 1500}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	var stats map[string]ModeStats
	if code := getJSON(t, f.srv.URL+"/matchmaking/stats", &stats); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if stats["ranked"].Waiting != 1 || stats["free"].Waiting != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	var health map[string]any
	if code := getJSON(t, f.srv.URL+"/healthz", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("healthz = %d %v", code, health)
	}
}

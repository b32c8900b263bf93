// Package hub binds client connections to game sessions and the queue. It
// routes inbound frames, fans state out to players and spectators, and runs
// the reconnect grace timers.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/clock"
	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/game"
	"github.com/park285/chess-arena/internal/lobby"
	"github.com/park285/chess-arena/internal/matchmaking"
	"github.com/park285/chess-arena/internal/msgcat"
	"github.com/park285/chess-arena/pkg/arenadto"
)

const opTimeout = 5 * time.Second

var ErrArenaFull = errors.New("arena full")

// Conn is the outbound half of a client connection. Send must not block;
// it reports false when the client cannot keep up.
type Conn interface {
	Send(frame any) bool
	Close(reason string)
}

type Ratings interface {
	Lookup(ctx context.Context, participantID string) (domain.RatingRecord, error)
}

type Config struct {
	ReconnectGrace time.Duration
	TimeControl    clock.TimeControl
	MaxSessions    int
	SystemID       string
	SystemName     string
	EngineTimeout  time.Duration
	Logger         *zap.Logger
}

// Deps are the collaborators the hub wires together. Game supplies session
// policy; its Observer is chained after the hub's own.
type Deps struct {
	Game        game.Config
	Matchmaking matchmaking.Config
	Finisher    game.Finisher
	Ratings     Ratings
	Assistant   game.Assistant
	Lobby       *lobby.Lobby
	Messages    *msgcat.Catalog
}

type Client struct {
	id   domain.Identity
	conn Conn
	subs map[string]struct{}
}

func (c *Client) Identity() domain.Identity { return c.id }

type Hub struct {
	ctx      context.Context
	cfg      Config
	log      *zap.Logger
	registry *game.Registry
	queue    *matchmaking.Queue
	ratings  Ratings
	assist   game.Assistant
	lobby    *lobby.Lobby
	msgs     *msgcat.Catalog

	mu            sync.RWMutex
	clients       map[*Client]struct{}
	byParticipant map[string]map[*Client]struct{}
	spectators    map[string]map[*Client]struct{}
	grace         map[graceKey]*time.Timer
	presence      map[string]*presence
}

// presence orders the seat rebinds of one participant so a detach that
// loses a race with a reconnect cannot unbind the new connection.
type presence struct {
	mu   sync.Mutex
	refs int
}

type graceKey struct {
	participant string
	session     string
}

// New builds the hub with its registry and queue. Sessions live until ctx
// ends; the caller runs Queue().Run.
func New(ctx context.Context, cfg Config, deps Deps) *Hub {
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = 60 * time.Second
	}
	if cfg.TimeControl.Initial <= 0 {
		cfg.TimeControl = clock.TimeControl{Initial: 10 * time.Minute}
	}
	if cfg.SystemID == "" {
		cfg.SystemID = "system"
	}
	if cfg.SystemName == "" {
		cfg.SystemName = "Arena"
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if deps.Lobby == nil {
		deps.Lobby = lobby.New(lobby.DefaultCapacity, nil)
	}
	if deps.Messages == nil {
		deps.Messages = msgcat.MustDefault()
	}
	h := &Hub{
		ctx:           ctx,
		cfg:           cfg,
		log:           cfg.Logger,
		ratings:       deps.Ratings,
		assist:        deps.Assistant,
		lobby:         deps.Lobby,
		msgs:          deps.Messages,
		clients:       make(map[*Client]struct{}),
		byParticipant: make(map[string]map[*Client]struct{}),
		spectators:    make(map[string]map[*Client]struct{}),
		grace:         make(map[graceKey]*time.Timer),
		presence:      make(map[string]*presence),
	}

	gcfg := deps.Game
	if gcfg.Observer != nil {
		gcfg.Observer = game.Observers{h, gcfg.Observer}
	} else {
		gcfg.Observer = h
	}
	if gcfg.Logger == nil {
		gcfg.Logger = cfg.Logger
	}
	gcfg.TimeControl = cfg.TimeControl
	h.registry = game.NewRegistry(ctx, gcfg, deps.Finisher)

	mcfg := deps.Matchmaking
	if mcfg.Logger == nil {
		mcfg.Logger = cfg.Logger
	}
	h.queue = matchmaking.New(mcfg, h)
	return h
}

func (h *Hub) Registry() *game.Registry  { return h.registry }
func (h *Hub) Queue() *matchmaking.Queue { return h.queue }
func (h *Hub) Lobby() *lobby.Lobby       { return h.lobby }
func (h *Hub) Messages() *msgcat.Catalog { return h.msgs }

// Attach registers a freshly authenticated connection. Live seats of the
// participant are rebound and any pending grace timer is cancelled.
func (h *Hub) Attach(id domain.Identity, conn Conn) *Client {
	c := &Client{id: id, conn: conn, subs: make(map[string]struct{})}
	pid := id.ParticipantID

	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.byParticipant[pid] == nil {
		h.byParticipant[pid] = make(map[*Client]struct{})
	}
	h.byParticipant[pid][c] = struct{}{}
	sessions := h.registry.ForParticipant(pid)
	for _, s := range sessions {
		h.stopGraceLocked(graceKey{pid, s.ID()})
	}
	h.mu.Unlock()

	unlock := h.lockPresence(pid)
	defer unlock()
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID())
	}
	c.conn.Send(arenadto.Hello{
		Type:          arenadto.TypeHello,
		ParticipantID: pid,
		Name:          id.Name,
		IsBot:         id.IsBot,
		Sessions:      ids,
	})

	for _, s := range sessions {
		ctx, cancel := context.WithTimeout(h.ctx, opTimeout)
		if err := s.SetConnected(ctx, pid, true); err != nil && !isGone(err) {
			h.log.Warn("rebind_failed", zap.String("participant_id", pid), zap.String("session_id", s.ID()), zap.Error(err))
		}
		st, err := s.Snapshot(ctx)
		cancel()
		if err == nil {
			h.sendState(c, st)
		}
	}
	h.log.Info("client_attached", zap.String("participant_id", pid), zap.Bool("bot", id.IsBot), zap.Int("sessions", len(sessions)))
	return c
}

// Detach forgets c. When it was the participant's last connection, the
// participant leaves the queue and every live seat gets a grace timer.
func (h *Hub) Detach(c *Client) {
	pid := c.id.ParticipantID

	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for sid := range c.subs {
		h.unsubscribeLocked(c, sid)
	}
	delete(h.byParticipant[pid], c)
	last := len(h.byParticipant[pid]) == 0
	if last {
		delete(h.byParticipant, pid)
	}
	h.mu.Unlock()

	if !last {
		return
	}
	unlock := h.lockPresence(pid)
	defer unlock()
	if h.online(pid) {
		// A reconnect won the race and has rebound, or will rebind, the seats.
		return
	}
	h.queue.Cancel(pid)
	for _, s := range h.registry.ForParticipant(pid) {
		ctx, cancel := context.WithTimeout(h.ctx, opTimeout)
		err := s.SetConnected(ctx, pid, false)
		cancel()
		if err != nil && !isGone(err) {
			h.log.Warn("unbind_failed", zap.String("participant_id", pid), zap.String("session_id", s.ID()), zap.Error(err))
		}
		h.startGrace(pid, s)
	}
	h.log.Info("client_detached", zap.String("participant_id", pid))
}

func (h *Hub) lockPresence(pid string) (unlock func()) {
	h.mu.Lock()
	p := h.presence[pid]
	if p == nil {
		p = &presence{}
		h.presence[pid] = p
	}
	p.refs++
	h.mu.Unlock()

	p.mu.Lock()
	return func() {
		p.mu.Unlock()
		h.mu.Lock()
		if p.refs--; p.refs == 0 {
			delete(h.presence, pid)
		}
		h.mu.Unlock()
	}
}

func (h *Hub) online(pid string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byParticipant[pid]) > 0
}

func (h *Hub) startGrace(pid string, s *game.Session) {
	key := graceKey{pid, s.ID()}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.byParticipant[pid]) > 0 {
		return
	}
	h.stopGraceLocked(key)
	h.grace[key] = time.AfterFunc(h.cfg.ReconnectGrace, func() { h.expireGrace(key, s) })
}

func (h *Hub) stopGraceLocked(key graceKey) {
	if t, ok := h.grace[key]; ok {
		t.Stop()
		delete(h.grace, key)
	}
}

func (h *Hub) expireGrace(key graceKey, s *game.Session) {
	h.mu.Lock()
	if _, ok := h.grace[key]; !ok || len(h.byParticipant[key.participant]) > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.grace, key)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(h.ctx, opTimeout)
	defer cancel()
	if err := s.Abandon(ctx, key.participant); err != nil && !isGone(err) {
		h.log.Warn("abandon_failed", zap.String("participant_id", key.participant), zap.String("session_id", key.session), zap.Error(err))
		return
	}
	h.log.Info("grace_expired", zap.String("participant_id", key.participant), zap.String("session_id", key.session))
}

// Close stops grace timers and closes every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	for k, t := range h.grace {
		t.Stop()
		delete(h.grace, k)
	}
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.conn.Close("server shutting down")
	}
}

// send drops a client that cannot keep up instead of blocking the caller,
// which is usually a session goroutine.
func (h *Hub) send(c *Client, frame any) {
	if c.conn.Send(frame) {
		return
	}
	h.log.Warn("client_too_slow", zap.String("participant_id", c.id.ParticipantID))
	c.conn.Close("too slow")
}

func (h *Hub) sendParticipant(pid string, frame func(*Client) any) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.byParticipant[pid]))
	for c := range h.byParticipant[pid] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.send(c, frame(c))
	}
}

func (h *Hub) broadcast(frame any) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.send(c, frame)
	}
}

func isGone(err error) bool {
	return errors.Is(err, game.ErrNotActive) || errors.Is(err, game.ErrStaleSession)
}

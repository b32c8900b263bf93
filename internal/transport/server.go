// Package transport exposes the hub over a websocket endpoint and a small
// read-only HTTP API.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/board"
	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/game"
	"github.com/park285/chess-arena/internal/hub"
	"github.com/park285/chess-arena/internal/openingbook"
	"github.com/park285/chess-arena/internal/store"
)

type Authenticator interface {
	Authenticate(r *http.Request) (domain.Identity, error)
}

// LiveReader serves snapshots of sessions owned by other processes.
type LiveReader interface {
	Get(ctx context.Context, id string) (game.State, bool, error)
	SessionsOf(ctx context.Context, participantID string) ([]string, error)
	LiveCount(ctx context.Context) (int64, error)
}

type Config struct {
	CORSOrigins []string
	Logger      *zap.Logger
}

// Deps wires the server. Live, Games and Ratings are optional; pass a nil
// interface, not a typed nil pointer, to leave one out.
type Deps struct {
	Hub     *hub.Hub
	Auth    Authenticator
	Live    LiveReader
	Games   store.GameReader
	Ratings hub.Ratings
}

type Server struct {
	cfg  Config
	log  *zap.Logger
	deps Deps
}

func New(cfg Config, deps Deps) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	return &Server{cfg: cfg, log: cfg.Logger, deps: deps}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.healthz)
	r.Get("/ws", s.serveWS)
	r.Get("/games/{id}", s.getGame)
	r.Get("/participants/{id}/games", s.recentGames)
	r.Get("/participants/{id}/live", s.liveSessions)
	r.Get("/participants/{id}/rating", s.rating)
	r.Get("/lobby/messages", s.lobbyMessages)
	r.Get("/matchmaking/stats", s.matchmakingStats)
	return r
}

// accessLog is the zap counterpart of middleware.Logger.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status":   "ok",
		"sessions": s.deps.Hub.Registry().Len(),
	}
	if s.deps.Live != nil {
		if n, err := s.deps.Live.LiveCount(r.Context()); err == nil {
			out["live_sessions"] = n
		} else {
			s.log.Warn("livecache_count_failed", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// liveSessions lists the unfinished sessions a participant plays in, here
// and in any process mirroring into the live cache.
func (s *Server) liveSessions(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "id")
	seen := make(map[string]struct{})
	ids := []string{}
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, sess := range s.deps.Hub.Registry().ForParticipant(pid) {
		add(sess.ID())
	}
	if s.deps.Live != nil {
		remote, err := s.deps.Live.SessionsOf(r.Context(), pid)
		if err != nil {
			s.log.Warn("livecache_index_failed", zap.String("participant_id", pid), zap.Error(err))
		}
		for _, id := range remote {
			add(id)
		}
	}
	slices.Sort(ids)
	writeJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}

func (s *Server) getGame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	if sess, err := s.deps.Hub.Registry().Get(id); err == nil {
		st, err := sess.Snapshot(ctx)
		if err != nil {
			st = sess.State()
		}
		writeJSON(w, http.StatusOK, hub.StateDTO(st))
		return
	}
	if s.deps.Live != nil {
		st, ok, err := s.deps.Live.Get(ctx, id)
		if err != nil {
			s.log.Warn("livecache_get_failed", zap.String("session_id", id), zap.Error(err))
		} else if ok && !st.Finished() {
			writeJSON(w, http.StatusOK, hub.StateDTO(st))
			return
		}
	}
	if s.deps.Games != nil {
		rec, err := s.deps.Games.GetGame(ctx, id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, archivedGame(rec))
			return
		case !errors.Is(err, store.ErrNotFound):
			s.log.Warn("game_lookup_failed", zap.String("session_id", id), zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "internal", nil)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "session_not_found", map[string]any{"session_id": id})
}

func (s *Server) recentGames(w http.ResponseWriter, r *http.Request) {
	if s.deps.Games == nil {
		s.writeError(w, http.StatusNotFound, "internal", nil)
		return
	}
	limit := queryInt(r, "limit", 20)
	recs, err := s.deps.Games.RecentGames(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.log.Warn("recent_games_failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "internal", nil)
		return
	}
	out := make([]GameDTO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, archivedGame(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"games": out})
}

func (s *Server) rating(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ratings == nil {
		s.writeError(w, http.StatusNotFound, "internal", nil)
		return
	}
	rec, err := s.deps.Ratings.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Warn("rating_lookup_failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "internal", nil)
		return
	}
	writeJSON(w, http.StatusOK, RatingDTO{
		ParticipantID: rec.ParticipantID,
		Rating:        rec.Rating,
		Deviation:     rec.Deviation,
		Volatility:    rec.Volatility,
		Wins:          rec.Wins,
		Losses:        rec.Losses,
		Draws:         rec.Draws,
	})
}

func (s *Server) lobbyMessages(w http.ResponseWriter, r *http.Request) {
	since := int64(queryInt(r, "since", 0))
	msgs := s.deps.Hub.Lobby().Since(since, queryInt(r, "limit", 50))
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) matchmakingStats(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Hub.Queue().Stats()
	out := make(map[domain.Mode]ModeStats, len(st.Waiting))
	for mode, n := range st.Waiting {
		out[mode] = ModeStats{Waiting: n, Matched: st.Matched[mode], AvgWaitMs: st.AvgWait[mode].Milliseconds()}
	}
	writeJSON(w, http.StatusOK, out)
}

type ModeStats struct {
	Waiting   int   `json:"waiting"`
	Matched   int64 `json:"matched"`
	AvgWaitMs int64 `json:"avg_wait_ms"`
}

type RatingDTO struct {
	ParticipantID string  `json:"participant_id"`
	Rating        float64 `json:"rating"`
	Deviation     float64 `json:"deviation"`
	Volatility    float64 `json:"volatility"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	Draws         int     `json:"draws"`
}

// GameDTO is the archived form of a finished game.
type GameDTO struct {
	SessionID   string    `json:"session_id"`
	Status      string    `json:"status"`
	Ranked      bool      `json:"ranked"`
	White       string    `json:"white"`
	Black       string    `json:"black"`
	TimeControl string    `json:"time_control"`
	Result      string    `json:"result"`
	Reason      string    `json:"reason"`
	Moves       []string  `json:"moves"`
	FinalFEN    string    `json:"final_fen"`
	PGN         string    `json:"pgn"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`

	Opening *openingbook.Opening `json:"opening,omitempty"`
}

func archivedGame(rec domain.GameRecord) GameDTO {
	dto := GameDTO{
		SessionID:   rec.ID,
		Status:      string(game.StatusFinished),
		Ranked:      rec.Ranked,
		White:       rec.WhiteID,
		Black:       rec.BlackID,
		TimeControl: rec.TimeControl,
		Result:      rec.Result,
		Reason:      rec.Reason,
		Moves:       rec.MovesUCI,
		FinalFEN:    rec.FinalFEN,
		PGN:         store.BuildPGN(rec),
		StartedAt:   rec.StartedAt,
		EndedAt:     rec.EndedAt,
	}
	if rec.StartFEN == "" || rec.StartFEN == board.StartFEN {
		if o, ok := openingbook.Classify(rec.MovesUCI); ok {
			dto.Opening = &o
		}
	}
	return dto
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string, data map[string]any) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": s.deps.Hub.Messages().Text("errors."+code, data),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

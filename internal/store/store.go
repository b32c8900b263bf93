// Package store persists ratings and finished games.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/park285/chess-arena/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrPersistenceUnavailable wraps the last error once retries ran out.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	// ErrHeld means a write could not be completed now and is kept in memory
	// for a later flush. The caller must not resubmit it.
	ErrHeld = errors.New("write held for retry")
)

// Store is the persistence contract of the arena core.
type Store interface {
	LoadRating(ctx context.Context, participantID string) (domain.RatingRecord, error)
	SaveRating(ctx context.Context, rec domain.RatingRecord) error
	SaveFinishedGame(ctx context.Context, rec domain.GameRecord) error
}

// GameReader is implemented by stores that can return archived games.
type GameReader interface {
	GetGame(ctx context.Context, id string) (domain.GameRecord, error)
	RecentGames(ctx context.Context, participantID string, limit int) ([]domain.GameRecord, error)
}

// Memory is an in-process store for development and tests.
type Memory struct {
	mu      sync.RWMutex
	ratings map[string]domain.RatingRecord
	games   map[string]domain.GameRecord
	byUser  map[string][]string
}

func NewMemory() *Memory {
	return &Memory{
		ratings: make(map[string]domain.RatingRecord),
		games:   make(map[string]domain.GameRecord),
		byUser:  make(map[string][]string),
	}
}

func (m *Memory) LoadRating(_ context.Context, participantID string) (domain.RatingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.ratings[participantID]
	if !ok {
		return domain.RatingRecord{}, ErrNotFound
	}
	return rec, nil
}

// SaveRating keeps the record with the highest period.
func (m *Memory) SaveRating(_ context.Context, rec domain.RatingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.ratings[rec.ParticipantID]; ok && cur.Period > rec.Period {
		return nil
	}
	m.ratings[rec.ParticipantID] = rec
	return nil
}

// SaveFinishedGame ignores a game id it already has.
func (m *Memory) SaveFinishedGame(_ context.Context, rec domain.GameRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.games[rec.ID]; exists {
		return nil
	}
	rec.MovesUCI = append([]string(nil), rec.MovesUCI...)
	m.games[rec.ID] = rec
	for _, pid := range []string{rec.WhiteID, rec.BlackID} {
		m.byUser[pid] = append(m.byUser[pid], rec.ID)
	}
	return nil
}

func (m *Memory) GetGame(_ context.Context, id string) (domain.GameRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[id]
	if !ok {
		return domain.GameRecord{}, ErrNotFound
	}
	return g, nil
}

func (m *Memory) RecentGames(_ context.Context, participantID string, limit int) ([]domain.GameRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byUser[participantID]
	out := make([]domain.GameRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.games[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

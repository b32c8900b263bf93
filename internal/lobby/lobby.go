// Package lobby keeps the recent lobby chat in memory.
package lobby

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	DefaultCapacity = 100
	MaxTextLen      = 500
	defaultLimit    = 50
)

var ErrEmptyMessage = errors.New("empty lobby message")

type Message struct {
	ID       int64     `json:"id"`
	From     string    `json:"from"`
	FromName string    `json:"from_name"`
	IsBot    bool      `json:"is_bot"`
	Text     string    `json:"text"`
	PostedAt time.Time `json:"posted_at"`
}

// Lobby is a fixed size ring of the latest messages. Ids increase by one per
// message and are never reused, so clients can poll with a since cursor.
type Lobby struct {
	now func() time.Time

	mu     sync.RWMutex
	ring   []Message
	start  int
	size   int
	nextID int64
}

func New(capacity int, now func() time.Time) *Lobby {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &Lobby{now: now, ring: make([]Message, capacity), nextID: 1}
}

// Post appends a message, truncating text to MaxTextLen runes.
func (l *Lobby) Post(from, name string, isBot bool, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxTextLen {
		text = string([]rune(text)[:MaxTextLen])
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	m := Message{ID: l.nextID, From: from, FromName: name, IsBot: isBot, Text: text, PostedAt: l.now().UTC()}
	l.nextID++

	idx := (l.start + l.size) % len(l.ring)
	l.ring[idx] = m
	if l.size < len(l.ring) {
		l.size++
	} else {
		l.start = (l.start + 1) % len(l.ring)
	}
	return m, nil
}

// Since returns up to limit of the newest messages with an id above since,
// oldest first.
func (l *Lobby) Since(since int64, limit int) []Message {
	if limit <= 0 {
		limit = defaultLimit
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Message, 0, min(limit, l.size))
	for i := 0; i < l.size; i++ {
		m := l.ring[(l.start+i)%len(l.ring)]
		if m.ID > since {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (l *Lobby) Recent(limit int) []Message { return l.Since(0, limit) }

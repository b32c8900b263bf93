package lobby

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRingKeepsNewest(t *testing.T) {
	l := New(3, nil)
	for i := 0; i < 5; i++ {
		if _, err := l.Post("p", "P", false, strings.Repeat("x", i+1)); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	got := l.Recent(10)
	if len(got) != 3 || got[0].ID != 3 || got[2].ID != 5 {
		t.Fatalf("recent = %+v", got)
	}
}

func TestSinceCursorAndLimit(t *testing.T) {
	l := New(0, func() time.Time { return time.Unix(10, 0) })
	for i := 0; i < 10; i++ {
		_, _ = l.Post("p", "P", false, "hi")
	}
	if got := l.Since(7, 0); len(got) != 3 || got[0].ID != 8 {
		t.Fatalf("since 7 = %+v", got)
	}
	if got := l.Since(0, 2); len(got) != 2 || got[1].ID != 10 {
		t.Fatalf("limit 2 = %+v", got)
	}
	if got := l.Since(10, 5); len(got) != 0 {
		t.Fatalf("nothing new expected, got %d", len(got))
	}
}

func TestPostValidation(t *testing.T) {
	l := New(10, nil)
	if _, err := l.Post("p", "P", false, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("blank: %v", err)
	}
	m, err := l.Post("bot", "B", true, strings.Repeat("é", 600))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if n := len([]rune(m.Text)); n != MaxTextLen || !m.IsBot {
		t.Fatalf("len = %d bot=%v", n, m.IsBot)
	}
}

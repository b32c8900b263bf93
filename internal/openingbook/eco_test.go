package openingbook

import (
	"strings"
	"testing"
)

func TestClassifyRuyLopez(t *testing.T) {
	o, ok := Classify([]string{"e2e4", "e7e5", "g1f3", "b8c6", "f1b5"})
	if !ok {
		t.Fatalf("Ruy Lopez not recognised")
	}
	if !strings.HasPrefix(o.Code, "C") || !strings.Contains(o.Title, "Ruy Lopez") {
		t.Fatalf("opening = %+v", o)
	}
}

func TestClassifyStopsAtBadMove(t *testing.T) {
	full, ok := Classify([]string{"e2e4", "e7e5", "g1f3", "b8c6", "f1b5"})
	if !ok {
		t.Fatalf("Ruy Lopez not recognised")
	}
	cut, ok := Classify([]string{"e2e4", "e7e5", "g1f3", "b8c6", "f1b5", "a1a8", "a7a6"})
	if !ok || cut != full {
		t.Fatalf("replay past an illegal move: %+v vs %+v", cut, full)
	}
}

func TestClassifyNothingPlayed(t *testing.T) {
	if _, ok := Classify(nil); ok {
		t.Fatalf("empty game classified")
	}
	if _, ok := Classify([]string{"e2e5"}); ok {
		t.Fatalf("illegal first move classified")
	}
}

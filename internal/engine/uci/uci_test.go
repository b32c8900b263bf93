package uci

import (
	"reflect"
	"testing"
	"time"
)

func TestBuildPositionCommand(t *testing.T) {
	if got := buildPositionCommand(""); got != "position startpos\n" {
		t.Fatalf("startpos: %q", got)
	}
	got := buildPositionCommand("8/8/8/8/8/8/8/K6k w - - 0 1")
	want := "position fen 8/8/8/8/8/8/8/K6k w - - 0 1\n"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestBuildGoTokens(t *testing.T) {
	got, err := buildGoTokens(Limits{MoveTimeMillis: 300})
	if err != nil {
		t.Fatalf("buildGoTokens: %v", err)
	}
	if want := []string{"go", "movetime", "300"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if _, err := buildGoTokens(Limits{}); err == nil {
		t.Fatalf("expected error without limits")
	}
}

func TestComputeSearchTimeout(t *testing.T) {
	if got := computeSearchTimeout(Limits{MoveTimeMillis: 500}); got != 2500*time.Millisecond {
		t.Fatalf("movetime timeout = %v", got)
	}
}

func TestParseInfo(t *testing.T) {
	mpv, c, ok := parseInfo("info depth 12 multipv 2 score cp -34 nodes 1000 pv e7e5 g1f3 b8c6")
	if !ok || mpv != 2 || c.Move != "e7e5" || c.EvalCP != -34 || len(c.Principal) != 3 {
		t.Fatalf("parseInfo = %d %+v %v", mpv, c, ok)
	}
	_, c, ok = parseInfo("info depth 5 score mate -3 pv h7h8q")
	if !ok || c.EvalCP != -mateValue {
		t.Fatalf("mate score = %+v %v", c, ok)
	}
	if _, _, ok := parseInfo("info string NNUE evaluation enabled"); ok {
		t.Fatalf("info without pv should be skipped")
	}
}

func TestCollapseCandidatesOrdersByMultiPV(t *testing.T) {
	got := collapseCandidates(map[int]Candidate{2: {Move: "b"}, 1: {Move: "a"}})
	if len(got) != 2 || got[0].Move != "a" || got[1].Move != "b" {
		t.Fatalf("got %+v", got)
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.Threads != 1 || o.MultiPV != 1 || o.SkillLevel != 20 || o.HashMB != 16 {
		t.Fatalf("defaults = %+v", o)
	}
	if cmds := optionCommands(Options{Elo: 1400}.withDefaults()); len(cmds) != 6 {
		t.Fatalf("elo limit commands missing: %v", cmds)
	}
	if err := validateOptions(Options{SkillLevel: 21}); err == nil {
		t.Fatalf("skill 21 should be rejected")
	}
}

func TestNewPoolRequiresBinary(t *testing.T) {
	if _, err := NewPool(PoolConfig{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := NewPool(PoolConfig{BinaryPath: "/nonexistent/stockfish"}); err == nil {
		t.Fatalf("expected error for missing binary")
	}
}

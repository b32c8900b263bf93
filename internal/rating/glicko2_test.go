package rating

import (
	"math"
	"testing"
)

func near(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

// Worked example from Glickman, "Example of the Glicko-2 system".
func TestUpdateMatchesPaperExample(t *testing.T) {
	pl := Player{Rating: 1500, Deviation: 200, Volatility: 0.06}
	got := DefaultParams.Update(pl, []Result{
		{Opponent: Player{Rating: 1400, Deviation: 30}, Score: 1},
		{Opponent: Player{Rating: 1550, Deviation: 100}, Score: 0},
		{Opponent: Player{Rating: 1700, Deviation: 300}, Score: 0},
	})
	if !near(got.Rating, 1464.06, 0.01) {
		t.Fatalf("rating = %.4f, want 1464.06", got.Rating)
	}
	if !near(got.Deviation, 151.52, 0.01) {
		t.Fatalf("deviation = %.4f, want 151.52", got.Deviation)
	}
	if !near(got.Volatility, 0.05999, 0.00001) {
		t.Fatalf("volatility = %.6f, want 0.05999", got.Volatility)
	}
}

func TestUpdateSingleGame(t *testing.T) {
	a := Player{Rating: 1500, Deviation: 200, Volatility: 0.06}
	b := Player{Rating: 1600, Deviation: 200, Volatility: 0.06}
	na := DefaultParams.Update(a, []Result{{Opponent: b, Score: 1}})
	nb := DefaultParams.Update(b, []Result{{Opponent: a, Score: 0}})
	if na.Rating <= a.Rating || nb.Rating >= b.Rating {
		t.Fatalf("winner %.2f -> %.2f, loser %.2f -> %.2f", a.Rating, na.Rating, b.Rating, nb.Rating)
	}
	if !near(na.Rating-a.Rating, b.Rating-nb.Rating, 1e-6) {
		t.Fatalf("equal deviations should give symmetric changes: %+v %+v", na, nb)
	}
	if na.Deviation >= a.Deviation || nb.Deviation >= b.Deviation {
		t.Fatalf("deviation should shrink after a game")
	}
}

func TestDrawBetweenEqualsKeepsRating(t *testing.T) {
	a := Player{Rating: 1500, Deviation: 350, Volatility: 0.06}
	got := DefaultParams.Update(a, []Result{{Opponent: a, Score: 0.5}})
	if !near(got.Rating, 1500, 1e-9) {
		t.Fatalf("rating = %v", got.Rating)
	}
}

func TestIdleGrowsDeviationUpToCap(t *testing.T) {
	pl := Player{Rating: 1500, Deviation: 50, Volatility: 0.06}
	idle := DefaultParams.Idle(pl)
	want := math.Sqrt(math.Pow(50/glickoScale, 2)+0.06*0.06) * glickoScale
	if !near(idle.Deviation, want, 1e-9) || idle.Rating != pl.Rating {
		t.Fatalf("idle = %+v, want deviation %v", idle, want)
	}
	if capped := DefaultParams.Idle(Player{Rating: 1500, Deviation: 349.9, Volatility: 0.06}); capped.Deviation != 350 {
		t.Fatalf("deviation not capped: %v", capped.Deviation)
	}
	if got := DefaultParams.Update(pl, nil); got != idle {
		t.Fatalf("Update without results should equal Idle")
	}
}

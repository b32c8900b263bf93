// Package rating implements Glicko-2 and the pipeline that applies it once
// per finished ranked game.
package rating

import "math"

// glickoScale converts between the Glicko and Glicko-2 scales.
const glickoScale = 173.7178

type Player struct {
	Rating     float64
	Deviation  float64
	Volatility float64
}

// Result is one game against an opponent. Score is 1 for a win, 0.5 for a
// draw and 0 for a loss.
type Result struct {
	Opponent Player
	Score    float64
}

type Params struct {
	// Tau constrains volatility change between periods.
	Tau          float64
	Epsilon      float64
	MaxDeviation float64
}

var DefaultParams = Params{Tau: 0.5, Epsilon: 1e-6, MaxDeviation: 350}

func (p Params) withDefaults() Params {
	if p.Tau <= 0 {
		p.Tau = DefaultParams.Tau
	}
	if p.Epsilon <= 0 {
		p.Epsilon = DefaultParams.Epsilon
	}
	if p.MaxDeviation <= 0 {
		p.MaxDeviation = DefaultParams.MaxDeviation
	}
	return p
}

func g(phi float64) float64 {
	return 1 / math.Sqrt(1+3*phi*phi/(math.Pi*math.Pi))
}

func expected(mu, muj, phij float64) float64 {
	return 1 / (1 + math.Exp(-g(phij)*(mu-muj)))
}

// Update returns pl after one rating period with the given results. With no
// results it is Idle.
func (p Params) Update(pl Player, results []Result) Player {
	p = p.withDefaults()
	if len(results) == 0 {
		return p.Idle(pl)
	}
	mu := (pl.Rating - 1500) / glickoScale
	phi := pl.Deviation / glickoScale

	var invV, sum float64
	for _, r := range results {
		muj := (r.Opponent.Rating - 1500) / glickoScale
		phij := r.Opponent.Deviation / glickoScale
		gj := g(phij)
		e := expected(mu, muj, phij)
		invV += gj * gj * e * (1 - e)
		sum += gj * (r.Score - e)
	}
	v := 1 / invV
	delta := v * sum

	sigma := p.volatility(phi, pl.Volatility, v, delta)

	phiStar := math.Sqrt(phi*phi + sigma*sigma)
	phiNew := 1 / math.Sqrt(1/(phiStar*phiStar)+1/v)
	muNew := mu + phiNew*phiNew*sum

	return Player{
		Rating:     muNew*glickoScale + 1500,
		Deviation:  math.Min(phiNew*glickoScale, p.MaxDeviation),
		Volatility: sigma,
	}
}

// volatility solves for the new sigma with the Illinois variant of regula
// falsi (step 5 of Glickman's paper).
func (p Params) volatility(phi, sigma, v, delta float64) float64 {
	a := math.Log(sigma * sigma)
	tau2 := p.Tau * p.Tau
	f := func(x float64) float64 {
		ex := math.Exp(x)
		d := phi*phi + v + ex
		return ex*(delta*delta-phi*phi-v-ex)/(2*d*d) - (x-a)/tau2
	}

	A := a
	var B float64
	if delta*delta > phi*phi+v {
		B = math.Log(delta*delta - phi*phi - v)
	} else {
		k := 1.0
		for f(a-k*p.Tau) < 0 {
			k++
		}
		B = a - k*p.Tau
	}
	fA, fB := f(A), f(B)
	for i := 0; math.Abs(B-A) > p.Epsilon && i < 100; i++ {
		C := A + (A-B)*fA/(fB-fA)
		fC := f(C)
		if fC*fB <= 0 {
			A, fA = B, fB
		} else {
			fA /= 2
		}
		B, fB = C, fC
	}
	return math.Exp(A / 2)
}

// Idle widens the deviation of a participant who played no game in a period.
func (p Params) Idle(pl Player) Player {
	p = p.withDefaults()
	phi := pl.Deviation / glickoScale
	phiStar := math.Sqrt(phi*phi + pl.Volatility*pl.Volatility)
	pl.Deviation = math.Min(phiStar*glickoScale, p.MaxDeviation)
	return pl
}

// Package openingbook names the opening a game followed, using the ECO
// table that ships with corentings/chess.
package openingbook

import (
	"sync"

	chesslib "github.com/corentings/chess/v2"
	"github.com/corentings/chess/v2/opening"
)

// maxPly bounds how far into a game the classifier replays. No ECO line is
// longer than this.
const maxPly = 40

var (
	ecoOnce sync.Once
	ecoBook *opening.BookECO
)

type Opening struct {
	Code  string `json:"eco"`
	Title string `json:"name"`
}

func book() *opening.BookECO {
	ecoOnce.Do(func() { ecoBook = opening.NewBookECO() })
	return ecoBook
}

// Classify returns the deepest ECO opening matching the UCI moves played
// from the standard start position. Replay stops at the first move the
// position does not accept.
func Classify(movesUCI []string) (Opening, bool) {
	if len(movesUCI) == 0 {
		return Opening{}, false
	}
	game := chesslib.NewGame()
	notation := chesslib.UCINotation{}
	for i, raw := range movesUCI {
		if i >= maxPly {
			break
		}
		mv, err := notation.Decode(game.Position(), raw)
		if err != nil {
			break
		}
		if err := game.Move(mv, nil); err != nil {
			break
		}
	}
	if len(game.Moves()) == 0 {
		return Opening{}, false
	}
	eco := book().Find(game.Moves())
	if eco == nil {
		return Opening{}, false
	}
	return Opening{Code: eco.Code(), Title: eco.Title()}, true
}

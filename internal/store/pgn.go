package store

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/chess-arena/internal/board"
	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/openingbook"
)

// SANMoves replays the UCI moves of rec and returns them in SAN.
func SANMoves(rec domain.GameRecord) ([]string, error) {
	var game *nchess.Game
	if rec.StartFEN == "" || rec.StartFEN == board.StartFEN {
		game = nchess.NewGame()
	} else {
		opt, err := nchess.FEN(rec.StartFEN)
		if err != nil {
			return nil, fmt.Errorf("start fen: %w", err)
		}
		game = nchess.NewGame(opt)
	}
	san := make([]string, 0, len(rec.MovesUCI))
	for i, uci := range rec.MovesUCI {
		pos := game.Position()
		mv, err := nchess.UCINotation{}.Decode(pos, uci)
		if err != nil {
			return nil, fmt.Errorf("move %d %q: %w", i+1, uci, err)
		}
		san = append(san, nchess.AlgebraicNotation{}.Encode(pos, mv))
		if err := game.Move(mv, nil); err != nil {
			return nil, fmt.Errorf("move %d %q: %w", i+1, uci, err)
		}
	}
	return san, nil
}

// BuildPGN renders rec as PGN. Moves that cannot be replayed are left out
// and the movetext stops there.
func BuildPGN(rec domain.GameRecord) string {
	san, _ := SANMoves(rec)
	var b strings.Builder
	date := rec.EndedAt
	b.WriteString("[Event \"Arena\"]\n")
	b.WriteString("[Site \"chess-arena\"]\n")
	if !date.IsZero() {
		b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	}
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(rec.WhiteID)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(rec.BlackID)))
	result := pgnResult(rec.Result)
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n", result))
	if rec.TimeControl != "" {
		b.WriteString(fmt.Sprintf("[TimeControl \"%s\"]\n", sanitizePGN(timeControlTag(rec.TimeControl))))
	}
	if rec.Reason != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(rec.Reason)))
	}
	standard := rec.StartFEN == "" || rec.StartFEN == board.StartFEN
	if o, ok := openingbook.Classify(rec.MovesUCI); ok && standard {
		b.WriteString(fmt.Sprintf("[ECO \"%s\"]\n", o.Code))
		b.WriteString(fmt.Sprintf("[Opening \"%s\"]\n", sanitizePGN(o.Title)))
	}
	if !standard {
		b.WriteString("[SetUp \"1\"]\n")
		b.WriteString(fmt.Sprintf("[FEN \"%s\"]\n", rec.StartFEN))
	}
	b.WriteString("\n")

	start, blackFirst := 1, false
	if bd, err := board.ParseFEN(rec.StartFEN); err == nil && rec.StartFEN != "" {
		start, blackFirst = bd.FullMoves(), bd.Turn() == board.Black
	}
	ply := 0
	if blackFirst && len(san) > 0 {
		b.WriteString(fmt.Sprintf("%d... %s ", start, san[0]))
		ply, start = 1, start+1
	}
	for n := start; ply < len(san); n++ {
		b.WriteString(fmt.Sprintf("%d. %s", n, san[ply]))
		if ply+1 < len(san) {
			b.WriteString(" ")
			b.WriteString(san[ply+1])
		}
		b.WriteString(" ")
		ply += 2
	}
	b.WriteString(result)
	return b.String()
}

func pgnResult(result string) string {
	switch strings.TrimSpace(result) {
	case "1-0", "0-1", "1/2-1/2":
		return result
	default:
		return "*"
	}
}

// timeControlTag converts "3+2" (minutes+seconds) to the PGN form "180+2".
func timeControlTag(tc string) string {
	mins, inc, ok := strings.Cut(tc, "+")
	var m float64
	if _, err := fmt.Sscanf(mins, "%g", &m); err != nil || !ok {
		return tc
	}
	return fmt.Sprintf("%d+%s", int(m*60), inc)
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}

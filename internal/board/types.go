package board

import (
	"fmt"
	"strings"

	chess "github.com/corentings/chess/v2"
)

type Color uint8

const (
	White Color = iota
	Black
)

func (c Color) Other() Color { return c ^ 1 }

func (c Color) String() string {
	if c == White {
		return "white"
	}
	return "black"
}

// ParseColor accepts "white", "black" and their first letters.
func ParseColor(s string) (Color, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white", "w":
		return White, nil
	case "black", "b":
		return Black, nil
	}
	return White, fmt.Errorf("unknown color %q", s)
}

func (c Color) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Color) UnmarshalText(b []byte) error {
	v, err := ParseColor(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func colorOf(c chess.Color) Color {
	if c == chess.Black {
		return Black
	}
	return White
}

type PieceType uint8

const (
	NoPieceType PieceType = iota
	Pawn
	Knight
	Bishop
	Rook
	Queen
	King
)

const pieceLetters = " pnbrqk"

var libPieceTypes = [...]chess.PieceType{
	NoPieceType: chess.NoPieceType,
	Pawn:        chess.Pawn,
	Knight:      chess.Knight,
	Bishop:      chess.Bishop,
	Rook:        chess.Rook,
	Queen:       chess.Queen,
	King:        chess.King,
}

func pieceTypeOf(pt chess.PieceType) PieceType {
	for ours, lib := range libPieceTypes {
		if lib == pt {
			return PieceType(ours)
		}
	}
	return NoPieceType
}

// Square indexes the board from a1 (0) to h8 (63), rank major, the same
// layout corentings/chess uses.
type Square int8

const NoSquare Square = -1

func NewSquare(file, rank int) Square { return Square(rank*8 + file) }

func (s Square) File() int   { return int(s) & 7 }
func (s Square) Rank() int   { return int(s) >> 3 }
func (s Square) Valid() bool { return s >= 0 && s < 64 }

func (s Square) String() string {
	if !s.Valid() {
		return "-"
	}
	return string([]byte{byte('a' + s.File()), byte('1' + s.Rank())})
}

func ParseSquare(s string) (Square, error) {
	if len(s) != 2 || s[0] < 'a' || s[0] > 'h' || s[1] < '1' || s[1] > '8' {
		return NoSquare, fmt.Errorf("invalid square %q", s)
	}
	return NewSquare(int(s[0]-'a'), int(s[1]-'1')), nil
}

// Move is a from/to pair with an optional promotion piece. Capture, castling,
// en-passant and double push are derived from the board it is played on.
type Move struct {
	From      Square
	To        Square
	Promotion PieceType
}

// String renders the move in UCI long algebraic notation.
func (m Move) String() string {
	s := m.From.String() + m.To.String()
	if m.Promotion != NoPieceType {
		s += string(pieceLetters[m.Promotion])
	}
	return s
}

func moveOf(lm *chess.Move) Move {
	return Move{From: Square(lm.S1()), To: Square(lm.S2()), Promotion: pieceTypeOf(lm.Promo())}
}

func (m Move) matches(lm *chess.Move) bool {
	return lm.S1() == chess.Square(m.From) && lm.S2() == chess.Square(m.To) && lm.Promo() == libPieceTypes[m.Promotion]
}

// ParseMove reads UCI notation such as "e2e4" or "e7e8n".
func ParseMove(s string) (Move, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 4 && len(s) != 5 {
		return Move{}, fmt.Errorf("invalid move %q", s)
	}
	from, err := ParseSquare(s[0:2])
	if err != nil {
		return Move{}, err
	}
	to, err := ParseSquare(s[2:4])
	if err != nil {
		return Move{}, err
	}
	m := Move{From: from, To: to}
	if len(s) == 5 {
		promo, err := ParsePromotion(s[4:])
		if err != nil {
			return Move{}, err
		}
		m.Promotion = promo
	}
	return m, nil
}

// ParsePromotion maps "q", "r", "b", "n" (or full names) to a piece type.
// The empty string means no promotion.
func ParsePromotion(s string) (PieceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return NoPieceType, nil
	case "q", "queen":
		return Queen, nil
	case "r", "rook":
		return Rook, nil
	case "b", "bishop":
		return Bishop, nil
	case "n", "knight":
		return Knight, nil
	}
	return NoPieceType, fmt.Errorf("invalid promotion piece %q", s)
}

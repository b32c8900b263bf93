// Package board implements the chess rules on top of corentings/chess:
// positions, legal moves, the game-ending predicates and the repetition key.
// A Board is a value; Apply returns a new one and never touches the receiver.
package board

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	chess "github.com/corentings/chess/v2"
)

const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Board wraps a library position. Legal moves, check and the repetition key
// are computed once when the board is built, so a Board can be read from any
// goroutine afterwards.
type Board struct {
	pos   *chess.Position
	legal []chess.Move
	check bool
	full  int
	key   Key
}

// Start returns the standard initial position.
func Start() Board {
	b, err := ParseFEN(StartFEN)
	if err != nil {
		panic(err)
	}
	return b
}

// The library reads FEN ranks through a package-level buffer.
var fenMu sync.Mutex

func decode(fen string) (*chess.Position, error) {
	fenMu.Lock()
	defer fenMu.Unlock()
	pos := &chess.Position{}
	if err := pos.UnmarshalText([]byte(fen)); err != nil {
		return nil, err
	}
	return pos, nil
}

// ParseFEN loads a position. Four-field FEN (no move counters) is accepted.
// Castling rights that the piece placement cannot support are dropped, as is
// an en-passant square with no pawn that could have just double pushed.
func ParseFEN(fen string) (Board, error) {
	fields := strings.Fields(fen)
	switch len(fields) {
	case 4:
		fields = append(fields, "0", "1")
	case 6:
	default:
		return Board{}, fmt.Errorf("fen: expected 6 fields, got %d", len(fields))
	}
	pos, err := decode(strings.Join(fields, " "))
	if err != nil {
		return Board{}, fmt.Errorf("fen: %w", err)
	}
	if err := checkPlacement(pos.Board()); err != nil {
		return Board{}, err
	}
	castling, ep := supportedCastling(pos), plausibleEnPassant(pos)
	if castling != fields[2] || ep != fields[3] {
		fields[2], fields[3] = castling, ep
		if pos, err = decode(strings.Join(fields, " ")); err != nil {
			return Board{}, fmt.Errorf("fen: %w", err)
		}
	}
	if attacked(pos) {
		return Board{}, errors.New("fen: side not to move is in check")
	}
	full, _ := strconv.Atoi(fields[5])
	return newBoard(pos, attacked(pos.Update(nil)), full), nil
}

func newBoard(pos *chess.Position, check bool, full int) Board {
	b := Board{pos: pos, legal: pos.ValidMoves(), check: check, full: full}
	b.key = b.hashKey()
	return b
}

func checkPlacement(bd *chess.Board) error {
	kings := map[chess.Color]int{}
	for sq, p := range bd.SquareMap() {
		switch {
		case p.Type() == chess.King:
			kings[p.Color()]++
		case p.Type() == chess.Pawn && (sq.Rank() == chess.Rank1 || sq.Rank() == chess.Rank8):
			return errors.New("fen: pawn on back rank")
		}
	}
	if kings[chess.White] != 1 || kings[chess.Black] != 1 {
		return errors.New("fen: each side needs exactly one king")
	}
	return nil
}

var castleHomes = []struct {
	letter string
	color  chess.Color
	side   chess.Side
	king   chess.Square
	rook   chess.Square
}{
	{"K", chess.White, chess.KingSide, chess.E1, chess.H1},
	{"Q", chess.White, chess.QueenSide, chess.E1, chess.A1},
	{"k", chess.Black, chess.KingSide, chess.E8, chess.H8},
	{"q", chess.Black, chess.QueenSide, chess.E8, chess.A8},
}

func supportedCastling(pos *chess.Position) string {
	bd := pos.Board()
	var sb strings.Builder
	for _, h := range castleHomes {
		if pos.CastleRights().CanCastle(h.color, h.side) &&
			bd.Piece(h.king) == chess.NewPiece(chess.King, h.color) &&
			bd.Piece(h.rook) == chess.NewPiece(chess.Rook, h.color) {
			sb.WriteString(h.letter)
		}
	}
	if sb.Len() == 0 {
		return "-"
	}
	return sb.String()
}

func plausibleEnPassant(pos *chess.Position) string {
	ep := pos.EnPassantSquare()
	if ep == chess.NoSquare {
		return "-"
	}
	wantRank, pushed := chess.Rank6, chess.NewSquare(ep.File(), chess.Rank5)
	if pos.Turn() == chess.Black {
		wantRank, pushed = chess.Rank3, chess.NewSquare(ep.File(), chess.Rank4)
	}
	bd := pos.Board()
	if ep.Rank() != wantRank ||
		bd.Piece(pushed) != chess.NewPiece(chess.Pawn, pos.Turn().Other()) ||
		bd.Piece(ep) != chess.NoPiece {
		return "-"
	}
	return ep.String()
}

// attacked reports whether the side not to move in pos is in check. It
// decodes a null move from an empty square onto itself: the board stays as
// it is and the library tags the move with Check when the other king is
// attacked.
func attacked(pos *chess.Position) bool {
	bd := pos.Board()
	for sq := chess.A1; sq <= chess.H8; sq++ {
		if bd.Piece(sq) != chess.NoPiece {
			continue
		}
		m, err := chess.UCINotation{}.Decode(pos, sq.String()+sq.String())
		return err == nil && m.HasTag(chess.Check)
	}
	return false
}

func (b *Board) Turn() Color { return colorOf(b.pos.Turn()) }

func (b *Board) HalfMoves() int { return b.pos.HalfMoveClock() }

func (b *Board) FullMoves() int { return b.full }

// FEN renders the position in Forsyth-Edwards notation.
func (b *Board) FEN() string { return b.pos.String() }

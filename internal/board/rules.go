package board

import (
	"errors"
	"fmt"
	"strings"

	chess "github.com/corentings/chess/v2"
)

var ErrIllegalMove = errors.New("illegal move")

type IllegalMoveError struct {
	Move   Move
	Reason string
}

func (e *IllegalMoveError) Error() string {
	return fmt.Sprintf("illegal move %s: %s", e.Move, e.Reason)
}

func (e *IllegalMoveError) Unwrap() error { return ErrIllegalMove }

// Apply plays m and returns the resulting position. b is not modified.
func (b *Board) Apply(m Move) (Board, error) {
	for i := range b.legal {
		if !m.matches(&b.legal[i]) {
			continue
		}
		lm := b.legal[i]
		full := b.full
		if b.pos.Turn() == chess.Black {
			full++
		}
		return newBoard(b.pos.Update(&lm), lm.HasTag(chess.Check), full), nil
	}
	return Board{}, &IllegalMoveError{Move: m, Reason: b.explain(m)}
}

// IsLegal reports whether m is among the legal moves.
func (b *Board) IsLegal(m Move) bool {
	for i := range b.legal {
		if m.matches(&b.legal[i]) {
			return true
		}
	}
	return false
}

func (b *Board) LegalMoves() []Move {
	out := make([]Move, len(b.legal))
	for i := range b.legal {
		out[i] = moveOf(&b.legal[i])
	}
	return out
}

func (b *Board) explain(m Move) string {
	if !m.From.Valid() || !m.To.Valid() {
		return "square out of range"
	}
	p := b.pos.Board().Piece(chess.Square(m.From))
	switch {
	case p == chess.NoPiece:
		return "no piece on " + m.From.String()
	case p.Color() != b.pos.Turn():
		return "piece belongs to the opponent"
	case p.Type() == chess.Pawn && (m.To.Rank() == 0 || m.To.Rank() == 7) && m.Promotion == NoPieceType:
		return "promotion piece required"
	}
	if dm, err := (chess.UCINotation{}).Decode(b.pos, m.String()); err == nil && attacked(dm.Position()) {
		return "king would be left in check"
	}
	return "not a legal move in this position"
}

func (b *Board) InCheck() bool { return b.check }

func (b *Board) IsCheckmate() bool { return b.check && len(b.legal) == 0 }

func (b *Board) IsStalemate() bool { return !b.check && len(b.legal) == 0 }

// IsDrawByFiftyMove reports a half-move clock of at least 100 plies.
func (b *Board) IsDrawByFiftyMove() bool { return b.pos.HalfMoveClock() >= 100 }

// IsDrawByRepetition reports whether any position key occurs three times.
func IsDrawByRepetition(history []Key) bool {
	counts := make(map[Key]int, len(history))
	for _, k := range history {
		counts[k]++
		if counts[k] >= 3 {
			return true
		}
	}
	return false
}

// InsufficientMaterial reports that neither side can ever deliver mate.
func (b *Board) InsufficientMaterial() bool {
	return !b.HasMatingMaterial(White) && !b.HasMatingMaterial(Black)
}

// HasMatingMaterial reports whether c could checkmate by some sequence of
// legal moves, given both sides' material.
func (b *Board) HasMatingMaterial(c Color) bool {
	var own, theirs [7]int
	var lightBishops, darkBishops, pawns, knights int
	for sq, p := range b.pos.Board().SquareMap() {
		pt := pieceTypeOf(p.Type())
		if colorOf(p.Color()) == c {
			own[pt]++
		} else {
			theirs[pt]++
		}
		switch pt {
		case Bishop:
			if (int(sq.File())+int(sq.Rank()))%2 == 1 {
				lightBishops++
			} else {
				darkBishops++
			}
		case Pawn:
			pawns++
		case Knight:
			knights++
		}
	}
	if own[Pawn]+own[Rook]+own[Queen] > 0 {
		return true
	}
	if own[Knight] > 0 {
		if own[Knight]+own[Bishop] > 1 {
			return true
		}
		// A lone knight mates only with enemy material to block its king.
		return theirs[Pawn]+theirs[Knight]+theirs[Bishop]+theirs[Rook] > 0
	}
	if own[Bishop] > 0 {
		sameColor := lightBishops == 0 || darkBishops == 0
		return !sameColor || pawns > 0 || knights > 0
	}
	return false
}

// Status summarises the position for clients.
type Status struct {
	Turn         Color `json:"-"`
	InCheck      bool  `json:"in_check"`
	Checkmate    bool  `json:"checkmate"`
	Stalemate    bool  `json:"stalemate"`
	Insufficient bool  `json:"insufficient_material"`
	FiftyMoves   bool  `json:"fifty_moves"`
	HalfMoves    int   `json:"halfmove_clock"`
	FullMoves    int   `json:"fullmove_number"`
}

func (b *Board) Status() Status {
	return Status{
		Turn:         b.Turn(),
		InCheck:      b.check,
		Checkmate:    b.IsCheckmate(),
		Stalemate:    b.IsStalemate(),
		Insufficient: b.InsufficientMaterial(),
		FiftyMoves:   b.IsDrawByFiftyMove(),
		HalfMoves:    b.HalfMoves(),
		FullMoves:    b.full,
	}
}

// Key identifies a position for repetition: piece placement, side to move,
// castling rights and a capturable en-passant target.
type Key uint64

func (b *Board) Key() Key { return b.key }

// hashKey is the Polyglot hash of the position with the en-passant field
// cleared unless some legal move captures en passant.
func (b *Board) hashKey() Key {
	fields := strings.Fields(b.pos.String())
	if !b.enPassantCapturable() {
		fields[3] = "-"
	}
	h, err := chess.NewZobristHasher().HashPosition(strings.Join(fields[:4], " "))
	if err != nil {
		return 0
	}
	return Key(chess.ZobristHashToUint64(h))
}

func (b *Board) enPassantCapturable() bool {
	for i := range b.legal {
		if b.legal[i].HasTag(chess.EnPassant) {
			return true
		}
	}
	return false
}

package domain

import "time"

// Mode is the queue preference of a participant.
type Mode string

const (
	ModeRanked Mode = "ranked"
	ModeFree   Mode = "free"
)

func (m Mode) Valid() bool { return m == ModeRanked || m == ModeFree }

// Identity is who a connection authenticated as.
type Identity struct {
	ParticipantID string
	Name          string
	IsBot         bool
}

const (
	DefaultRating     = 1500.0
	DefaultDeviation  = 350.0
	DefaultVolatility = 0.06
)

// RatingRecord is the persisted Glicko-2 state of one participant.
type RatingRecord struct {
	ParticipantID string
	Rating        float64
	Deviation     float64
	Volatility    float64
	Period        int64
	Wins          int
	Losses        int
	Draws         int
	UpdatedAt     time.Time
}

// NewRatingRecord returns the starting record for an unrated participant.
func NewRatingRecord(participantID string) RatingRecord {
	return RatingRecord{
		ParticipantID: participantID,
		Rating:        DefaultRating,
		Deviation:     DefaultDeviation,
		Volatility:    DefaultVolatility,
	}
}

// GameRecord is the archived form of a finished session.
type GameRecord struct {
	ID          string
	Ranked      bool
	WhiteID     string
	BlackID     string
	WhiteBot    bool
	BlackBot    bool
	TimeControl string
	Result      string
	Reason      string
	MovesUCI    []string
	StartFEN    string
	FinalFEN    string
	StartedAt   time.Time
	EndedAt     time.Time
}

func (g GameRecord) Duration() time.Duration {
	if g.StartedAt.IsZero() || g.EndedAt.Before(g.StartedAt) {
		return 0
	}
	return g.EndedAt.Sub(g.StartedAt)
}

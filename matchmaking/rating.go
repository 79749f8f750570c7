package matchmaking

import (
	"math"
	"time"
)

const (
	DefaultRating     = 1500.0
	DefaultVolatility = 40.0
	MinVolatility     = 10.0
	MaxVolatility     = 40.0

	// streakLength is the run of equal results after which volatility starts growing again
	streakLength = 3
)

// Result is the outcome of the last rated game
type Result int

const (
	ResultNone Result = iota
	ResultWin
	ResultLoss
)

// Rating is a player's skill estimate in one queue
type Rating struct {
	Rating     float64   `json:"rating"`
	Volatility float64   `json:"volatility"`
	Games      int       `json:"games"`
	Streak     int       `json:"streak"` // positive for consecutive wins, negative for consecutive losses
	Last       Result    `json:"last"`
	LastPlayed time.Time `json:"lastPlayed,omitempty"`
}

// NewRating returns the rating a player starts a queue with
func NewRating() *Rating {
	return &Rating{
		Rating:     DefaultRating,
		Volatility: DefaultVolatility,
	}
}

// Expected is the probability that a beats b
func Expected(a, b Rating) float64 {
	return 1.0 / (1.0 + math.Pow(10, (b.Rating-a.Rating)/400.0))
}

// SkillDifference combines the expected outcome gap with a volatility mismatch penalty, in [0, 1]
func SkillDifference(a, b Rating) float64 {
	gap := math.Abs(0.5-Expected(a, b)) * 2
	penalty := (math.Abs(a.Volatility-b.Volatility) / 30.0) / 10.0
	return clamp(gap+penalty, 0, 1)
}

// UpdatePair applies one game's result to both ratings. Both deltas are computed before either
// rating is written.
func UpdatePair(a, b *Rating, aWon bool, when time.Time) {
	expectedA := Expected(*a, *b)
	expectedB := Expected(*b, *a)

	scoreA, scoreB := 0.0, 1.0
	if aWon {
		scoreA, scoreB = 1.0, 0.0
	}

	deltaA := a.Volatility * (scoreA - expectedA)
	deltaB := b.Volatility * (scoreB - expectedB)

	a.apply(deltaA, aWon, when)
	b.apply(deltaB, !aWon, when)
}

func (r *Rating) apply(delta float64, won bool, when time.Time) {
	r.Rating += delta
	r.Games++
	r.LastPlayed = when

	if won {
		r.Last = ResultWin
		if r.Streak < 0 {
			r.Streak = 0
		}
		r.Streak++
	} else {
		r.Last = ResultLoss
		if r.Streak > 0 {
			r.Streak = 0
		}
		r.Streak--
	}

	if r.Streak >= streakLength || r.Streak <= -streakLength {
		r.Volatility += 4
	} else {
		r.Volatility -= 2
	}
	r.Volatility = clamp(r.Volatility, MinVolatility, MaxVolatility)
}

// Tolerance is the largest SkillDifference accepted after waiting for wait
func Tolerance(wait time.Duration) float64 {
	switch {
	case wait < 5*time.Second:
		return 0.025
	case wait < 10*time.Second:
		return 0.05
	case wait < 20*time.Second:
		return 0.075
	case wait < 40*time.Second:
		return 0.10
	case wait < 60*time.Second:
		return 0.15
	case wait < 80*time.Second:
		return 0.25
	default:
		return 1.0
	}
}

func clamp(value, low, high float64) float64 {
	return math.Max(low, math.Min(high, value))
}

// Package voting implements the quadratic voting cost model.
//
// Holding a score S on a ballot costs S² credits. Scores are signed, so the
// signed cost is sign(S)*S². A vote is submitted to the ledger as a signed
// credit delta ("strength"), not as a score delta.
package voting

import (
	"errors"
	"math"
	"strings"
)

// ballotClosedSuffix is the tail of the error message the governance CLI
// emits when a vote targets a closed ballot.
const ballotClosedSuffix = "ballot is closed"

// Position is a user's committed voting position on one ballot.
type Position struct {
	TalliedScore   float64 `json:"talliedScore"`
	TalliedCredits float64 `json:"talliedCredits"`
	PendingCredits float64 `json:"pendingCredits"`
}

// NewPosition builds a position from the tallied score, deriving the
// credits already charged for it.
func NewPosition(talliedScore, pendingCredits float64) Position {
	return Position{
		TalliedScore:   talliedScore,
		TalliedCredits: Cost(talliedScore),
		PendingCredits: pendingCredits,
	}
}

// Bounds is the allowed range for a desired score change.
type Bounds struct {
	MinScore float64 `json:"minScore"`
	MaxScore float64 `json:"maxScore"`
}

// Quote is the result of pricing a desired score change.
type Quote struct {
	DesiredScoreChange      float64 `json:"desiredScoreChange"`
	NewTotalScore           float64 `json:"newTotalScore"`
	TotalCostInCredits      float64 `json:"totalCostInCredits"`
	ExistingSpentCredits    float64 `json:"existingSpentCredits"`
	AdditionalCostInCredits float64 `json:"additionalCostInCredits"`
	VoteStrengthInCredits   float64 `json:"voteStrengthInCredits"`
}

// Submittable reports whether the quote changes anything on the ledger.
func (q Quote) Submittable() bool {
	return q.VoteStrengthInCredits != 0
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// Cost returns the signed credit cost of holding score.
func Cost(score float64) float64 {
	return sign(score) * score * score
}

// ScoreFromCredits inverts Cost.
func ScoreFromCredits(credits float64) float64 {
	return math.Sqrt(math.Abs(credits)) * sign(credits)
}

// PendingScoreDiff is the score represented by not-yet-tallied credits.
func PendingScoreDiff(p Position) float64 {
	if p.PendingCredits == 0 {
		return 0
	}
	return ScoreFromCredits(p.PendingCredits)
}

// CurrentScore is the tallied score plus the pending score.
func CurrentScore(p Position) float64 {
	return p.TalliedScore + PendingScoreDiff(p)
}

// CommittedCredits is the absolute credit amount locked in the position.
func CommittedCredits(p Position) float64 {
	return math.Abs(p.TalliedCredits + p.PendingCredits)
}

// ComputeBounds returns the range of score changes the user can afford.
// The largest reachable |total score| is sqrt(available + committed).
func ComputeBounds(p Position, availableCredits float64) Bounds {
	if availableCredits < 0 || math.IsNaN(availableCredits) {
		availableCredits = 0
	}
	maxTotal := math.Sqrt(availableCredits + CommittedCredits(p))
	current := CurrentScore(p)
	return Bounds{
		MinScore: -maxTotal - current,
		MaxScore: maxTotal - current,
	}
}

// Clamp limits value to b.
func Clamp(value float64, b Bounds) float64 {
	if math.IsNaN(value) {
		return 0
	}
	if value < b.MinScore {
		return b.MinScore
	}
	if value > b.MaxScore {
		return b.MaxScore
	}
	return value
}

// Calculate prices desiredScoreChange against p without bounds checks.
func Calculate(p Position, desiredScoreChange float64) Quote {
	newTotal := p.TalliedScore + PendingScoreDiff(p) + desiredScoreChange
	s := sign(newTotal)
	totalCost := math.Abs(s * newTotal * newTotal)
	committed := p.TalliedCredits + p.PendingCredits
	existing := math.Abs(committed)

	return Quote{
		DesiredScoreChange:      desiredScoreChange,
		NewTotalScore:           newTotal,
		TotalCostInCredits:      totalCost,
		ExistingSpentCredits:    existing,
		AdditionalCostInCredits: totalCost - existing,
		VoteStrengthInCredits:   totalCost*s - committed,
	}
}

// QuoteFor clamps desiredScoreChange to what availableCredits allows and
// prices the result.
func QuoteFor(p Position, desiredScoreChange, availableCredits float64) Quote {
	return Calculate(p, Clamp(desiredScoreChange, ComputeBounds(p, availableCredits)))
}

// ApplyTally returns the position after the ledger tallies a vote of
// strength credits. Pending credits are folded into the tallied position.
func ApplyTally(p Position, strength float64) Position {
	credits := p.TalliedCredits + p.PendingCredits + strength
	return Position{
		TalliedScore:   ScoreFromCredits(credits),
		TalliedCredits: credits,
	}
}

// IsBallotClosedMessage reports whether msg is the CLI's closed-ballot error.
func IsBallotClosedMessage(msg string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(msg)), ballotClosedSuffix)
}

// IsBallotClosed reports whether err, or any error it wraps, carries the
// closed-ballot message.
func IsBallotClosed(err error) bool {
	for err != nil {
		if IsBallotClosedMessage(err.Error()) {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Package scoring computes per-user score deltas when a contract closes.
// The engine is a pure function over the close event; persistence lives
// in the applier so the math stays deterministic and trivially testable.
package scoring

import (
	"math"
	"time"
)

// Tunable scoring constants. Raw scores are unbounded; the display score
// saturates near ±AsymptoteLimit.
const (
	MaxBuyAmountForBonus   = 30_000_000.0
	PenaltyMultiplier      = 2.0
	BaseScoreMultiplier    = 0.000003
	AsymptoteLimit         = 1_000_000.0
	AsymptoteScalingFactor = 1_000_000.0

	C2MinScore  = 0.0
	C2WeekScore = 1.0
	C2MaxScore  = 25.0

	C2WeekThresholdDays = 7.0
	C2MaxThresholdDays  = 180.0
)

// CloseEvent describes one user's terminal transition at contract close.
type CloseEvent struct {
	// ContractRespected is true iff the user ended in CompletedCondition1.
	ContractRespected bool
	// BuyAmount is the committed supply in tokens.
	BuyAmount float64
	// DiffWithCondition is the signed percentage deviation of the outcome
	// against the target.
	DiffWithCondition float64
	// TrueCondition is the condition that closed the contract: 1 or 2.
	TrueCondition int
	// SignedAt is only consulted when TrueCondition is 2.
	SignedAt time.Time
}

// Delta returns the raw score delta for the event, evaluated at now.
// Same event, same now, same delta: replays are idempotent by value.
func Delta(event CloseEvent, now time.Time) float64 {
	if event.TrueCondition == 2 {
		return c2Score(event.SignedAt, now)
	}

	capped := math.Min(math.Max(0, event.BuyAmount), MaxBuyAmountForBonus)
	base := capped * BaseScoreMultiplier
	mult := 1 + event.DiffWithCondition/100
	unsigned := base * mult

	if event.ContractRespected {
		return unsigned
	}
	return -PenaltyMultiplier * unsigned
}

// c2Score is the age-based curve for deadline closes: nothing under a
// week, one point at exactly a week, then linear up to 25 at 180 days.
func c2Score(signedAt, now time.Time) float64 {
	ageDays := now.Sub(signedAt).Hours() / 24

	switch {
	case ageDays < C2WeekThresholdDays:
		return C2MinScore
	case ageDays >= C2MaxThresholdDays:
		return C2MaxScore
	default:
		span := C2MaxThresholdDays - C2WeekThresholdDays
		return C2WeekScore + (ageDays-C2WeekThresholdDays)*(C2MaxScore-C2WeekScore)/span
	}
}

// Display converts a stored raw score into the user-facing value.
// Monotone in raw and bounded by ±AsymptoteLimit.
func Display(raw float64) float64 {
	return math.Tanh(raw/AsymptoteScalingFactor) * AsymptoteLimit
}

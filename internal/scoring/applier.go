package scoring

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ScoreRepository is the narrow persistence surface the applier needs.
type ScoreRepository interface {
	UpsertUser(ctx context.Context, address string) error
	UpdateUserScore(ctx context.Context, address string, delta float64) (float64, error)
}

// Result reports one applied score change.
type Result struct {
	Address   string  `json:"address"`
	RawDelta  float64 `json:"raw_delta"`
	RawScore  float64 `json:"raw_score"`
	Display   float64 `json:"display"`
	Condition int     `json:"condition"`
	Respected bool    `json:"respected"`
}

// Applier persists score deltas through the repository in a single
// atomic read-modify-write per user.
type Applier struct {
	repo   ScoreRepository
	logger zerolog.Logger
}

// NewApplier creates a score applier.
func NewApplier(repo ScoreRepository, logger zerolog.Logger) *Applier {
	return &Applier{
		repo:   repo,
		logger: logger.With().Str("component", "ScoreApplier").Logger(),
	}
}

// Apply computes the delta for one user's terminal transition and
// persists it. The user row is created on first contact.
func (a *Applier) Apply(ctx context.Context, address string, event CloseEvent, now time.Time) (*Result, error) {
	delta := Delta(event, now)

	if err := a.repo.UpsertUser(ctx, address); err != nil {
		return nil, err
	}

	raw, err := a.repo.UpdateUserScore(ctx, address, delta)
	if err != nil {
		a.logger.Error().
			Err(err).
			Str("address", address).
			Float64("delta", delta).
			Msg("Failed to persist score delta")
		return nil, err
	}

	result := &Result{
		Address:   address,
		RawDelta:  delta,
		RawScore:  raw,
		Display:   Display(raw),
		Condition: event.TrueCondition,
		Respected: event.ContractRespected,
	}

	a.logger.Info().
		Str("address", address).
		Float64("delta", delta).
		Float64("raw", raw).
		Float64("display", result.Display).
		Int("condition", event.TrueCondition).
		Msg("Score updated")

	return result, nil
}

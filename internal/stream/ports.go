// Package stream contains the stream supervisor and the per-contract
// evaluator. The supervisor owns the registry of active streams and the
// upstream feed client; each stream runs one evaluator goroutine that
// applies trades against the contract's winning conditions.
package stream

import (
	"context"
	"time"

	"pump-contract-engine/internal/database"
	"pump-contract-engine/internal/feed"
	"pump-contract-engine/internal/oracle"
	"pump-contract-engine/internal/scoring"
)

// ContractStore is the persistence surface the supervisor and evaluator
// depend on. The production implementation is database.Repository; tests
// substitute an in-memory fake.
type ContractStore interface {
	GetContract(ctx context.Context, id int64) (*database.Contract, error)
	ListPendingContracts(ctx context.Context) ([]*database.Contract, error)
	MarkContractCompleted(ctx context.Context, id int64, reason string, at time.Time) (bool, error)

	GetUserContract(ctx context.Context, contractID int64, userAddress string) (*database.UserContract, error)
	ListUserContractsByContract(ctx context.Context, contractID int64) ([]*database.UserContract, error)
	CountInProgress(ctx context.Context, contractID int64) (int, error)
	UpdateUserContractStatus(ctx context.Context, contractID int64, userAddress string, status database.UserContractStatus) (bool, error)
	BulkUpdateStatus(ctx context.Context, contractID int64, from, to database.UserContractStatus) (int64, error)
}

// PriceSource supplies the SOL spot price for C1 decisions.
type PriceSource interface {
	SolPriceUSD(ctx context.Context) (float64, error)
}

// BalanceChecker verifies a wallet's token holding against a committed
// supply, in the mint's native fixed-point units.
type BalanceChecker interface {
	CheckBalance(ctx context.Context, mint, wallet string, requiredHuman float64) (*oracle.BalanceResult, error)
}

// TradeFeed is the upstream feed surface the supervisor drives.
type TradeFeed interface {
	Connect() error
	Subscribe(mint string) (<-chan feed.TradeEvent, error)
	Unsubscribe(mint string) error
	ActiveMints() []string
	Fatal() <-chan error
	Stats() feed.Stats
	Close()
}

// ScoreApplier persists per-user score deltas at contract close.
type ScoreApplier interface {
	Apply(ctx context.Context, address string, event scoring.CloseEvent, now time.Time) (*scoring.Result, error)
}

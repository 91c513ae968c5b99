package database

import "time"

// Completion reasons recorded on a contract's terminal transition.
const (
	ReasonMarketCap   = "market_cap"   // C1: market-cap target reached
	ReasonTimeExpired = "time_expired" // C2: deadline elapsed
	ReasonAllBroken   = "all_broken"   // every signer broke the commitment
	ReasonManual      = "manual"       // operator-initiated completion
)

// UserContractStatus tracks a signer's standing within one contract.
// Transitions leave InProgress exactly once and never return.
type UserContractStatus int16

const (
	StatusInProgress          UserContractStatus = 0
	StatusCompletedCondition1 UserContractStatus = 1
	StatusCompletedCondition2 UserContractStatus = 2
	StatusBroken              UserContractStatus = 3
)

func (s UserContractStatus) String() string {
	switch s {
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusCompletedCondition1:
		return "COMPLETED_CONDITION1"
	case StatusCompletedCondition2:
		return "COMPLETED_CONDITION2"
	case StatusBroken:
		return "BROKEN"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status is a final state.
func (s UserContractStatus) Terminal() bool {
	return s != StatusInProgress
}

// Contract stakes a token holding against a USD market-cap target
// (condition1) and a deadline (condition2).
type Contract struct {
	ID               int64      `json:"id"`
	Mint             string     `json:"mint"`
	Condition1       float64    `json:"condition1"` // USD market-cap target
	Condition2       time.Time  `json:"condition2"` // deadline, UTC
	IsCompleted      bool       `json:"is_completed"`
	CompletionReason *string    `json:"completion_reason,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Expired reports whether the contract's deadline has elapsed at t.
// A deadline exactly equal to t counts as elapsed.
func (c *Contract) Expired(t time.Time) bool {
	return !t.Before(c.Condition2)
}

// UserContract is one signer's commitment within a contract,
// compound-keyed by (contract_id, user_address).
type UserContract struct {
	ContractID  int64              `json:"contract_id"`
	UserAddress string             `json:"user_address"`
	Supply      float64            `json:"supply"` // committed token amount, human units
	Status      UserContractStatus `json:"status"`
	SignedAt    time.Time          `json:"signed_at"`
}

// User carries the raw score; display scores are derived on read.
type User struct {
	Address   string    `json:"address"`
	Score     float64   `json:"score"` // raw, unbounded
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

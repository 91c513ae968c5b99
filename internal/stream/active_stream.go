package stream

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

// stopCause records why an evaluator exited.
type stopCause int

const (
	causeStopped            stopCause = iota // operator stop or shutdown
	causeCompletedC1                         // market-cap target reached
	causeCompletedC2                         // deadline elapsed
	causeAllBroken                           // every signer broke
	causeExternalCompletion                  // someone else completed the contract
	causeFeedClosed                          // subscription channel closed under us
	causeFatal                               // unrecoverable stream-local error
)

func (c stopCause) String() string {
	switch c {
	case causeStopped:
		return "stopped"
	case causeCompletedC1:
		return "completed_c1"
	case causeCompletedC2:
		return "completed_c2"
	case causeAllBroken:
		return "all_broken"
	case causeExternalCompletion:
		return "external_completion"
	case causeFeedClosed:
		return "feed_closed"
	case causeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// outcome is what an evaluator hands back to the supervisor on exit.
type outcome struct {
	cause  stopCause
	athSol float64 // final all-time-high market cap in SOL
	athUSD float64 // last priced ATH in USD, 0 when never priced
	err    error
}

// ActiveStream is the in-memory state for one monitored contract. The
// evaluator goroutine is the only writer of the ATH; everyone else reads
// it through the atomic snapshot.
type ActiveStream struct {
	ContractID int64
	Mint       string
	SessionID  string
	StartedAt  time.Time
	Condition1 float64 // USD market-cap target
	Condition2 time.Time

	signers map[string]struct{}

	athBits atomic.Uint64 // float64 bits of ath_market_cap_sol

	eval   *evaluator
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// IsSigner reports whether an address is party to the contract.
func (s *ActiveStream) IsSigner(address string) bool {
	_, ok := s.signers[address]
	return ok
}

// SignerCount returns the number of tracked signers.
func (s *ActiveStream) SignerCount() int {
	return len(s.signers)
}

// ATH returns the stream's all-time-high market cap in SOL. Never
// decreases for the lifetime of the stream.
func (s *ActiveStream) ATH() float64 {
	return math.Float64frombits(s.athBits.Load())
}

// raiseATH lifts the ATH to v when higher and returns the current value.
// Only the evaluator goroutine calls this.
func (s *ActiveStream) raiseATH(v float64) float64 {
	cur := s.ATH()
	if v > cur {
		s.athBits.Store(math.Float64bits(v))
		return v
	}
	return cur
}

// Done is closed when the evaluator goroutine has fully exited.
func (s *ActiveStream) Done() <-chan struct{} {
	return s.done
}

// Snapshot is the externally visible view of an active stream.
type Snapshot struct {
	ContractID      int64     `json:"contract_id"`
	Mint            string    `json:"mint"`
	SessionID       string    `json:"session_id"`
	StartedAt       time.Time `json:"started_at"`
	Signers         int       `json:"signers"`
	Condition1      float64   `json:"condition1"`
	Condition2      time.Time `json:"condition2"`
	ATHMarketCapSol float64   `json:"ath_market_cap_sol"`
}

// Snapshot captures the stream's observable fields.
func (s *ActiveStream) Snapshot() Snapshot {
	return Snapshot{
		ContractID:      s.ContractID,
		Mint:            s.Mint,
		SessionID:       s.SessionID,
		StartedAt:       s.StartedAt,
		Signers:         len(s.signers),
		Condition1:      s.Condition1,
		Condition2:      s.Condition2,
		ATHMarketCapSol: s.ATH(),
	}
}

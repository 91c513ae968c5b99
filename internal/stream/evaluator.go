package stream

import (
	"context"
	"time"

	"pump-contract-engine/internal/database"
	"pump-contract-engine/internal/errs"
	"pump-contract-engine/internal/feed"
	"pump-contract-engine/internal/logging"
)

const (
	eventRetryAttempts = 3
	eventRetryDelay    = 200 * time.Millisecond
)

// evaluator runs the per-contract state machine. It is the single owner
// of the stream's ATH and of the decision to emit terminal transitions;
// all its writes happen on one goroutine, which linearises completion
// per contract.
type evaluator struct {
	stream    *ActiveStream
	store     ContractStore
	price     PriceSource
	events    <-chan feed.TradeEvent
	opTimeout time.Duration
	logger    *logging.Logger

	athUSD float64 // last priced ATH in USD
}

func newEvaluator(s *ActiveStream, store ContractStore, price PriceSource, events <-chan feed.TradeEvent, opTimeout time.Duration) *evaluator {
	return &evaluator{
		stream:    s,
		store:     store,
		price:     price,
		events:    events,
		opTimeout: opTimeout,
		logger:    logging.StreamContext(s.ContractID, s.Mint),
	}
}

// run consumes trade events until a terminal transition, a stop, or a
// stream-local failure. The deadline timer only fires in the absence of
// events; on event ingress the deadline is checked first, so C1 can
// still win when both conditions become true inside one event.
func (e *evaluator) run(ctx context.Context) outcome {
	timer := time.NewTimer(time.Until(e.stream.Condition2))
	defer timer.Stop()

	e.logger.Info("Evaluator started",
		"condition1", e.stream.Condition1,
		"condition2", e.stream.Condition2,
		"signers", e.stream.SignerCount())

	for {
		select {
		case <-ctx.Done():
			return e.out(causeStopped, nil)

		case <-timer.C:
			return e.completeC2(ctx)

		case ev, ok := <-e.events:
			if !ok {
				return e.out(causeFeedClosed, nil)
			}
			if out, terminal := e.process(ctx, ev); terminal {
				return out
			}
		}
	}
}

// process applies one trade event. The bool is true when the stream
// reached a terminal state.
func (e *evaluator) process(ctx context.Context, ev feed.TradeEvent) (outcome, bool) {
	// Deadline is evaluated on event ingress only. A deadline exactly
	// equal to now counts as elapsed.
	if !time.Now().Before(e.stream.Condition2) {
		return e.completeC2(ctx), true
	}

	ath := e.stream.raiseATH(ev.MarketCapSol)

	// C1 check against a fresh price.
	price, err := e.fetchPrice(ctx)
	switch {
	case err == nil:
		e.athUSD = ath * price
		if e.athUSD >= e.stream.Condition1 {
			return e.completeC1(ctx), true
		}
	case errs.Is(err, errs.KindFatal):
		return e.out(causeFatal, err), true
	default:
		// Transient exhaustion: drop the C1 decision for this event.
		// The ATH is already recorded, so no progress is lost.
		e.logger.Warn("Price lookup failed, skipping C1 check", "error", err)
	}

	if !e.stream.IsSigner(ev.TraderPublicKey) {
		return outcome{}, false
	}

	return e.checkBreak(ctx, ev)
}

// checkBreak applies the per-signer accounting for one event.
func (e *evaluator) checkBreak(ctx context.Context, ev feed.TradeEvent) (outcome, bool) {
	var uc *database.UserContract
	err := e.withRetry(ctx, func(cctx context.Context) error {
		var gerr error
		uc, gerr = e.store.GetUserContract(cctx, e.stream.ContractID, ev.TraderPublicKey)
		return gerr
	})
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			e.logger.Warn("Signer has no user contract row", "trader", ev.TraderPublicKey)
			return outcome{}, false
		}
		if errs.Is(err, errs.KindFatal) {
			return e.out(causeFatal, err), true
		}
		e.logger.Warn("User contract load failed, dropping event", "error", err, "signature", ev.Signature)
		return outcome{}, false
	}

	if uc.Status != database.StatusInProgress {
		return outcome{}, false
	}

	// Balance exactly equal to the committed supply is not a break.
	if ev.NewTokenBalance >= uc.Supply {
		return outcome{}, false
	}

	err = e.withRetry(ctx, func(cctx context.Context) error {
		_, uerr := e.store.UpdateUserContractStatus(cctx, e.stream.ContractID, ev.TraderPublicKey, database.StatusBroken)
		return uerr
	})
	if err != nil {
		if errs.Is(err, errs.KindFatal) {
			return e.out(causeFatal, err), true
		}
		e.logger.Warn("Break update failed, dropping event", "error", err, "trader", ev.TraderPublicKey)
		return outcome{}, false
	}

	e.logger.Info("Signer broke commitment",
		"trader", ev.TraderPublicKey,
		"balance", ev.NewTokenBalance,
		"supply", uc.Supply)

	// All-broken check: with no InProgress rows left the contract closes.
	var remaining int
	err = e.withRetry(ctx, func(cctx context.Context) error {
		var cerr error
		remaining, cerr = e.store.CountInProgress(cctx, e.stream.ContractID)
		return cerr
	})
	if err != nil {
		if errs.Is(err, errs.KindFatal) {
			return e.out(causeFatal, err), true
		}
		e.logger.Warn("In-progress count failed, deferring all-broken check", "error", err)
		return outcome{}, false
	}

	if remaining == 0 {
		return e.completeAllBroken(ctx), true
	}
	return outcome{}, false
}

// completeC1 closes the contract on the market-cap path.
func (e *evaluator) completeC1(ctx context.Context) outcome {
	return e.complete(ctx, causeCompletedC1, database.ReasonMarketCap, database.StatusCompletedCondition1)
}

// completeC2 closes the contract on the deadline path.
func (e *evaluator) completeC2(ctx context.Context) outcome {
	return e.complete(ctx, causeCompletedC2, database.ReasonTimeExpired, database.StatusCompletedCondition2)
}

// completeAllBroken closes the contract after the last signer broke.
// No rows are InProgress at this point, so only the contract row moves.
func (e *evaluator) completeAllBroken(ctx context.Context) outcome {
	return e.complete(ctx, causeAllBroken, database.ReasonAllBroken, database.StatusInProgress)
}

// complete drives the terminal transition. The contract row is re-read
// first to detect concurrent completion, and the conditional completion
// update is the fence: losing that race makes this a no-op.
func (e *evaluator) complete(ctx context.Context, cause stopCause, reason string, userStatus database.UserContractStatus) outcome {
	var contract *database.Contract
	err := e.withRetry(ctx, func(cctx context.Context) error {
		var gerr error
		contract, gerr = e.store.GetContract(cctx, e.stream.ContractID)
		return gerr
	})
	if err != nil {
		return e.out(causeFatal, errs.Wrap(errs.KindFatal, err, "re-read contract before completion"))
	}
	if contract.IsCompleted {
		e.logger.Info("Contract already completed externally", "reason", deref(contract.CompletionReason))
		return e.out(causeExternalCompletion, nil)
	}

	if userStatus != database.StatusInProgress {
		err = e.withRetry(ctx, func(cctx context.Context) error {
			_, berr := e.store.BulkUpdateStatus(cctx, e.stream.ContractID, database.StatusInProgress, userStatus)
			return berr
		})
		if err != nil {
			return e.out(causeFatal, errs.Wrap(errs.KindFatal, err, "bulk user transition"))
		}
	}

	var applied bool
	err = e.withRetry(ctx, func(cctx context.Context) error {
		var merr error
		applied, merr = e.store.MarkContractCompleted(cctx, e.stream.ContractID, reason, time.Now().UTC())
		return merr
	})
	if err != nil {
		return e.out(causeFatal, errs.Wrap(errs.KindFatal, err, "mark contract completed"))
	}
	if !applied {
		e.logger.Info("Lost completion race, exiting without writes")
		return e.out(causeExternalCompletion, nil)
	}

	e.logger.Info("Contract completed",
		"reason", reason,
		"ath_sol", e.stream.ATH(),
		"ath_usd", e.athUSD)
	return e.out(cause, nil)
}

// withRetry runs fn with the per-call deadline, retrying Transient
// failures with linear backoff.
func (e *evaluator) withRetry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= eventRetryAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, e.opTimeout)
		err = fn(cctx)
		cancel()
		if err == nil || !errs.IsRetryable(err) {
			return err
		}
		if attempt < eventRetryAttempts {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(time.Duration(attempt) * eventRetryDelay):
			}
		}
	}
	return err
}

func (e *evaluator) fetchPrice(ctx context.Context) (float64, error) {
	var price float64
	err := e.withRetry(ctx, func(cctx context.Context) error {
		var perr error
		price, perr = e.price.SolPriceUSD(cctx)
		return perr
	})
	return price, err
}

func (e *evaluator) out(cause stopCause, err error) outcome {
	return outcome{
		cause:  cause,
		athSol: e.stream.ATH(),
		athUSD: e.athUSD,
		err:    err,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

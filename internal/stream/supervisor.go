package stream

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pump-contract-engine/config"
	"pump-contract-engine/internal/database"
	"pump-contract-engine/internal/errs"
	"pump-contract-engine/internal/events"
	"pump-contract-engine/internal/feed"
	"pump-contract-engine/internal/logging"
	"pump-contract-engine/internal/scoring"
)

const restartDelay = 1 * time.Second

// Supervisor owns the registry of active streams and the single upstream
// feed connection they multiplex. All lifecycle transitions (start, stop,
// restart, shutdown) go through it; evaluators never touch the registry.
type Supervisor struct {
	store   ContractStore
	feed    TradeFeed
	price   PriceSource
	balance BalanceChecker
	scorer  ScoreApplier
	bus     *events.Bus
	cfg     config.SupervisorConfig
	logger  *logging.Logger

	mu      sync.RWMutex
	streams map[int64]*ActiveStream

	rootCtx    context.Context
	rootCancel context.CancelFunc
	ready      atomic.Bool
	wg         sync.WaitGroup
}

// NewSupervisor wires the supervisor to its collaborators. Call Run to
// connect the feed and pick up pending contracts.
func NewSupervisor(store ContractStore, tradeFeed TradeFeed, price PriceSource, balance BalanceChecker, scorer ScoreApplier, bus *events.Bus, cfg config.SupervisorConfig) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		store:      store,
		feed:       tradeFeed,
		price:      price,
		balance:    balance,
		scorer:     scorer,
		bus:        bus,
		cfg:        cfg,
		logger:     logging.Default().WithComponent("supervisor"),
		streams:    make(map[int64]*ActiveStream),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
	s.bindBus()
	return s
}

// bindBus subscribes the supervisor to contract lifecycle events so
// streams follow CRUD without the host calling us directly.
func (s *Supervisor) bindBus() {
	if s.bus == nil {
		return
	}
	s.bus.Subscribe(events.EventContractCreated, func(e events.Event) {
		id, ok := eventContractID(e)
		if !ok {
			return
		}
		if _, err := s.Start(s.rootCtx, id); err != nil {
			s.logger.Error("Auto-start after create failed", "contract_id", id, "error", err)
		}
	})
	s.bus.Subscribe(events.EventContractDeleted, func(e events.Event) {
		if id, ok := eventContractID(e); ok {
			_, _ = s.Stop(s.rootCtx, id)
		}
	})
	s.bus.Subscribe(events.EventContractCompleted, func(e events.Event) {
		if id, ok := eventContractID(e); ok {
			_, _ = s.Stop(s.rootCtx, id)
		}
	})
}

func eventContractID(e events.Event) (int64, bool) {
	switch v := e.Data["contract_id"].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Run connects the upstream feed, reconciles and starts every pending
// contract, and arms the feed failure watcher. Returns once startup is
// complete; streams keep running until Shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.feed.Connect(); err != nil {
		return errs.Wrap(errs.KindTransient, err, "connect upstream feed")
	}

	go s.watchFeed()

	started, err := s.StartAllPending(ctx)
	if err != nil {
		s.logger.Error("Bulk start finished with errors", "started", started, "error", err)
	}
	s.ready.Store(true)
	s.logger.Info("Supervisor running", "streams", started)
	return nil
}

// watchFeed trips the supervisor into not-ready and stops everything
// when the feed gives up reconnecting.
func (s *Supervisor) watchFeed() {
	select {
	case <-s.rootCtx.Done():
		return
	case err, ok := <-s.feed.Fatal():
		if !ok {
			return
		}
		s.ready.Store(false)
		s.logger.Error("Upstream feed failed permanently, stopping all streams", "error", err)
		if s.bus != nil {
			s.bus.PublishFeedFatal(err)
		}
		s.StopAll(s.rootCtx)
	}
}

// Start brings up the stream for one contract. Returns false with a nil
// error when the stream is already active. Completed contracts, elapsed
// deadlines and contracts without active signers are refused.
func (s *Supervisor) Start(ctx context.Context, contractID int64) (bool, error) {
	s.mu.Lock()
	if _, exists := s.streams[contractID]; exists {
		s.mu.Unlock()
		return false, nil
	}
	// Placeholder holds the slot while we load and validate, so two
	// concurrent starts cannot both pass the registry check.
	placeholder := &ActiveStream{ContractID: contractID}
	s.streams[contractID] = placeholder
	s.mu.Unlock()

	// Transient preparation failures retry with exponential backoff;
	// refusals (completed, expired, no signers) are final.
	var active *ActiveStream
	var err error
	delay := s.cfg.BaseRetryDelay
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		active, err = s.prepare(ctx, contractID)
		if err == nil || !errs.IsRetryable(err) {
			break
		}
		if attempt < s.cfg.MaxRetries {
			s.logger.Warn("Stream start failed, retrying",
				"contract_id", contractID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				s.deregister(contractID, placeholder)
				return false, err
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	if err != nil || active == nil {
		s.deregister(contractID, placeholder)
		return false, err
	}

	s.mu.Lock()
	s.streams[contractID] = active
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runStream(active)

	if s.bus != nil {
		s.bus.PublishStreamStarted(contractID, active.Mint, active.SessionID)
	}
	return true, nil
}

// prepare loads and validates the contract, reconciles signer balances,
// subscribes the mint and builds the ActiveStream. A nil stream with a
// nil error means the contract was closed during preparation and no
// stream is needed.
func (s *Supervisor) prepare(ctx context.Context, contractID int64) (*ActiveStream, error) {
	logger := logging.ContractContext(contractID)

	contract, err := s.loadContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.IsCompleted {
		return nil, errs.New(errs.KindInvalidInput, "contract %d is already completed", contractID)
	}
	if contract.Expired(time.Now()) {
		return nil, errs.New(errs.KindInvalidInput, "contract %d deadline has elapsed", contractID)
	}

	if err := s.claimMint(contractID, contract.Mint); err != nil {
		return nil, err
	}

	lctx, lcancel := s.opCtx(ctx)
	ucs, err := s.store.ListUserContractsByContract(lctx, contractID)
	lcancel()
	if err != nil {
		return nil, err
	}

	signers := make(map[string]struct{}, len(ucs))
	inProgress := 0
	for _, uc := range ucs {
		signers[uc.UserAddress] = struct{}{}
		if uc.Status == database.StatusInProgress {
			inProgress++
		}
	}
	if inProgress == 0 {
		return nil, errs.New(errs.KindInvalidInput, "contract %d has no active signers", contractID)
	}

	// On-chain reconciliation: trades made while no stream was watching
	// are invisible to the evaluator, so verify holdings before start.
	remaining := inProgress
	for _, uc := range ucs {
		if uc.Status != database.StatusInProgress {
			continue
		}
		bctx, bcancel := s.opCtx(ctx)
		res, berr := s.balance.CheckBalance(bctx, contract.Mint, uc.UserAddress, uc.Supply)
		bcancel()
		if berr != nil {
			logger.Warn("Balance check failed at start, keeping signer", "trader", uc.UserAddress, "error", berr)
			continue
		}
		if res.HasEnough {
			continue
		}
		uctx, ucancel := s.opCtx(ctx)
		applied, uerr := s.store.UpdateUserContractStatus(uctx, contractID, uc.UserAddress, database.StatusBroken)
		ucancel()
		if uerr != nil {
			logger.Warn("Break update at start failed", "trader", uc.UserAddress, "error", uerr)
			continue
		}
		if applied {
			remaining--
			logger.Info("Signer broke commitment while unwatched", "trader", uc.UserAddress)
		}
	}
	if remaining == 0 {
		logger.Info("All signers broke while unwatched, closing contract")
		mctx, mcancel := s.opCtx(ctx)
		_, merr := s.store.MarkContractCompleted(mctx, contractID, database.ReasonAllBroken, time.Now().UTC())
		mcancel()
		if merr != nil {
			return nil, merr
		}
		s.finish(contractID, database.ReasonAllBroken, 0)
		return nil, nil
	}

	ch, err := s.feed.Subscribe(contract.Mint)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(s.rootCtx)
	active := &ActiveStream{
		ContractID: contractID,
		Mint:       contract.Mint,
		SessionID:  uuid.NewString(),
		StartedAt:  time.Now(),
		Condition1: contract.Condition1,
		Condition2: contract.Condition2,
		signers:    signers,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	active.eval = newEvaluator(active, s.store, s.price, ch, s.cfg.OpTimeout)
	active.ctx = sctx
	return active, nil
}

func (s *Supervisor) loadContract(ctx context.Context, contractID int64) (*database.Contract, error) {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.store.GetContract(cctx, contractID)
}

// opCtx bounds one persistence or oracle call with the configured
// operation deadline.
func (s *Supervisor) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

// claimMint records the contract's mint on its registry entry, refusing
// when another active stream already routes that mint. Inbound trades
// are routed by mint, so a second stream on the same mint would steal
// events from the first.
func (s *Supervisor) claimMint(contractID int64, mint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.streams {
		if id != contractID && st.Mint == mint {
			return errs.New(errs.KindConflict, "mint %s is already streamed by contract %d", mint, id)
		}
	}
	if st, ok := s.streams[contractID]; ok {
		st.Mint = mint
	}
	return nil
}

// runStream owns one evaluator's lifetime: it waits for the outcome,
// releases the mint subscription, deregisters the stream and drives the
// close-out side effects.
func (s *Supervisor) runStream(active *ActiveStream) {
	defer s.wg.Done()
	defer close(active.done)

	out := active.eval.run(active.ctx)
	active.cancel()

	s.releaseMint(active)
	s.deregister(active.ContractID, active)

	logger := logging.StreamContext(active.ContractID, active.Mint)
	switch out.cause {
	case causeCompletedC1:
		s.finish(active.ContractID, database.ReasonMarketCap, out.athUSD)
	case causeCompletedC2:
		s.finish(active.ContractID, database.ReasonTimeExpired, out.athUSD)
	case causeAllBroken:
		s.finish(active.ContractID, database.ReasonAllBroken, out.athUSD)
	case causeFatal:
		logger.Error("Stream stopped on unrecoverable error", "error", out.err)
		if s.bus != nil {
			s.bus.PublishError("stream", "stream stopped on unrecoverable error", out.err)
		}
	case causeFeedClosed:
		logger.Warn("Subscription channel closed, stream exiting")
	}

	if s.bus != nil {
		s.bus.PublishStreamStopped(active.ContractID, out.cause.String())
	}
	logger.Info("Stream exited", "cause", out.cause.String(), "ath_sol", out.athSol)
}

// releaseMint drops the stream's upstream subscription. Mint claims are
// exclusive, so no other stream can be listening on it.
func (s *Supervisor) releaseMint(active *ActiveStream) {
	if err := s.feed.Unsubscribe(active.Mint); err != nil {
		s.logger.Warn("Unsubscribe failed", "mint", active.Mint, "error", err)
	}
}

// deregister removes the registry entry if it still belongs to this
// stream instance.
func (s *Supervisor) deregister(contractID int64, stream *ActiveStream) {
	s.mu.Lock()
	if cur, ok := s.streams[contractID]; ok && cur == stream {
		delete(s.streams, contractID)
	}
	s.mu.Unlock()
}

// finish publishes the completion event and applies score deltas for
// every signer of the closed contract.
func (s *Supervisor) finish(contractID int64, reason string, athUSD float64) {
	if s.bus != nil {
		s.bus.PublishContractCompleted(contractID, reason)
	}
	s.scoreContract(s.rootCtx, contractID, athUSD)
}

// scoreContract walks the contract's user rows and applies one score
// delta per terminal signer. Per-user failures are logged and skipped so
// one bad row cannot block the rest.
func (s *Supervisor) scoreContract(ctx context.Context, contractID int64, athUSD float64) {
	logger := logging.ContractContext(contractID)

	gctx, gcancel := s.opCtx(ctx)
	contract, err := s.store.GetContract(gctx, contractID)
	gcancel()
	if err != nil {
		logger.Error("Scoring skipped, contract re-read failed", "error", err)
		return
	}
	lctx, lcancel := s.opCtx(ctx)
	ucs, err := s.store.ListUserContractsByContract(lctx, contractID)
	lcancel()
	if err != nil {
		logger.Error("Scoring skipped, user list failed", "error", err)
		return
	}

	diff := 0.0
	if athUSD > 0 && contract.Condition1 > 0 {
		diff = (athUSD/contract.Condition1 - 1) * 100
	}
	now := time.Now().UTC()

	for _, uc := range ucs {
		var event scoring.CloseEvent
		switch uc.Status {
		case database.StatusCompletedCondition1:
			event = scoring.CloseEvent{
				ContractRespected: true,
				BuyAmount:         uc.Supply,
				DiffWithCondition: diff,
				TrueCondition:     1,
			}
		case database.StatusCompletedCondition2:
			event = scoring.CloseEvent{
				ContractRespected: true,
				BuyAmount:         uc.Supply,
				TrueCondition:     2,
				SignedAt:          uc.SignedAt,
			}
		case database.StatusBroken:
			// Breakers always take the C1 penalty path, whatever closed
			// the contract.
			event = scoring.CloseEvent{
				ContractRespected: false,
				BuyAmount:         uc.Supply,
				DiffWithCondition: diff,
				TrueCondition:     1,
			}
		default:
			logger.Warn("Signer still in progress at close, skipping score", "trader", uc.UserAddress)
			continue
		}

		actx, acancel := s.opCtx(ctx)
		_, aerr := s.scorer.Apply(actx, uc.UserAddress, event, now)
		acancel()
		if aerr != nil {
			logger.Error("Score apply failed", "trader", uc.UserAddress, "error", aerr)
		}
	}
}

// Stop cancels one stream and waits for its evaluator to exit. Stopping
// a contract with no active stream is a no-op; the bool reports whether
// a stream was actually brought down. After the grace period the
// registry entry is dropped regardless.
func (s *Supervisor) Stop(ctx context.Context, contractID int64) (bool, error) {
	s.mu.RLock()
	active, ok := s.streams[contractID]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if active.cancel == nil {
		// Placeholder: a concurrent Start is still preparing.
		return false, errs.New(errs.KindConflict, "stream for contract %d is still starting", contractID)
	}

	active.cancel()

	select {
	case <-active.Done():
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("Stream did not exit in time, deregistering anyway", "contract_id", contractID)
		s.deregister(contractID, active)
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return true, nil
}

// Restart stops a stream and starts it again with fresh state. The ATH
// resets to zero; persisted signer statuses carry over.
func (s *Supervisor) Restart(ctx context.Context, contractID int64) error {
	if _, err := s.Stop(ctx, contractID); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(restartDelay):
	}

	_, err := s.Start(ctx, contractID)
	return err
}

// StartAllPending starts a stream for every incomplete contract. Already
// expired contracts are closed on the deadline path instead of started.
// Starts are staggered so a large backlog does not stampede the feed.
func (s *Supervisor) StartAllPending(ctx context.Context) (int, error) {
	pctx, pcancel := s.opCtx(ctx)
	contracts, err := s.store.ListPendingContracts(pctx)
	pcancel()
	if err != nil {
		return 0, err
	}

	started := 0
	var lastErr error
	for i, c := range contracts {
		if c.Expired(time.Now()) {
			s.reconcileExpired(ctx, c)
			continue
		}

		if i > 0 {
			stagger := time.Duration(i) * s.cfg.StartStagger
			if stagger > s.cfg.MaxStagger {
				stagger = s.cfg.MaxStagger
			}
			select {
			case <-ctx.Done():
				return started, ctx.Err()
			case <-time.After(stagger):
			}
		}

		ok, serr := s.Start(ctx, c.ID)
		if serr != nil {
			s.logger.Error("Pending contract start failed", "contract_id", c.ID, "error", serr)
			lastErr = serr
			continue
		}
		if ok {
			started++
		}
	}
	return started, lastErr
}

// reconcileExpired closes a contract whose deadline elapsed while no
// stream was watching.
func (s *Supervisor) reconcileExpired(ctx context.Context, c *database.Contract) {
	logger := logging.ContractContext(c.ID)
	logger.Info("Deadline elapsed while unwatched, closing contract")

	bctx, bcancel := s.opCtx(ctx)
	_, err := s.store.BulkUpdateStatus(bctx, c.ID, database.StatusInProgress, database.StatusCompletedCondition2)
	bcancel()
	if err != nil {
		logger.Error("Bulk user transition failed", "error", err)
		return
	}
	mctx, mcancel := s.opCtx(ctx)
	applied, err := s.store.MarkContractCompleted(mctx, c.ID, database.ReasonTimeExpired, time.Now().UTC())
	mcancel()
	if err != nil {
		logger.Error("Completion write failed", "error", err)
		return
	}
	if applied {
		s.finish(c.ID, database.ReasonTimeExpired, 0)
	}
}

// StopAll stops every active stream in parallel.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := s.Stop(ctx, id); err != nil {
				s.logger.Warn("Stream stop failed", "contract_id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// Shutdown stops all streams, closes the feed and waits for evaluator
// goroutines to drain.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.ready.Store(false)
	s.StopAll(ctx)
	s.rootCancel()
	s.feed.Close()
	s.wg.Wait()
	s.logger.Info("Supervisor shut down")
}

// IsActive reports whether a stream is registered for the contract.
func (s *Supervisor) IsActive(contractID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.streams[contractID]
	return ok
}

// Get returns the snapshot for one active stream.
func (s *Supervisor) Get(contractID int64) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[contractID]
	if !ok || st.cancel == nil {
		return Snapshot{}, false
	}
	return st.Snapshot(), true
}

// List returns snapshots of all active streams, ordered by contract ID.
func (s *Supervisor) List() []Snapshot {
	s.mu.RLock()
	snaps := make([]Snapshot, 0, len(s.streams))
	for _, st := range s.streams {
		if st.cancel == nil {
			continue // placeholder still preparing
		}
		snaps = append(snaps, st.Snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ContractID < snaps[j].ContractID })
	return snaps
}

// Health is the supervisor's operational snapshot.
type Health struct {
	Ready         bool       `json:"ready"`
	ActiveStreams int        `json:"active_streams"`
	Feed          feed.Stats `json:"feed"`
	Streams       []Snapshot `json:"streams"`
}

// HealthCheck reports readiness, stream counts and feed statistics.
func (s *Supervisor) HealthCheck() Health {
	snaps := s.List()
	return Health{
		Ready:         s.ready.Load(),
		ActiveStreams: len(snaps),
		Feed:          s.feed.Stats(),
		Streams:       snaps,
	}
}

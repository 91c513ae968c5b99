package stream

import (
	"context"
	"testing"
	"time"

	"pump-contract-engine/config"
	"pump-contract-engine/internal/database"
	"pump-contract-engine/internal/errs"
	"pump-contract-engine/internal/events"
)

func testSupervisorConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		MaxRetries:     3,
		BaseRetryDelay: 10 * time.Millisecond,
		StopTimeout:    2 * time.Second,
		StartStagger:   time.Millisecond,
		MaxStagger:     10 * time.Millisecond,
		OpTimeout:      time.Second,
	}
}

type supervisorHarness struct {
	store   *fakeStore
	feed    *fakeFeed
	price   *fakePrice
	balance *fakeBalance
	scorer  *fakeScorer
	sup     *Supervisor
}

func newHarness(t *testing.T) *supervisorHarness {
	return newHarnessWith(t, testSupervisorConfig())
}

func newHarnessWith(t *testing.T, cfg config.SupervisorConfig) *supervisorHarness {
	t.Helper()
	h := &supervisorHarness{
		store:   newFakeStore(),
		feed:    newFakeFeed(),
		price:   &fakePrice{price: 1},
		balance: newFakeBalance(),
		scorer:  newFakeScorer(),
	}
	h.sup = NewSupervisor(h.store, h.feed, h.price, h.balance, h.scorer, events.NewBus(), cfg)
	t.Cleanup(func() { h.sup.Shutdown(context.Background()) })
	return h
}

func (h *supervisorHarness) addLiveContract(id int64, mint string, signers ...string) {
	h.store.addContract(database.Contract{
		ID:         id,
		Mint:       mint,
		Condition1: 1e12,
		Condition2: time.Now().Add(time.Hour),
	})
	for _, s := range signers {
		h.store.addUserContract(database.UserContract{
			ContractID:  id,
			UserAddress: s,
			Supply:      1000,
			Status:      database.StatusInProgress,
			SignedAt:    time.Now().Add(-30 * 24 * time.Hour),
		})
	}
}

func TestSupervisorStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.addLiveContract(1, "MINT", "alice")

	started, err := h.sup.Start(context.Background(), 1)
	if err != nil || !started {
		t.Fatalf("first Start = (%v, %v), want (true, nil)", started, err)
	}
	started, err = h.sup.Start(context.Background(), 1)
	if err != nil || started {
		t.Fatalf("second Start = (%v, %v), want (false, nil)", started, err)
	}
	if !h.sup.IsActive(1) {
		t.Error("stream not active after Start")
	}
}

func TestSupervisorRefusesCompletedAndExpired(t *testing.T) {
	h := newHarness(t)

	reason := database.ReasonManual
	h.store.addContract(database.Contract{ID: 1, Mint: "A", Condition1: 1, Condition2: time.Now().Add(time.Hour), IsCompleted: true, CompletionReason: &reason})
	h.store.addContract(database.Contract{ID: 2, Mint: "B", Condition1: 1, Condition2: time.Now().Add(-time.Hour)})
	h.store.addContract(database.Contract{ID: 3, Mint: "C", Condition1: 1, Condition2: time.Now().Add(time.Hour)})

	for _, id := range []int64{1, 2, 3} {
		started, err := h.sup.Start(context.Background(), id)
		if started {
			t.Errorf("contract %d: started, want refusal", id)
		}
		if !errs.Is(err, errs.KindInvalidInput) {
			t.Errorf("contract %d: err = %v, want invalid_input", id, err)
		}
		if h.sup.IsActive(id) {
			t.Errorf("contract %d left registered after refusal", id)
		}
	}
}

func TestSupervisorStartUnknownContract(t *testing.T) {
	h := newHarness(t)
	started, err := h.sup.Start(context.Background(), 99)
	if started || !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("Start = (%v, %v), want (false, not_found)", started, err)
	}
}

func TestSupervisorStopUnsubscribesAndDeregisters(t *testing.T) {
	h := newHarness(t)
	h.addLiveContract(1, "MINT", "alice")

	if _, err := h.sup.Start(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if stopped, err := h.sup.Stop(context.Background(), 1); err != nil || !stopped {
		t.Fatalf("Stop = (%v, %v), want (true, nil)", stopped, err)
	}
	if h.sup.IsActive(1) {
		t.Error("stream still active after Stop")
	}
	if !waitFor(time.Second, func() bool {
		for _, m := range h.feed.unsubscribed() {
			if m == "MINT" {
				return true
			}
		}
		return false
	}) {
		t.Error("mint never unsubscribed")
	}

	// Stop is idempotent: a second stop is a no-op, not an error.
	if stopped, err := h.sup.Stop(context.Background(), 1); err != nil || stopped {
		t.Errorf("second Stop = (%v, %v), want (false, nil)", stopped, err)
	}
}

func TestSupervisorRefusesSecondStreamOnSameMint(t *testing.T) {
	h := newHarness(t)
	h.addLiveContract(1, "MINT", "alice")
	h.addLiveContract(2, "MINT", "bob")

	if _, err := h.sup.Start(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	started, err := h.sup.Start(context.Background(), 2)
	if started {
		t.Error("second stream started on an already routed mint")
	}
	if !errs.Is(err, errs.KindConflict) {
		t.Errorf("err = %v, want conflict", err)
	}
	if h.sup.IsActive(2) {
		t.Error("contract 2 left registered after refusal")
	}

	// The mint frees up once the first stream is gone.
	if _, err := h.sup.Stop(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if started, err := h.sup.Start(context.Background(), 2); err != nil || !started {
		t.Fatalf("Start after release = (%v, %v), want (true, nil)", started, err)
	}
}

func TestSupervisorBoundsPersistenceCalls(t *testing.T) {
	cfg := testSupervisorConfig()
	cfg.OpTimeout = 50 * time.Millisecond
	cfg.BaseRetryDelay = 5 * time.Millisecond
	h := newHarnessWith(t, cfg)
	h.addLiveContract(1, "MINT", "alice")
	h.store.setBlocked(true)

	t.Run("start fails instead of hanging", func(t *testing.T) {
		done := make(chan error, 1)
		go func() {
			_, err := h.sup.Start(context.Background(), 1)
			done <- err
		}()
		select {
		case err := <-done:
			if !errs.Is(err, errs.KindTransient) {
				t.Errorf("err = %v, want transient", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Start wedged on an unresponsive store")
		}
	})

	t.Run("close-out scoring is bounded", func(t *testing.T) {
		done := make(chan struct{})
		go func() {
			h.sup.scoreContract(context.Background(), 1, 0)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("scoring wedged on an unresponsive store")
		}
	})
}

func TestSupervisorBalanceReconciliationAtStart(t *testing.T) {
	h := newHarness(t)
	h.addLiveContract(1, "MINT", "alice", "bob")
	h.balance.markShort("alice")

	started, err := h.sup.Start(context.Background(), 1)
	if err != nil || !started {
		t.Fatalf("Start = (%v, %v)", started, err)
	}
	if got := h.store.userStatus(1, "alice"); got != database.StatusBroken {
		t.Errorf("alice status = %v, want BROKEN", got)
	}
	if got := h.store.userStatus(1, "bob"); got != database.StatusInProgress {
		t.Errorf("bob status = %v, want IN_PROGRESS", got)
	}
}

func TestSupervisorAllShortAtStartClosesContract(t *testing.T) {
	h := newHarness(t)
	h.addLiveContract(1, "MINT", "alice")
	h.balance.markShort("alice")

	started, err := h.sup.Start(context.Background(), 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started {
		t.Error("stream started for a contract with every signer short")
	}

	c := h.store.contract(1)
	if !c.IsCompleted || *c.CompletionReason != database.ReasonAllBroken {
		t.Errorf("contract = %+v, want completed with all_broken", c)
	}
	if !waitFor(time.Second, func() bool {
		_, ok := h.scorer.get("alice")
		return ok
	}) {
		t.Error("breaker never scored")
	}
}

func TestSupervisorStartAllPendingReconcilesExpired(t *testing.T) {
	h := newHarness(t)
	h.addLiveContract(1, "LIVE", "alice")

	h.store.addContract(database.Contract{ID: 2, Mint: "OLD", Condition1: 1e12, Condition2: time.Now().Add(-time.Hour)})
	h.store.addUserContract(database.UserContract{
		ContractID:  2,
		UserAddress: "carol",
		Supply:      500,
		Status:      database.StatusInProgress,
		SignedAt:    time.Now().Add(-60 * 24 * time.Hour),
	})

	started, err := h.sup.StartAllPending(context.Background())
	if err != nil {
		t.Fatalf("StartAllPending: %v", err)
	}
	if started != 1 {
		t.Errorf("started = %d, want 1", started)
	}
	if !h.sup.IsActive(1) {
		t.Error("live contract not started")
	}
	if h.sup.IsActive(2) {
		t.Error("expired contract has a stream")
	}

	c := h.store.contract(2)
	if !c.IsCompleted || *c.CompletionReason != database.ReasonTimeExpired {
		t.Errorf("expired contract = %+v, want completed with time_expired", c)
	}
	if got := h.store.userStatus(2, "carol"); got != database.StatusCompletedCondition2 {
		t.Errorf("carol status = %v, want COMPLETED_CONDITION2", got)
	}

	if !waitFor(time.Second, func() bool {
		ev, ok := h.scorer.get("carol")
		return ok && ev.TrueCondition == 2
	}) {
		t.Error("carol never scored on the deadline path")
	}
}

func TestSupervisorRestartResetsATH(t *testing.T) {
	h := newHarness(t)
	h.addLiveContract(1, "MINT", "alice")

	if _, err := h.sup.Start(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	h.feed.send("MINT", trade("MINT", "bob", 500, 0))
	if !waitFor(2*time.Second, func() bool {
		snaps := h.sup.List()
		return len(snaps) == 1 && snaps[0].ATHMarketCapSol == 500
	}) {
		t.Fatal("ATH never recorded")
	}

	firstSession := h.sup.List()[0].SessionID

	if err := h.sup.Restart(context.Background(), 1); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	snaps := h.sup.List()
	if len(snaps) != 1 {
		t.Fatalf("streams = %d, want 1", len(snaps))
	}
	if snaps[0].ATHMarketCapSol != 0 {
		t.Errorf("ATH = %v after restart, want 0", snaps[0].ATHMarketCapSol)
	}
	if snaps[0].SessionID == firstSession {
		t.Error("session ID unchanged after restart")
	}
}

func TestSupervisorScoresBreakersOnC1Close(t *testing.T) {
	h := newHarness(t)
	h.store.addContract(database.Contract{ID: 1, Mint: "MINT", Condition1: 100, Condition2: time.Now().Add(time.Hour)})
	h.store.addUserContract(database.UserContract{ContractID: 1, UserAddress: "alice", Supply: 1000, Status: database.StatusInProgress})
	h.store.addUserContract(database.UserContract{ContractID: 1, UserAddress: "bob", Supply: 1000, Status: database.StatusBroken})
	h.price.set(1, nil)

	if _, err := h.sup.Start(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	h.feed.send("MINT", trade("MINT", "carol", 500, 0)) // 500 USD >= 100 target

	if !waitFor(2*time.Second, func() bool { return h.store.contract(1).IsCompleted }) {
		t.Fatal("contract never completed")
	}

	if !waitFor(2*time.Second, func() bool {
		_, aok := h.scorer.get("alice")
		_, bok := h.scorer.get("bob")
		return aok && bok
	}) {
		t.Fatal("not every signer scored")
	}

	aliceEv, _ := h.scorer.get("alice")
	if !aliceEv.ContractRespected || aliceEv.TrueCondition != 1 {
		t.Errorf("alice event = %+v, want respected C1", aliceEv)
	}
	bobEv, _ := h.scorer.get("bob")
	if bobEv.ContractRespected || bobEv.TrueCondition != 1 {
		t.Errorf("bob event = %+v, want penalised C1", bobEv)
	}
	if bobEv.DiffWithCondition != aliceEv.DiffWithCondition {
		t.Errorf("diff mismatch: %v vs %v", bobEv.DiffWithCondition, aliceEv.DiffWithCondition)
	}
}

func TestSupervisorHealthSnapshot(t *testing.T) {
	h := newHarness(t)
	h.addLiveContract(1, "A", "alice")
	h.addLiveContract(2, "B", "bob")

	ctx := context.Background()
	if _, err := h.sup.Start(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := h.sup.Start(ctx, 2); err != nil {
		t.Fatal(err)
	}

	hs := h.sup.HealthCheck()
	if hs.ActiveStreams != 2 {
		t.Errorf("ActiveStreams = %d, want 2", hs.ActiveStreams)
	}
	if len(hs.Streams) != 2 || hs.Streams[0].ContractID != 1 || hs.Streams[1].ContractID != 2 {
		t.Errorf("Streams not ordered by contract ID: %+v", hs.Streams)
	}

	h.sup.StopAll(ctx)
	if got := h.sup.HealthCheck().ActiveStreams; got != 0 {
		t.Errorf("ActiveStreams after StopAll = %d, want 0", got)
	}
}

package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pump-contract-engine/internal/database"
	"pump-contract-engine/internal/errs"
	"pump-contract-engine/internal/feed"
	"pump-contract-engine/internal/oracle"
	"pump-contract-engine/internal/scoring"
)

// fakeStore is an in-memory ContractStore with repository semantics:
// conditional completion, guarded status transitions.
type fakeStore struct {
	mu        sync.Mutex
	blocked   bool
	contracts map[int64]*database.Contract
	ucs       map[string]*database.UserContract
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		contracts: make(map[int64]*database.Contract),
		ucs:       make(map[string]*database.UserContract),
	}
}

func ucKey(contractID int64, addr string) string {
	return fmt.Sprintf("%d/%s", contractID, addr)
}

func (f *fakeStore) setBlocked(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = v
}

// gate simulates an unresponsive store: when blocked, calls hang until
// the caller's deadline fires.
func (f *fakeStore) gate(ctx context.Context) error {
	f.mu.Lock()
	blocked := f.blocked
	f.mu.Unlock()
	if !blocked {
		return nil
	}
	<-ctx.Done()
	return errs.Wrap(errs.KindTransient, ctx.Err(), "store unavailable")
}

func (f *fakeStore) addContract(c database.Contract) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cc := c
	f.contracts[c.ID] = &cc
}

func (f *fakeStore) addUserContract(uc database.UserContract) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cc := uc
	f.ucs[ucKey(uc.ContractID, uc.UserAddress)] = &cc
}

func (f *fakeStore) contract(id int64) database.Contract {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.contracts[id]
}

func (f *fakeStore) userStatus(contractID int64, addr string) database.UserContractStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ucs[ucKey(contractID, addr)].Status
}

func (f *fakeStore) GetContract(ctx context.Context, id int64) (*database.Contract, error) {
	if err := f.gate(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "contract %d not found", id)
	}
	cc := *c
	return &cc, nil
}

func (f *fakeStore) ListPendingContracts(ctx context.Context) ([]*database.Contract, error) {
	if err := f.gate(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.Contract
	for _, c := range f.contracts {
		if !c.IsCompleted {
			cc := *c
			out = append(out, &cc)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkContractCompleted(ctx context.Context, id int64, reason string, at time.Time) (bool, error) {
	if err := f.gate(ctx); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[id]
	if !ok {
		return false, errs.New(errs.KindNotFound, "contract %d not found", id)
	}
	if c.IsCompleted {
		return false, nil
	}
	c.IsCompleted = true
	c.CompletionReason = &reason
	c.CompletedAt = &at
	return true, nil
}

func (f *fakeStore) GetUserContract(ctx context.Context, contractID int64, addr string) (*database.UserContract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uc, ok := f.ucs[ucKey(contractID, addr)]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "user contract not found")
	}
	cc := *uc
	return &cc, nil
}

func (f *fakeStore) ListUserContractsByContract(ctx context.Context, contractID int64) ([]*database.UserContract, error) {
	if err := f.gate(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.UserContract
	for _, uc := range f.ucs {
		if uc.ContractID == contractID {
			cc := *uc
			out = append(out, &cc)
		}
	}
	return out, nil
}

func (f *fakeStore) CountInProgress(ctx context.Context, contractID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, uc := range f.ucs {
		if uc.ContractID == contractID && uc.Status == database.StatusInProgress {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) UpdateUserContractStatus(ctx context.Context, contractID int64, addr string, status database.UserContractStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uc, ok := f.ucs[ucKey(contractID, addr)]
	if !ok {
		return false, errs.New(errs.KindNotFound, "user contract not found")
	}
	if uc.Status != database.StatusInProgress {
		return false, nil
	}
	uc.Status = status
	return true, nil
}

func (f *fakeStore) BulkUpdateStatus(ctx context.Context, contractID int64, from, to database.UserContractStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, uc := range f.ucs {
		if uc.ContractID == contractID && uc.Status == from {
			uc.Status = to
			n++
		}
	}
	return n, nil
}

// fakePrice returns a fixed price or a scripted error.
type fakePrice struct {
	mu    sync.Mutex
	price float64
	err   error
}

func (f *fakePrice) set(price float64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price, f.err = price, err
}

func (f *fakePrice) SolPriceUSD(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.price, nil
}

// fakeFeed hands out buffered channels per mint and records lifecycle calls.
type fakeFeed struct {
	mu     sync.Mutex
	subs   map[string]chan feed.TradeEvent
	unsubs []string
	fatal  chan error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		subs:  make(map[string]chan feed.TradeEvent),
		fatal: make(chan error, 1),
	}
}

func (f *fakeFeed) Connect() error { return nil }

func (f *fakeFeed) Subscribe(mint string) (<-chan feed.TradeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[mint]; ok {
		return ch, nil
	}
	ch := make(chan feed.TradeEvent, 16)
	f.subs[mint] = ch
	return ch, nil
}

func (f *fakeFeed) Unsubscribe(mint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, mint)
	if ch, ok := f.subs[mint]; ok {
		close(ch)
		delete(f.subs, mint)
	}
	return nil
}

func (f *fakeFeed) send(mint string, ev feed.TradeEvent) {
	f.mu.Lock()
	ch, ok := f.subs[mint]
	f.mu.Unlock()
	if ok {
		ch <- ev
	}
}

func (f *fakeFeed) unsubscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.unsubs))
	copy(out, f.unsubs)
	return out
}

func (f *fakeFeed) ActiveMints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m := range f.subs {
		out = append(out, m)
	}
	return out
}

func (f *fakeFeed) Fatal() <-chan error { return f.fatal }
func (f *fakeFeed) Stats() feed.Stats   { return feed.Stats{State: "connected"} }
func (f *fakeFeed) Close()              {}

// fakeBalance scripts per-wallet holding checks; unknown wallets pass.
type fakeBalance struct {
	mu    sync.Mutex
	short map[string]bool
}

func newFakeBalance() *fakeBalance {
	return &fakeBalance{short: make(map[string]bool)}
}

func (f *fakeBalance) markShort(wallet string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.short[wallet] = true
}

func (f *fakeBalance) CheckBalance(ctx context.Context, mint, wallet string, requiredHuman float64) (*oracle.BalanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &oracle.BalanceResult{OK: true, HasEnough: !f.short[wallet]}, nil
}

// fakeScorer records applied close events.
type fakeScorer struct {
	mu      sync.Mutex
	applied map[string]scoring.CloseEvent
}

func newFakeScorer() *fakeScorer {
	return &fakeScorer{applied: make(map[string]scoring.CloseEvent)}
}

func (f *fakeScorer) Apply(ctx context.Context, address string, event scoring.CloseEvent, now time.Time) (*scoring.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied[address] = event
	return &scoring.Result{Address: address, RawDelta: scoring.Delta(event, now)}, nil
}

func (f *fakeScorer) get(address string) (scoring.CloseEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.applied[address]
	return ev, ok
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

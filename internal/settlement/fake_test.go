package settlement

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

// ledger is an in-memory SettlementStore. InTx works on a copy of the state
// and only commits it when fn succeeds.
type ledger struct {
	state ledgerState

	// linkShortfall makes LinkResults report that many fewer linked orders,
	// simulating a concurrent settler.
	linkShortfall int64
	failInsert    error
}

type ledgerState struct {
	rounds      map[string]domain.Round
	orders      map[string]domain.Order
	linked      map[string]string // order id -> result id
	results     []domain.OrderResult
	changes     []domain.WalletChange
	commissions []domain.CopyTradeCommission
	remain      map[string]decimal.Decimal
	rebalanced  map[string]bool
}

func newLedger(orders ...domain.Order) *ledger {
	l := &ledger{state: ledgerState{
		rounds:     map[string]domain.Round{},
		orders:     map[string]domain.Order{},
		linked:     map[string]string{},
		remain:     map[string]decimal.Decimal{},
		rebalanced: map[string]bool{},
	}}
	for _, o := range orders {
		l.state.orders[o.ID] = o
	}
	return l
}

func (s ledgerState) clone() ledgerState {
	c := ledgerState{
		rounds:      map[string]domain.Round{},
		orders:      map[string]domain.Order{},
		linked:      map[string]string{},
		results:     append([]domain.OrderResult(nil), s.results...),
		changes:     append([]domain.WalletChange(nil), s.changes...),
		commissions: append([]domain.CopyTradeCommission(nil), s.commissions...),
		remain:      map[string]decimal.Decimal{},
		rebalanced:  map[string]bool{},
	}
	for k, v := range s.rounds {
		c.rounds[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.linked {
		c.linked[k] = v
	}
	for k, v := range s.remain {
		c.remain[k] = v
	}
	for k, v := range s.rebalanced {
		c.rebalanced[k] = v
	}
	return c
}

func (l *ledger) InTx(_ context.Context, fn func(tx domain.SettlementTx) error) error {
	tx := &ledgerTx{l: l, st: l.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	l.state = tx.st
	return nil
}

func (l *ledger) balance(walletID string) decimal.Decimal {
	sum := decimal.Zero
	for _, c := range l.state.changes {
		if c.WalletID == walletID {
			sum = sum.Add(c.Amount)
		}
	}
	return sum
}

type ledgerTx struct {
	l  *ledger
	st ledgerState
}

func roundKey(inst string, timeID int64) string { return fmt.Sprintf("%s/%d", inst, timeID) }

func (t *ledgerTx) UpsertRound(_ context.Context, r domain.Round) (domain.Round, error) {
	k := roundKey(r.InstrumentID, r.TimeID)
	if cur, ok := t.st.rounds[k]; ok {
		return cur, nil
	}
	t.st.rounds[k] = r
	return r, nil
}

func inScope(scope domain.Scope, c domain.AccountClass) bool {
	for _, ac := range scope.AccountClasses() {
		if ac == c {
			return true
		}
	}
	return false
}

func (t *ledgerTx) ListUnsettledOrders(_ context.Context, scope domain.Scope, inst string, timeID int64) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range t.st.orders {
		if o.InstrumentID != inst || o.RoundTimeID != timeID || !inScope(scope, o.AccountClass) {
			continue
		}
		if _, done := t.st.linked[o.ID]; done {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *ledgerTx) InsertResults(_ context.Context, _ domain.Scope, results []domain.OrderResult) error {
	if t.l.failInsert != nil {
		return t.l.failInsert
	}
	t.st.results = append(t.st.results, results...)
	return nil
}

func (t *ledgerTx) LinkResults(_ context.Context, _ domain.Scope, results []domain.OrderResult) (int64, error) {
	var n int64
	for _, r := range results {
		if _, done := t.st.linked[r.OrderID]; done {
			continue
		}
		t.st.linked[r.OrderID] = r.ID
		n++
	}
	return n - t.l.linkShortfall, nil
}

func (t *ledgerTx) InsertWalletChanges(_ context.Context, _ domain.Scope, changes []domain.WalletChange) error {
	t.st.changes = append(t.st.changes, changes...)
	return nil
}

func (t *ledgerTx) InsertCommissions(_ context.Context, cs []domain.CopyTradeCommission) error {
	t.st.commissions = append(t.st.commissions, cs...)
	return nil
}

func (t *ledgerTx) AdjustCopyTradeRemain(_ context.Context, deltas []domain.RemainDelta) error {
	for _, d := range deltas {
		t.st.remain[d.CopyTradeID] = t.st.remain[d.CopyTradeID].Add(d.Delta)
	}
	return nil
}

func (t *ledgerTx) MarkRebalanced(_ context.Context, inst string, timeID int64) (bool, error) {
	k := roundKey(inst, timeID)
	if t.st.rebalanced[k] {
		return false, nil
	}
	t.st.rebalanced[k] = true
	return true, nil
}

func (t *ledgerTx) ReduceBets(_ context.Context, _ domain.Scope, rs []domain.BetReduction) error {
	for _, r := range rs {
		o := t.st.orders[r.OrderID]
		o.BetAmount = o.BetAmount.Sub(r.Amount)
		t.st.orders[r.OrderID] = o
	}
	return nil
}

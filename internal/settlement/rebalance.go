package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
	"github.com/alanyoungcy/roundengine/internal/metrics"
)

// BetRefund is the part of one order's stake handed back by rebalancing.
type BetRefund struct {
	Order  domain.Order
	Amount decimal.Decimal
}

// RebalanceReport describes a committed NATURE_PLUS rebalance.
type RebalanceReport struct {
	InstrumentID string
	TimeID       int64
	Imbalance    decimal.Decimal
	Refunds      []BetRefund
	Changes      []domain.WalletChange
}

// Empty reports whether nothing was refunded.
func (r RebalanceReport) Empty() bool { return len(r.Refunds) == 0 }

// PlanRebalance decides how much of each order's stake to return so that both
// sides of the round carry equal volume. Only the over-subscribed side is
// touched: copy-trade orders first, then the most recent orders. No stake is
// reduced below zero and the total refunded equals the imbalance unless the
// over-subscribed side runs out of stake first.
func PlanRebalance(orders []domain.Order) (decimal.Decimal, []BetRefund) {
	up, down := decimal.Zero, decimal.Zero
	for _, o := range orders {
		switch o.BetType {
		case domain.BetUp:
			up = up.Add(o.BetAmount)
		case domain.BetDown:
			down = down.Add(o.BetAmount)
		}
	}
	imbalance := up.Sub(down).Abs()
	if imbalance.IsZero() {
		return imbalance, nil
	}
	over := domain.BetUp
	if down.GreaterThan(up) {
		over = domain.BetDown
	}

	var side []domain.Order
	for _, o := range orders {
		if o.BetType == over && o.BetAmount.IsPositive() {
			side = append(side, o)
		}
	}
	sort.SliceStable(side, func(i, j int) bool {
		if side[i].IsCopy() != side[j].IsCopy() {
			return side[i].IsCopy()
		}
		return side[i].CreatedAt.After(side[j].CreatedAt)
	})

	remaining := imbalance
	var refunds []BetRefund
	for _, o := range side {
		if !remaining.IsPositive() {
			break
		}
		amt := decimal.Min(o.BetAmount, remaining)
		refunds = append(refunds, BetRefund{Order: o, Amount: amt})
		remaining = remaining.Sub(amt)
	}
	return imbalance, refunds
}

// Rebalancer applies NATURE_PLUS rebalancing to live rounds.
type Rebalancer struct {
	store  domain.SettlementStore
	logger *slog.Logger
	newID  func() string
}

// NewRebalancer creates a Rebalancer.
func NewRebalancer(store domain.SettlementStore, logger *slog.Logger) *Rebalancer {
	return &Rebalancer{
		store:  store,
		logger: logger.With(slog.String("component", "rebalance")),
		newID:  uuid.NewString,
	}
}

// Rebalance reduces stakes on the over-subscribed side of the round and
// credits the difference back as INVESTING_REFUND ledger entries. Each round is
// rebalanced at most once; later calls return an empty report.
func (r *Rebalancer) Rebalance(ctx context.Context, instrumentID string, timeID int64) (RebalanceReport, error) {
	var rep RebalanceReport
	err := r.store.InTx(ctx, func(tx domain.SettlementTx) error {
		rep = RebalanceReport{InstrumentID: instrumentID, TimeID: timeID}

		first, err := tx.MarkRebalanced(ctx, instrumentID, timeID)
		if err != nil {
			return fmt.Errorf("mark rebalanced: %w", err)
		}
		if !first {
			return nil
		}

		orders, err := tx.ListUnsettledOrders(ctx, domain.ScopeLive, instrumentID, timeID)
		if err != nil {
			return fmt.Errorf("list orders: %w", err)
		}
		rep.Imbalance, rep.Refunds = PlanRebalance(orders)
		if len(rep.Refunds) == 0 {
			return nil
		}

		reductions := make([]domain.BetReduction, 0, len(rep.Refunds))
		remain := make(map[string]decimal.Decimal)
		for _, rf := range rep.Refunds {
			reductions = append(reductions, domain.BetReduction{OrderID: rf.Order.ID, Amount: rf.Amount})
			rep.Changes = append(rep.Changes, domain.WalletChange{
				ID:        r.newID(),
				WalletID:  rf.Order.WalletID,
				Amount:    rf.Amount,
				EventType: domain.LedgerInvestingRefund,
				EventID:   rf.Order.ID,
			})
			if tracksRemain(rf.Order) {
				remain[rf.Order.CopyTrade.ID] = remain[rf.Order.CopyTrade.ID].Add(rf.Amount)
			}
		}

		if err := tx.ReduceBets(ctx, domain.ScopeLive, reductions); err != nil {
			return fmt.Errorf("reduce bets: %w", err)
		}
		if err := tx.InsertWalletChanges(ctx, domain.ScopeLive, rep.Changes); err != nil {
			return fmt.Errorf("insert refunds: %w", err)
		}
		if deltas := remainDeltas(remain); len(deltas) > 0 {
			if err := tx.AdjustCopyTradeRemain(ctx, deltas); err != nil {
				return fmt.Errorf("adjust copy trade remain: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return RebalanceReport{}, fmt.Errorf("rebalance: %s/%d: %w", instrumentID, timeID, err)
	}

	if !rep.Empty() {
		metrics.Refunds.WithLabelValues(instrumentID).Add(float64(len(rep.Refunds)))
		r.logger.InfoContext(ctx, "round rebalanced",
			slog.String("instrument", instrumentID),
			slog.Int64("time_id", timeID),
			slog.String("imbalance", rep.Imbalance.String()),
			slog.Int("refunds", len(rep.Refunds)),
		)
	}
	return rep, nil
}

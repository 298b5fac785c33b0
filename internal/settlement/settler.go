package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
	"github.com/alanyoungcy/roundengine/internal/metrics"
)

// Report describes what one committed settlement wrote. A report with no
// outcomes means the round had nothing left to settle in that scope.
type Report struct {
	Scope       domain.Scope
	Round       domain.Round
	Outcomes    []OrderOutcome
	Results     []domain.OrderResult
	Changes     []domain.WalletChange
	Commissions []domain.CopyTradeCommission
	Remain      []domain.RemainDelta
	SettledAt   time.Time
}

// Empty reports whether the settlement touched no orders.
func (r Report) Empty() bool { return len(r.Results) == 0 }

// Settler settles rounds against the ledger store.
type Settler struct {
	store   domain.SettlementStore
	feeRate decimal.Decimal
	logger  *slog.Logger
	newID   func() string
	now     func() time.Time
}

// NewSettler creates a Settler paying winners stake*feeRate on top of the
// returned stake.
func NewSettler(store domain.SettlementStore, feeRate decimal.Decimal, logger *slog.Logger) *Settler {
	return &Settler{
		store:   store,
		feeRate: feeRate,
		logger:  logger.With(slog.String("component", "settlement")),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Settle writes the round row and settles every unsettled order of the round
// in scope using the final candle's outcome. It is idempotent: orders that
// already carry a result are skipped, and a concurrent settler that links any
// of the same orders first turns this attempt into a rolled back
// domain.ErrSettlementConflict.
func (s *Settler) Settle(ctx context.Context, scope domain.Scope, instrumentID string, final domain.Candle) (Report, error) {
	start := s.now()
	round := domain.Round{
		ID:           s.newID(),
		InstrumentID: instrumentID,
		TimeID:       final.TimeID,
		OpenPrice:    final.Open,
		ClosePrice:   final.Close,
		Outcome:      domain.OutcomeOf(final.Open, final.Close),
		CreatedAt:    start.UTC(),
	}

	var rep Report
	err := s.store.InTx(ctx, func(tx domain.SettlementTx) error {
		rep = Report{Scope: scope}

		stored, err := tx.UpsertRound(ctx, round)
		if err != nil {
			return fmt.Errorf("upsert round: %w", err)
		}
		rep.Round = stored

		orders, err := tx.ListUnsettledOrders(ctx, scope, instrumentID, stored.TimeID)
		if err != nil {
			return fmt.Errorf("list orders: %w", err)
		}
		if len(orders) == 0 {
			return nil
		}

		s.build(&rep, scope, orders)

		if err := tx.InsertResults(ctx, scope, rep.Results); err != nil {
			return fmt.Errorf("insert results: %w", err)
		}
		linked, err := tx.LinkResults(ctx, scope, rep.Results)
		if err != nil {
			return fmt.Errorf("link results: %w", err)
		}
		if linked != int64(len(rep.Results)) {
			return fmt.Errorf("linked %d of %d orders: %w", linked, len(rep.Results), domain.ErrSettlementConflict)
		}
		if len(rep.Changes) > 0 {
			if err := tx.InsertWalletChanges(ctx, scope, rep.Changes); err != nil {
				return fmt.Errorf("insert wallet changes: %w", err)
			}
		}
		if len(rep.Commissions) > 0 {
			if err := tx.InsertCommissions(ctx, rep.Commissions); err != nil {
				return fmt.Errorf("insert commissions: %w", err)
			}
		}
		if len(rep.Remain) > 0 {
			if err := tx.AdjustCopyTradeRemain(ctx, rep.Remain); err != nil {
				return fmt.Errorf("adjust copy trade remain: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("settlement: %s %s/%d: %w", scope, instrumentID, final.TimeID, err)
	}

	rep.SettledAt = s.now()
	metrics.SettlementDuration.WithLabelValues(string(scope)).Observe(rep.SettledAt.Sub(start).Seconds())
	metrics.RoundsSettled.WithLabelValues(instrumentID, string(scope)).Inc()
	for _, r := range rep.Results {
		metrics.OrdersSettled.WithLabelValues(string(scope), string(r.Status)).Inc()
	}

	s.logger.InfoContext(ctx, "round settled",
		slog.String("scope", string(scope)),
		slog.String("instrument", instrumentID),
		slog.Int64("time_id", rep.Round.TimeID),
		slog.String("outcome", string(rep.Round.Outcome)),
		slog.Int("orders", len(rep.Results)),
		slog.Int("commissions", len(rep.Commissions)),
	)
	return rep, nil
}

// build computes every row the transaction writes for orders.
func (s *Settler) build(rep *Report, scope domain.Scope, orders []domain.Order) {
	remain := make(map[string]decimal.Decimal)
	for _, o := range orders {
		p := Compute(o, rep.Round.Outcome, s.feeRate)
		res := domain.OrderResult{
			ID:        s.newID(),
			OrderID:   o.ID,
			RoundID:   rep.Round.ID,
			IsWin:     p.Status == domain.ResultWin,
			WinAmount: p.Amount,
			Status:    p.Status,
		}
		rep.Results = append(rep.Results, res)
		rep.Outcomes = append(rep.Outcomes, outcomeFor(o, p))

		if p.Amount.IsPositive() {
			rep.Changes = append(rep.Changes, domain.WalletChange{
				ID:        s.newID(),
				WalletID:  o.WalletID,
				Amount:    p.Amount,
				EventType: domain.LedgerOrderResult,
				EventID:   res.ID,
			})
		}

		if scope != domain.ScopeLive || !tracksRemain(o) {
			continue
		}
		if p.Commission.IsPositive() {
			rep.Commissions = append(rep.Commissions, domain.CopyTradeCommission{
				ID:            s.newID(),
				OrderID:       o.ID,
				CopierID:      o.CopyTrade.CopierID,
				LeaderID:      o.CopyTrade.LeaderID,
				CopyTradeID:   o.CopyTrade.ID,
				ProfitSharing: o.CopyTrade.ProfitSharing,
				Amount:        p.Commission,
			})
		}
		remain[o.CopyTrade.ID] = remain[o.CopyTrade.ID].Add(p.Amount.Sub(o.BetAmount))
	}
	rep.Remain = remainDeltas(remain)
}

func remainDeltas(m map[string]decimal.Decimal) []domain.RemainDelta {
	out := make([]domain.RemainDelta, 0, len(m))
	for id, delta := range m {
		if delta.IsZero() {
			continue
		}
		out = append(out, domain.RemainDelta{CopyTradeID: id, Delta: delta})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CopyTradeID < out[j].CopyTradeID })
	return out
}

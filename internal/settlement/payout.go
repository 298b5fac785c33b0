// Package settlement turns a closed round's outcome into order results, wallet
// ledger credits, copy-trade commissions and budget adjustments, all inside one
// database transaction per round and scope.
package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

// Payout is the settlement of one order, before persistence.
type Payout struct {
	Status     domain.ResultStatus
	Amount     decimal.Decimal // credited to the order's wallet
	Commission decimal.Decimal // profit share owed to the copy-trade leader
}

// Compute settles a single order against the round outcome.
//
//   - a zero stake (fully refunded by rebalancing) settles as REFUND with 0
//   - a winning bet returns stake + stake*feeRate; PROMOTION wallets only
//     receive the stake*feeRate part and copy orders on MAIN wallets hand
//     stake*profitSharing to the leader
//   - BALANCE returns the stake
//   - a losing bet returns nothing
func Compute(o domain.Order, outcome domain.Outcome, feeRate decimal.Decimal) Payout {
	bet := o.BetAmount
	if !bet.IsPositive() {
		return Payout{Status: domain.ResultRefund, Amount: decimal.Zero, Commission: decimal.Zero}
	}

	switch {
	case o.BetType.Wins(outcome):
		fee := bet.Mul(feeRate)
		if o.AccountClass == domain.AccountPromotion {
			return Payout{Status: domain.ResultWin, Amount: fee, Commission: decimal.Zero}
		}
		amount := bet.Add(fee)
		commission := decimal.Zero
		if ps, ok := profitSharing(o); ok {
			commission = bet.Mul(ps)
			amount = amount.Sub(commission)
		}
		return Payout{Status: domain.ResultWin, Amount: amount, Commission: commission}

	case outcome == domain.OutcomeBalance:
		return Payout{Status: domain.ResultDraw, Amount: bet, Commission: decimal.Zero}

	default:
		return Payout{Status: domain.ResultLose, Amount: decimal.Zero, Commission: decimal.Zero}
	}
}

// profitSharing returns the leader's share for a MAIN-wallet copy order under
// an active relation with 0 < ps <= 1.
func profitSharing(o domain.Order) (decimal.Decimal, bool) {
	if o.AccountClass != domain.AccountMain || o.CopyTrade == nil || !o.CopyTrade.Active {
		return decimal.Zero, false
	}
	ps := o.CopyTrade.ProfitSharing
	if !ps.IsPositive() || ps.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, false
	}
	return ps, true
}

// tracksRemain reports whether settling o moves a copy trade's budget.
func tracksRemain(o domain.Order) bool {
	return o.AccountClass == domain.AccountMain && o.CopyTrade != nil && o.CopyTrade.Active
}

package settlement

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

// OrderOutcome is the settled result of one order as seen by the user. The
// concrete type is one of Win, Lose, Draw or Refund.
type OrderOutcome interface {
	orderOutcome()
	Order() domain.Order
}

// Win is a winning order and the amount credited for it.
type Win struct {
	order  domain.Order
	Payout decimal.Decimal
}

// Lose is a losing order; the stake is forfeited.
type Lose struct{ order domain.Order }

// Draw is an order on a round that closed flat; the stake is returned.
type Draw struct{ order domain.Order }

// Refund is an order whose stake was fully returned before settlement.
type Refund struct{ order domain.Order }

func (Win) orderOutcome()    {}
func (Lose) orderOutcome()   {}
func (Draw) orderOutcome()   {}
func (Refund) orderOutcome() {}

func (w Win) Order() domain.Order    { return w.order }
func (l Lose) Order() domain.Order   { return l.order }
func (d Draw) Order() domain.Order   { return d.order }
func (r Refund) Order() domain.Order { return r.order }

func outcomeFor(o domain.Order, p Payout) OrderOutcome {
	switch p.Status {
	case domain.ResultWin:
		return Win{order: o, Payout: p.Amount}
	case domain.ResultDraw:
		return Draw{order: o}
	case domain.ResultRefund:
		return Refund{order: o}
	default:
		return Lose{order: o}
	}
}

// UserSummary aggregates one user's orders in a round.
type UserSummary struct {
	UserID   string
	Outcomes []OrderOutcome
}

// Totals returns the amount won (payouts of winning orders) and the amount
// lost (stakes of losing orders).
func (s UserSummary) Totals() (won, lost decimal.Decimal) {
	won, lost = decimal.Zero, decimal.Zero
	for _, oc := range s.Outcomes {
		switch v := oc.(type) {
		case Win:
			won = won.Add(v.Payout)
		case Lose:
			lost = lost.Add(v.order.BetAmount)
		}
	}
	return won, lost
}

// GroupOutcomes groups settled orders by user, ordered by user id.
func GroupOutcomes(outcomes []OrderOutcome) []UserSummary {
	byUser := make(map[string]*UserSummary)
	for _, oc := range outcomes {
		uid := oc.Order().UserID
		s, ok := byUser[uid]
		if !ok {
			s = &UserSummary{UserID: uid}
			byUser[uid] = s
		}
		s.Outcomes = append(s.Outcomes, oc)
	}

	out := make([]UserSummary, 0, len(byUser))
	for _, s := range byUser {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// TournamentProfit sums win_amount - bet_amount per user across MAIN-wallet
// orders, which is what tournament leaderboards rank on.
func TournamentProfit(outcomes []OrderOutcome) map[string]decimal.Decimal {
	profit := make(map[string]decimal.Decimal)
	for _, oc := range outcomes {
		o := oc.Order()
		if o.AccountClass != domain.AccountMain {
			continue
		}
		var won decimal.Decimal
		switch v := oc.(type) {
		case Win:
			won = v.Payout
		case Draw:
			won = o.BetAmount
		}
		profit[o.UserID] = profit[o.UserID].Add(won.Sub(o.BetAmount))
	}
	return profit
}

// Package decision implements the house policy that chooses, per round and per
// instrument, which side the close price should land on, and the price
// transforms that realise that choice on the published chart.
package decision

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

// EffectiveMode resolves AUTO_BALANCE into the mode it acts as for the given
// exposure. Every other mode is returned unchanged.
func EffectiveMode(mode domain.TradeMode, exp domain.Exposure) domain.TradeMode {
	if mode != domain.ModeAutoBalance {
		return mode
	}
	owed := exp.WinPayout.Add(exp.InsurancePayout).Add(exp.Cut)
	if owed.GreaterThanOrEqual(exp.TotalStaked) {
		return domain.ModeAutoGain
	}
	return domain.ModeNature
}

// Decide maps an effective mode and the round's staked volumes onto a
// decision. AUTO_GAIN favours the side with less money on it; any other
// biasing mode favours the side with more. Missing or equal volumes leave the
// round undecided.
func Decide(mode domain.TradeMode, exp domain.Exposure) domain.Decision {
	switch mode {
	case domain.ModeNature, domain.ModeNaturePlus:
		return domain.DecisionNone
	}
	if exp.Up == nil || exp.Down == nil {
		return domain.DecisionNone
	}
	up, down := *exp.Up, *exp.Down
	if up.Equal(down) {
		return domain.DecisionNone
	}

	lowerIsUp := up.LessThan(down)
	if mode == domain.ModeAutoGain {
		if lowerIsUp {
			return domain.DecisionUp
		}
		return domain.DecisionDown
	}
	if lowerIsUp {
		return domain.DecisionDown
	}
	return domain.DecisionUp
}

// smoothing is the share of the raw market move pulled back towards the open
// on the first seconds of every window.
var smoothing = map[int]decimal.Decimal{
	30: decimal.NewFromInt(1),
	29: decimal.RequireFromString("0.9"),
	28: decimal.RequireFromString("0.5"),
	27: decimal.RequireFromString("0.35"),
}

// Smooth damps the opening jump of a window: at countdown 30, 29, 28 and 27 the
// price is moved 100%, 90%, 50% and 35% of the way back to open.
func Smooth(countdown int, market, open decimal.Decimal) decimal.Decimal {
	pct, ok := smoothing[countdown]
	if !ok || open.IsZero() {
		return market
	}
	return market.Sub(market.Sub(open).Mul(pct))
}

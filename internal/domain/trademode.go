package domain

import "strings"

// TradeMode is the house policy for biasing round outcomes.
type TradeMode string

const (
	ModeNature      TradeMode = "NATURE"
	ModeAutoBalance TradeMode = "AUTO_BALANCE"
	ModeAutoGain    TradeMode = "AUTO_GAIN"
	ModeAutoLoss    TradeMode = "AUTO_LOSS"
	ModeNaturePlus  TradeMode = "NATURE_PLUS"
)

// DefaultTradeMode is used whenever the configured value is not recognised.
const DefaultTradeMode = ModeAutoGain

// ParseTradeMode normalises s. Unknown values fall back to DefaultTradeMode
// and ok is false.
func ParseTradeMode(s string) (mode TradeMode, ok bool) {
	switch m := TradeMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModeNature, ModeAutoBalance, ModeAutoGain, ModeAutoLoss, ModeNaturePlus:
		return m, true
	default:
		return DefaultTradeMode, false
	}
}

// Decision is the side chosen for a round before it closes.
type Decision string

const (
	DecisionNone    Decision = ""
	DecisionUp      Decision = "UP"
	DecisionDown    Decision = "DOWN"
	DecisionBalance Decision = "BALANCE"
)

// ParseDecision returns DecisionNone for anything it does not recognise.
func ParseDecision(s string) Decision {
	switch d := Decision(strings.ToUpper(strings.TrimSpace(s))); d {
	case DecisionUp, DecisionDown, DecisionBalance:
		return d
	default:
		return DecisionNone
	}
}

// DecisionState is the per-round, per-instrument cached decision together with
// the countdown second at which price interception starts.
type DecisionState struct {
	Decision    Decision
	InterceptAt int
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BetType is the side an order bets on.
type BetType string

const (
	BetUp   BetType = "UP"
	BetDown BetType = "DOWN"
)

// Wins reports whether a bet on this side wins under the given outcome.
func (b BetType) Wins(o Outcome) bool {
	return string(b) == string(o)
}

// AccountClass selects which wallet family an order was placed from.
type AccountClass string

const (
	AccountMain      AccountClass = "MAIN"
	AccountPromotion AccountClass = "PROMOTION"
	AccountDemo      AccountClass = "DEMO"
)

// CopyTradeLink is the copy-trade relation an order was mirrored under.
type CopyTradeLink struct {
	ID            string
	LeaderID      string
	CopierID      string
	ProfitSharing decimal.Decimal
	Active        bool
}

// Order is created outside the engine before the round locks and is read-only
// input to settlement. Only NATURE_PLUS rebalancing reduces BetAmount.
type Order struct {
	ID           string
	UserID       string
	WalletID     string
	InstrumentID string
	RoundTimeID  int64
	BetType      BetType
	BetAmount    decimal.Decimal
	AccountClass AccountClass
	CopyTrade    *CopyTradeLink
	CreatedAt    time.Time
}

// IsCopy reports whether the order belongs to a copy-trade relation.
func (o Order) IsCopy() bool {
	return o.CopyTrade != nil
}

// ResultStatus is the settled state of an order.
type ResultStatus string

const (
	ResultWin    ResultStatus = "WIN"
	ResultDraw   ResultStatus = "DRAW"
	ResultLose   ResultStatus = "LOSE"
	ResultRefund ResultStatus = "REFUND"
)

// OrderResult is append-only; exactly one exists per settled order.
type OrderResult struct {
	ID        string
	OrderID   string
	RoundID   string
	IsWin     bool
	WinAmount decimal.Decimal
	Status    ResultStatus
}

// CopyTradeCommission records the profit share a copier owes a leader.
type CopyTradeCommission struct {
	ID            string
	OrderID       string
	CopierID      string
	LeaderID      string
	CopyTradeID   string
	ProfitSharing decimal.Decimal
	Amount        decimal.Decimal
}

// RemainDelta is a signed adjustment to a copy trade's remaining budget.
type RemainDelta struct {
	CopyTradeID string
	Delta       decimal.Decimal
}

// BetReduction shrinks an order's stake during NATURE_PLUS rebalancing.
type BetReduction struct {
	OrderID string
	Amount  decimal.Decimal
}

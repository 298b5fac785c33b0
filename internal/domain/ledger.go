package domain

import "github.com/shopspring/decimal"

// LedgerEvent names what produced a wallet change.
type LedgerEvent string

const (
	LedgerOrder           LedgerEvent = "ORDER"
	LedgerOrderResult     LedgerEvent = "ORDER_RESULT"
	LedgerInvestingRefund LedgerEvent = "INVESTING_REFUND"
)

// WalletChange is an append-only signed balance delta. A wallet's balance is
// the sum of its entries; entries are never updated or deleted.
type WalletChange struct {
	ID        string
	WalletID  string
	Amount    decimal.Decimal
	EventType LedgerEvent
	EventID   string
}

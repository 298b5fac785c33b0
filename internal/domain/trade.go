package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one print from the inbound market feed, or a synthetic print
// generated when an instrument had no fresh trade in a cycle.
type Trade struct {
	Symbol       string
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	IsBuyerMaker bool
	TradeTime    time.Time
	Synthetic    bool
}

// Candle is the OHLCV summary of one 30-second window for one instrument.
type Candle struct {
	Pair   string          `json:"pair"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	Date   int64           `json:"date"`
	Final  bool            `json:"f"`
	Type   Outcome         `json:"type,omitempty"`
	TimeID int64           `json:"timeId"`
}

package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Scope selects the table family settlement runs against. Demo orders settle
// through a structurally identical pipeline on demo-scoped tables.
type Scope string

const (
	ScopeLive Scope = "live"
	ScopeDemo Scope = "demo"
)

// AccountClasses lists the account classes settled within the scope.
func (s Scope) AccountClasses() []AccountClass {
	if s == ScopeDemo {
		return []AccountClass{AccountDemo}
	}
	return []AccountClass{AccountMain, AccountPromotion}
}

// SettlementTx is the set of ledger mutations available inside one atomic
// settlement transaction.
type SettlementTx interface {
	// UpsertRound inserts the round or, on a (time_id, instrument_id)
	// conflict, returns the row that already exists.
	UpsertRound(ctx context.Context, r Round) (Round, error)
	// ListUnsettledOrders returns orders for the round with no linked result,
	// locking them for the rest of the transaction.
	ListUnsettledOrders(ctx context.Context, scope Scope, instrumentID string, timeID int64) ([]Order, error)
	InsertResults(ctx context.Context, scope Scope, results []OrderResult) error
	// LinkResults points each order at its result and returns how many orders
	// were linked. Orders that already carry a result are left untouched.
	LinkResults(ctx context.Context, scope Scope, results []OrderResult) (int64, error)
	InsertWalletChanges(ctx context.Context, scope Scope, changes []WalletChange) error
	InsertCommissions(ctx context.Context, commissions []CopyTradeCommission) error
	// AdjustCopyTradeRemain adds each delta to the remain of an active copy trade.
	AdjustCopyTradeRemain(ctx context.Context, deltas []RemainDelta) error
	// MarkRebalanced records that NATURE_PLUS rebalancing ran for the round and
	// reports false when it had already been recorded.
	MarkRebalanced(ctx context.Context, instrumentID string, timeID int64) (bool, error)
	ReduceBets(ctx context.Context, scope Scope, reductions []BetReduction) error
}

// SettlementStore runs fn inside a single database transaction. Any error
// returned by fn rolls the whole transaction back.
type SettlementStore interface {
	InTx(ctx context.Context, fn func(tx SettlementTx) error) error
}

// OrderReader reads orders outside of a settlement transaction.
type OrderReader interface {
	ListRoundOrders(ctx context.Context, scope Scope, instrumentID string, timeID int64) ([]Order, error)
}

// Exposure is the read-only ledger snapshot the decision engine works from.
// Up and Down are nil when no orders exist on that side.
type Exposure struct {
	Up              *decimal.Decimal
	Down            *decimal.Decimal
	TotalStaked     decimal.Decimal
	WinPayout       decimal.Decimal
	InsurancePayout decimal.Decimal
	Cut             decimal.Decimal
}

// ExposureReader produces the exposure snapshot for one round.
type ExposureReader interface {
	RoundExposure(ctx context.Context, instrumentID string, timeID int64) (Exposure, error)
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

// tables names the table family a scope settles against.
type tables struct {
	orders  string
	results string
	changes string
}

func tablesFor(scope domain.Scope) tables {
	if scope == domain.ScopeDemo {
		return tables{orders: "demo_orders", results: "demo_order_results", changes: "demo_wallet_changes"}
	}
	return tables{orders: "orders", results: "order_results", changes: "wallet_changes"}
}

func accountClasses(scope domain.Scope) []string {
	classes := scope.AccountClasses()
	out := make([]string, len(classes))
	for i, c := range classes {
		out[i] = string(c)
	}
	return out
}

// SettlementStore implements domain.SettlementStore.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a SettlementStore backed by pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// InTx runs fn in a READ COMMITTED transaction, committing only when fn
// returns nil.
func (s *SettlementStore) InTx(ctx context.Context, fn func(tx domain.SettlementTx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&settlementTx{tx: tx})
	})
}

type settlementTx struct {
	tx pgx.Tx
}

// UpsertRound inserts the round; on a (time_id, instrument_id) conflict the
// no-op update makes RETURNING yield the existing row.
func (t *settlementTx) UpsertRound(ctx context.Context, r domain.Round) (domain.Round, error) {
	const q = `
		INSERT INTO rounds (id, instrument_id, time_id, open_price, close_price, outcome, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (time_id, instrument_id) DO UPDATE SET time_id = EXCLUDED.time_id
		RETURNING id::text, instrument_id, time_id, open_price, close_price, outcome, created_at`

	var (
		out         domain.Round
		open, close pgtype.Numeric
		outcome     string
	)
	err := t.tx.QueryRow(ctx, q,
		r.ID, r.InstrumentID, r.TimeID, numeric(r.OpenPrice), numeric(r.ClosePrice), string(r.Outcome), r.CreatedAt,
	).Scan(&out.ID, &out.InstrumentID, &out.TimeID, &open, &close, &outcome, &out.CreatedAt)
	if err != nil {
		return domain.Round{}, fmt.Errorf("postgres: upsert round %s/%d: %w", r.InstrumentID, r.TimeID, err)
	}
	if out.OpenPrice, err = toDecimal(open); err != nil {
		return domain.Round{}, err
	}
	if out.ClosePrice, err = toDecimal(close); err != nil {
		return domain.Round{}, err
	}
	out.Outcome = domain.Outcome(outcome)
	return out, nil
}

// ListUnsettledOrders locks the round's unsettled orders. Rows another
// transaction already holds are skipped rather than waited on.
func (t *settlementTx) ListUnsettledOrders(ctx context.Context, scope domain.Scope, instrumentID string, timeID int64) ([]domain.Order, error) {
	q := orderSelect(tablesFor(scope).orders) + `
		WHERE o.instrument_id = $1 AND o.round_time_id = $2
		  AND o.account_class = ANY($3) AND o.result_id IS NULL
		ORDER BY o.created_at, o.id
		FOR UPDATE OF o SKIP LOCKED`

	rows, err := t.tx.Query(ctx, q, instrumentID, timeID, accountClasses(scope))
	if err != nil {
		return nil, fmt.Errorf("postgres: list unsettled orders: %w", err)
	}
	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan unsettled orders: %w", err)
	}
	return orders, nil
}

// InsertResults bulk-loads the results with COPY.
func (t *settlementTx) InsertResults(ctx context.Context, scope domain.Scope, results []domain.OrderResult) error {
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{tablesFor(scope).results},
		[]string{"id", "order_id", "round_id", "is_win", "win_amount", "status"},
		pgx.CopyFromSlice(len(results), func(i int) ([]any, error) {
			r := results[i]
			id, err := uuidOf(r.ID)
			if err != nil {
				return nil, err
			}
			orderID, err := uuidOf(r.OrderID)
			if err != nil {
				return nil, err
			}
			roundID, err := uuidOf(r.RoundID)
			if err != nil {
				return nil, err
			}
			return []any{id, orderID, roundID, r.IsWin, numeric(r.WinAmount), string(r.Status)}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("postgres: copy order results: %w", err)
	}
	return nil
}

// LinkResults sets result_id on orders that still have none.
func (t *settlementTx) LinkResults(ctx context.Context, scope domain.Scope, results []domain.OrderResult) (int64, error) {
	orderIDs := make([]string, len(results))
	resultIDs := make([]string, len(results))
	for i, r := range results {
		orderIDs[i] = r.OrderID
		resultIDs[i] = r.ID
	}
	q := `
		UPDATE ` + tablesFor(scope).orders + ` AS o
		SET result_id = v.result_id::uuid
		FROM unnest($1::text[], $2::text[]) AS v(order_id, result_id)
		WHERE o.id = v.order_id::uuid AND o.result_id IS NULL`

	tag, err := t.tx.Exec(ctx, q, orderIDs, resultIDs)
	if err != nil {
		return 0, fmt.Errorf("postgres: link order results: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertWalletChanges appends ledger entries with COPY.
func (t *settlementTx) InsertWalletChanges(ctx context.Context, scope domain.Scope, changes []domain.WalletChange) error {
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{tablesFor(scope).changes},
		[]string{"id", "wallet_id", "amount", "event_type", "event_id"},
		pgx.CopyFromSlice(len(changes), func(i int) ([]any, error) {
			c := changes[i]
			id, err := uuidOf(c.ID)
			if err != nil {
				return nil, err
			}
			return []any{id, c.WalletID, numeric(c.Amount), string(c.EventType), c.EventID}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("postgres: copy wallet changes: %w", err)
	}
	return nil
}

// InsertCommissions appends copy-trade commissions with COPY.
func (t *settlementTx) InsertCommissions(ctx context.Context, commissions []domain.CopyTradeCommission) error {
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"copy_trade_commissions"},
		[]string{"id", "order_id", "copier_id", "leader_id", "copy_trade_id", "profit_sharing", "amount"},
		pgx.CopyFromSlice(len(commissions), func(i int) ([]any, error) {
			c := commissions[i]
			id, err := uuidOf(c.ID)
			if err != nil {
				return nil, err
			}
			orderID, err := uuidOf(c.OrderID)
			if err != nil {
				return nil, err
			}
			ctID, err := uuidOf(c.CopyTradeID)
			if err != nil {
				return nil, err
			}
			return []any{id, orderID, c.CopierID, c.LeaderID, ctID, numeric(c.ProfitSharing), numeric(c.Amount)}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("postgres: copy commissions: %w", err)
	}
	return nil
}

// AdjustCopyTradeRemain applies every delta in one statement. Inactive copy
// trades are left untouched.
func (t *settlementTx) AdjustCopyTradeRemain(ctx context.Context, deltas []domain.RemainDelta) error {
	ids := make([]string, len(deltas))
	amounts := make([]pgtype.Numeric, len(deltas))
	for i, d := range deltas {
		ids[i] = d.CopyTradeID
		amounts[i] = numeric(d.Delta)
	}
	const q = `
		UPDATE copy_trades AS ct
		SET remain = ct.remain + v.delta, updated_at = NOW()
		FROM unnest($1::text[], $2::numeric[]) AS v(id, delta)
		WHERE ct.id = v.id::uuid AND ct.active`

	if _, err := t.tx.Exec(ctx, q, ids, amounts); err != nil {
		return fmt.Errorf("postgres: adjust copy trade remain: %w", err)
	}
	return nil
}

// MarkRebalanced claims the round for rebalancing.
func (t *settlementTx) MarkRebalanced(ctx context.Context, instrumentID string, timeID int64) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO round_rebalances (instrument_id, time_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		instrumentID, timeID)
	if err != nil {
		return false, fmt.Errorf("postgres: mark rebalanced %s/%d: %w", instrumentID, timeID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// errStakeChanged is returned when an order no longer has the stake the
// rebalance plan was computed from.
var errStakeChanged = errors.New("order stake changed during rebalance")

// ReduceBets lowers each order's stake in one batch round trip. Every update
// must hit exactly one unsettled order holding at least the reduced amount.
func (t *settlementTx) ReduceBets(ctx context.Context, scope domain.Scope, reductions []domain.BetReduction) error {
	q := `
		UPDATE ` + tablesFor(scope).orders + `
		SET bet_amount = bet_amount - $2
		WHERE id = $1::uuid AND result_id IS NULL AND bet_amount >= $2`

	batch := &pgx.Batch{}
	for _, r := range reductions {
		batch.Queue(q, r.OrderID, numeric(r.Amount))
	}
	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()

	for _, r := range reductions {
		tag, err := br.Exec()
		if err != nil {
			return fmt.Errorf("postgres: reduce bet %s: %w", r.OrderID, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("postgres: reduce bet %s: %w", r.OrderID, errStakeChanged)
		}
	}
	return nil
}

// Compile-time interface checks.
var (
	_ domain.SettlementStore = (*SettlementStore)(nil)
	_ domain.SettlementTx    = (*settlementTx)(nil)
)

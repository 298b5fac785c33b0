package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

// orderSelect is the common projection for orders joined with their copy
// trade. The copy trade columns are NULL for ordinary orders.
func orderSelect(table string) string {
	return `
		SELECT o.id::text, o.user_id, o.wallet_id, o.instrument_id, o.round_time_id,
		       o.bet_type, o.bet_amount, o.account_class, o.created_at,
		       ct.id::text, ct.leader_id, ct.copier_id, ct.profit_sharing, ct.active
		FROM ` + table + ` AS o
		LEFT JOIN copy_trades AS ct ON ct.id = o.copy_trade_id`
}

func scanOrders(rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var (
			o                        domain.Order
			betType, class           string
			bet, sharing             pgtype.Numeric
			ctID, leaderID, copierID *string
			active                   *bool
		)
		if err := rows.Scan(
			&o.ID, &o.UserID, &o.WalletID, &o.InstrumentID, &o.RoundTimeID,
			&betType, &bet, &class, &o.CreatedAt,
			&ctID, &leaderID, &copierID, &sharing, &active,
		); err != nil {
			return nil, err
		}
		o.BetType = domain.BetType(betType)
		o.AccountClass = domain.AccountClass(class)

		var err error
		if o.BetAmount, err = toDecimal(bet); err != nil {
			return nil, err
		}
		if ctID != nil {
			link := &domain.CopyTradeLink{ID: *ctID}
			if leaderID != nil {
				link.LeaderID = *leaderID
			}
			if copierID != nil {
				link.CopierID = *copierID
			}
			if active != nil {
				link.Active = *active
			}
			if link.ProfitSharing, err = toDecimal(sharing); err != nil {
				return nil, err
			}
			o.CopyTrade = link
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// OrderStore implements domain.OrderReader and domain.ExposureReader.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// ListRoundOrders returns every order of the round in the scope, settled or
// not, without locking.
func (s *OrderStore) ListRoundOrders(ctx context.Context, scope domain.Scope, instrumentID string, timeID int64) ([]domain.Order, error) {
	q := orderSelect(tablesFor(scope).orders) + `
		WHERE o.instrument_id = $1 AND o.round_time_id = $2 AND o.account_class = ANY($3)
		ORDER BY o.created_at, o.id`

	rows, err := s.pool.Query(ctx, q, instrumentID, timeID, accountClasses(scope))
	if err != nil {
		return nil, fmt.Errorf("postgres: list round orders %s/%d: %w", instrumentID, timeID, err)
	}
	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan round orders: %w", err)
	}
	return orders, nil
}

// RoundExposure reads the per-side volume of the round together with the
// house totals AUTO_BALANCE compares against. All reads share one snapshot.
func (s *OrderStore) RoundExposure(ctx context.Context, instrumentID string, timeID int64) (domain.Exposure, error) {
	const sideQ = `
		SELECT bet_type, SUM(bet_amount)
		FROM orders
		WHERE instrument_id = $1 AND round_time_id = $2 AND account_class = ANY($3)
		GROUP BY bet_type`

	const totalsQ = `
		SELECT
			(SELECT COALESCE(SUM(bet_amount), 0) FROM orders WHERE account_class = 'MAIN'),
			(SELECT COALESCE(SUM(r.win_amount), 0)
			   FROM order_results AS r JOIN orders AS o ON o.id = r.order_id
			  WHERE r.status = 'WIN' AND o.account_class = 'MAIN'),
			(SELECT COALESCE(SUM(amount), 0) FROM insurance_payouts),
			(SELECT COALESCE(SUM(amount), 0) FROM platform_cuts)`

	var exp domain.Exposure
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sideQ, instrumentID, timeID, accountClasses(domain.ScopeLive))
		if err != nil {
			return fmt.Errorf("side volume: %w", err)
		}
		var (
			side string
			sum  pgtype.Numeric
		)
		_, err = pgx.ForEachRow(rows, []any{&side, &sum}, func() error {
			v, err := toDecimal(sum)
			if err != nil {
				return err
			}
			switch domain.BetType(side) {
			case domain.BetUp:
				exp.Up = &v
			case domain.BetDown:
				exp.Down = &v
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("side volume: %w", err)
		}

		var staked, win, insurance, cut pgtype.Numeric
		if err := tx.QueryRow(ctx, totalsQ).Scan(&staked, &win, &insurance, &cut); err != nil {
			return fmt.Errorf("house totals: %w", err)
		}
		for _, p := range []struct {
			dst *decimal.Decimal
			src pgtype.Numeric
		}{
			{&exp.TotalStaked, staked},
			{&exp.WinPayout, win},
			{&exp.InsurancePayout, insurance},
			{&exp.Cut, cut},
		} {
			if *p.dst, err = toDecimal(p.src); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Exposure{}, fmt.Errorf("postgres: round exposure %s/%d: %w", instrumentID, timeID, err)
	}
	return exp, nil
}

// Compile-time interface checks.
var (
	_ domain.OrderReader    = (*OrderStore)(nil)
	_ domain.ExposureReader = (*OrderStore)(nil)
)

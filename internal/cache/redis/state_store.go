package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

// Round-scoped keys outlive the round by a comfortable margin so a retried
// settlement still finds its final candle.
const (
	decisionTTL = 30 * time.Minute
	candleTTL   = 2 * time.Hour
)

// StateStore implements domain.StateStore. Keys:
//
//	{prefix}:trade_mode                       string
//	{prefix}:forced:{instrument}              string
//	{prefix}:decision:{instrument}:{timeId}   JSON, SET NX
//	{prefix}:open:{instrument}                decimal string
//	{prefix}:candle:{instrument}:{timeId}     JSON, SET NX
type StateStore struct {
	c *Client
}

// NewStateStore creates a StateStore backed by c.
func NewStateStore(c *Client) *StateStore {
	return &StateStore{c: c}
}

type decisionState struct {
	Decision    domain.Decision `json:"decision"`
	InterceptAt int             `json:"interceptAt"`
}

func (s *StateStore) roundKey(kind, instrumentID string, timeID int64) string {
	return s.c.Key(kind, instrumentID, strconv.FormatInt(timeID, 10))
}

func (s *StateStore) get(ctx context.Context, key string) (string, error) {
	v, err := s.c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis: get %s: %w", key, err)
	}
	return v, nil
}

// TradeMode returns the raw configured trade mode.
func (s *StateStore) TradeMode(ctx context.Context) (string, error) {
	return s.get(ctx, s.c.Key("trade_mode"))
}

// SetTradeMode stores the trade mode shared by all instances.
func (s *StateStore) SetTradeMode(ctx context.Context, mode domain.TradeMode) error {
	if err := s.c.rdb.Set(ctx, s.c.Key("trade_mode"), string(mode), 0).Err(); err != nil {
		return fmt.Errorf("redis: set trade mode: %w", err)
	}
	return nil
}

// ForcedDecision returns the operator override for instrumentID, if any.
func (s *StateStore) ForcedDecision(ctx context.Context, instrumentID string) (domain.Decision, error) {
	v, err := s.get(ctx, s.c.Key("forced", instrumentID))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.DecisionNone, nil
	}
	if err != nil {
		return domain.DecisionNone, err
	}
	return domain.ParseDecision(v), nil
}

// SetForcedDecision stores or, for DecisionNone, clears the override.
func (s *StateStore) SetForcedDecision(ctx context.Context, instrumentID string, d domain.Decision) error {
	key := s.c.Key("forced", instrumentID)
	var err error
	if d == domain.DecisionNone {
		err = s.c.rdb.Del(ctx, key).Err()
	} else {
		err = s.c.rdb.Set(ctx, key, string(d), 0).Err()
	}
	if err != nil {
		return fmt.Errorf("redis: set forced decision %s: %w", instrumentID, err)
	}
	return nil
}

// InitRoundDecision stores st with SET NX and returns whichever state won.
func (s *StateStore) InitRoundDecision(ctx context.Context, instrumentID string, timeID int64, st domain.DecisionState) (domain.DecisionState, error) {
	key := s.roundKey("decision", instrumentID, timeID)
	raw, err := json.Marshal(decisionState{Decision: st.Decision, InterceptAt: st.InterceptAt})
	if err != nil {
		return domain.DecisionState{}, fmt.Errorf("redis: marshal decision: %w", err)
	}
	ok, err := s.c.rdb.SetNX(ctx, key, raw, decisionTTL).Result()
	if err != nil {
		return domain.DecisionState{}, fmt.Errorf("redis: init decision %s: %w", key, err)
	}
	if ok {
		return st, nil
	}
	return s.RoundDecision(ctx, instrumentID, timeID)
}

// RoundDecision returns the stored decision for the round.
func (s *StateStore) RoundDecision(ctx context.Context, instrumentID string, timeID int64) (domain.DecisionState, error) {
	v, err := s.get(ctx, s.roundKey("decision", instrumentID, timeID))
	if err != nil {
		return domain.DecisionState{}, err
	}
	var st decisionState
	if err := json.Unmarshal([]byte(v), &st); err != nil {
		return domain.DecisionState{}, fmt.Errorf("redis: decode decision: %w", err)
	}
	return domain.DecisionState{Decision: domain.ParseDecision(string(st.Decision)), InterceptAt: st.InterceptAt}, nil
}

// ClearRoundDecision removes the round's decision.
func (s *StateStore) ClearRoundDecision(ctx context.Context, instrumentID string, timeID int64) error {
	if err := s.c.rdb.Del(ctx, s.roundKey("decision", instrumentID, timeID)).Err(); err != nil {
		return fmt.Errorf("redis: clear decision: %w", err)
	}
	return nil
}

// OpenPrice returns the close carried over from the previous window.
func (s *StateStore) OpenPrice(ctx context.Context, instrumentID string) (decimal.Decimal, error) {
	v, err := s.get(ctx, s.c.Key("open", instrumentID))
	if err != nil {
		return decimal.Zero, err
	}
	p, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: parse open price %s: %w", instrumentID, err)
	}
	return p, nil
}

// SetOpenPrice stores the open price for the next window.
func (s *StateStore) SetOpenPrice(ctx context.Context, instrumentID string, price decimal.Decimal) error {
	if err := s.c.rdb.Set(ctx, s.c.Key("open", instrumentID), price.String(), 0).Err(); err != nil {
		return fmt.Errorf("redis: set open price %s: %w", instrumentID, err)
	}
	return nil
}

// FinalCandle returns the stored final candle of a round.
func (s *StateStore) FinalCandle(ctx context.Context, instrumentID string, timeID int64) (domain.Candle, error) {
	v, err := s.get(ctx, s.roundKey("candle", instrumentID, timeID))
	if err != nil {
		return domain.Candle{}, err
	}
	var c domain.Candle
	if err := json.Unmarshal([]byte(v), &c); err != nil {
		return domain.Candle{}, fmt.Errorf("redis: decode candle: %w", err)
	}
	return c, nil
}

// SaveFinalCandle stores c with SET NX and returns whichever candle won.
func (s *StateStore) SaveFinalCandle(ctx context.Context, instrumentID string, c domain.Candle) (domain.Candle, error) {
	key := s.roundKey("candle", instrumentID, c.TimeID)
	raw, err := json.Marshal(c)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("redis: marshal candle: %w", err)
	}
	ok, err := s.c.rdb.SetNX(ctx, key, raw, candleTTL).Result()
	if err != nil {
		return domain.Candle{}, fmt.Errorf("redis: save candle %s: %w", key, err)
	}
	if ok {
		return c, nil
	}
	return s.FinalCandle(ctx, instrumentID, c.TimeID)
}

// Compile-time interface check.
var _ domain.StateStore = (*StateStore)(nil)

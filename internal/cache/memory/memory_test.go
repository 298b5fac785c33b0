package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

func TestStateStore_ExpiresRoundEntries(t *testing.T) {
	ctx := context.Background()
	s := NewStateStore()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	for id := int64(1); id <= 3; id++ {
		_, err := s.SaveFinalCandle(ctx, "BTC", domain.Candle{TimeID: id, Close: decimal.NewFromInt(id), Final: true})
		require.NoError(t, err)
	}
	_, err := s.InitRoundDecision(ctx, "BTC", 1, domain.DecisionState{Decision: domain.DecisionUp, InterceptAt: 10})
	require.NoError(t, err)

	c, err := s.FinalCandle(ctx, "BTC", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.TimeID)

	now = now.Add(DecisionTTL)
	_, err = s.RoundDecision(ctx, "BTC", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.FinalCandle(ctx, "BTC", 2)
	require.NoError(t, err, "candles outlive decisions")

	now = now.Add(CandleTTL)
	_, err = s.FinalCandle(ctx, "BTC", 2)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// The next write sweeps everything that expired.
	_, err = s.SaveFinalCandle(ctx, "BTC", domain.Candle{TimeID: 4, Final: true})
	require.NoError(t, err)
	decisions, finals := s.Len()
	assert.Equal(t, 0, decisions)
	assert.Equal(t, 1, finals)
}

func TestStateStore_ExpiredCandleCanBeReplaced(t *testing.T) {
	ctx := context.Background()
	s := NewStateStore()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	_, err := s.SaveFinalCandle(ctx, "BTC", domain.Candle{TimeID: 7, Close: decimal.NewFromInt(1)})
	require.NoError(t, err)
	now = now.Add(CandleTTL + time.Second)

	stored, err := s.SaveFinalCandle(ctx, "BTC", domain.Candle{TimeID: 7, Close: decimal.NewFromInt(2)})
	require.NoError(t, err)
	assert.True(t, stored.Close.Equal(decimal.NewFromInt(2)))
}

func TestSignalBus_StreamKeepsNewestEntries(t *testing.T) {
	ctx := context.Background()
	b := NewBoundedSignalBus(3)

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.StreamAppend(ctx, "jobs", []byte(fmt.Sprintf("job-%d", i))))
	}

	all, err := b.StreamRead(ctx, "jobs", "0", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "3-0", all[0].ID)
	assert.Equal(t, "job-5", string(all[2].Payload))

	// A cursor that points at a trimmed entry resumes at the oldest kept one.
	after, err := b.StreamRead(ctx, "jobs", "1-0", 10)
	require.NoError(t, err)
	require.Len(t, after, 3)
	assert.Equal(t, "3-0", after[0].ID)

	tail, err := b.StreamRead(ctx, "jobs", "4-0", 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "5-0", tail[0].ID)

	none, err := b.StreamRead(ctx, "jobs", "5-0", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

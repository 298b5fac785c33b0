package decision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundengine/internal/cache/memory"
	"github.com/alanyoungcy/roundengine/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func vol(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type fakeExposure struct {
	exp   domain.Exposure
	err   error
	calls int
}

func (f *fakeExposure) RoundExposure(context.Context, string, int64) (domain.Exposure, error) {
	f.calls++
	return f.exp, f.err
}

func newTestEngine(state domain.StateStore, exp domain.ExposureReader) *Engine {
	return NewEngine(state, exp, Config{
		InterceptMin: 5,
		InterceptMax: 25,
		PriceStep:    d("0.01"),
	}, rand.New(rand.NewPCG(42, 7)), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		mode domain.TradeMode
		up   *decimal.Decimal
		down *decimal.Decimal
		want domain.Decision
	}{
		{"gain favours lower up", domain.ModeAutoGain, vol("50"), vol("100"), domain.DecisionUp},
		{"gain favours lower down", domain.ModeAutoGain, vol("100"), vol("50"), domain.DecisionDown},
		{"loss favours higher up", domain.ModeAutoLoss, vol("100"), vol("50"), domain.DecisionUp},
		{"loss favours higher down", domain.ModeAutoLoss, vol("50"), vol("100"), domain.DecisionDown},
		{"equal volumes", domain.ModeAutoGain, vol("10"), vol("10"), domain.DecisionNone},
		{"no up side", domain.ModeAutoGain, nil, vol("10"), domain.DecisionNone},
		{"no down side", domain.ModeAutoLoss, vol("10"), nil, domain.DecisionNone},
		{"nature", domain.ModeNature, vol("1"), vol("100"), domain.DecisionNone},
		{"nature plus", domain.ModeNaturePlus, vol("1"), vol("100"), domain.DecisionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.mode, domain.Exposure{Up: tt.up, Down: tt.down})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecide_ZeroVolumesNeverBias(t *testing.T) {
	modes := []domain.TradeMode{
		domain.ModeNature, domain.ModeAutoBalance, domain.ModeAutoGain,
		domain.ModeAutoLoss, domain.ModeNaturePlus,
	}
	for _, m := range modes {
		exp := domain.Exposure{Up: vol("0"), Down: vol("0")}
		assert.Equal(t, domain.DecisionNone, Decide(EffectiveMode(m, exp), exp), "mode %s", m)
	}
}

func TestEffectiveMode_AutoBalance(t *testing.T) {
	exp := domain.Exposure{
		TotalStaked:     d("1000"),
		WinPayout:       d("800"),
		InsurancePayout: d("150"),
		Cut:             d("50"),
	}
	assert.Equal(t, domain.ModeAutoGain, EffectiveMode(domain.ModeAutoBalance, exp))

	exp.Cut = d("49.99")
	assert.Equal(t, domain.ModeNature, EffectiveMode(domain.ModeAutoBalance, exp))

	assert.Equal(t, domain.ModeAutoLoss, EffectiveMode(domain.ModeAutoLoss, exp))
}

func TestSmooth(t *testing.T) {
	open := d("100")
	market := d("110")
	assert.True(t, Smooth(30, market, open).Equal(d("100")))
	assert.True(t, Smooth(29, market, open).Equal(d("101")))
	assert.True(t, Smooth(28, market, open).Equal(d("105")))
	assert.True(t, Smooth(27, market, open).Equal(d("106.5")))
	assert.True(t, Smooth(26, market, open).Equal(market))
	assert.True(t, Smooth(30, market, decimal.Zero).Equal(market))
}

func TestEngine_EvaluateDecidesOnce(t *testing.T) {
	ctx := context.Background()
	state := memory.NewStateStore()
	exp := &fakeExposure{exp: domain.Exposure{Up: vol("300"), Down: vol("100")}}
	e := newTestEngine(state, exp)

	st, err := e.Evaluate(ctx, "BTC", 9)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionDown, st.Decision)
	assert.GreaterOrEqual(t, st.InterceptAt, 5)
	assert.LessOrEqual(t, st.InterceptAt, 25)

	// New orders must not flip a decision already taken.
	exp.exp = domain.Exposure{Up: vol("1"), Down: vol("100")}
	again, err := e.Evaluate(ctx, "BTC", 9)
	require.NoError(t, err)
	assert.Equal(t, st, again)
	assert.Equal(t, 1, exp.calls)

	// A second instance shares the stored decision.
	other := newTestEngine(state, exp)
	shared, err := other.Evaluate(ctx, "BTC", 9)
	require.NoError(t, err)
	assert.Equal(t, st, shared)
	assert.Equal(t, 1, exp.calls)
}

func TestEngine_ModeFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	state := memory.NewStateStore()
	e := newTestEngine(state, &fakeExposure{})

	assert.Equal(t, domain.DefaultTradeMode, e.Mode(ctx))
	require.NoError(t, state.SetTradeMode(ctx, "BOGUS"))
	assert.Equal(t, domain.ModeAutoGain, e.Mode(ctx))
	require.NoError(t, state.SetTradeMode(ctx, domain.ModeNature))
	assert.Equal(t, domain.ModeNature, e.Mode(ctx))
}

func TestEngine_ForcedDecisionWins(t *testing.T) {
	ctx := context.Background()
	state := memory.NewStateStore()
	require.NoError(t, state.SetTradeMode(ctx, domain.ModeNature))
	require.NoError(t, state.SetForcedDecision(ctx, "ETH", domain.DecisionUp))
	exp := &fakeExposure{}
	e := newTestEngine(state, exp)

	st, err := e.Evaluate(ctx, "ETH", 3)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionUp, st.Decision)
	assert.Zero(t, exp.calls)
}

func TestEngine_ExposureErrorLeavesPriceAlone(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(memory.NewStateStore(), &fakeExposure{err: errors.New("db down")})

	tick := domain.Tick{Countdown: 1, Enabled: false, RoundID: 5}
	got := e.Adjust(ctx, "BTC", tick, d("105"), d("100"))
	assert.True(t, got.Equal(d("105")))
}

func TestEngine_AdjustRealisesDecision(t *testing.T) {
	cases := []struct {
		decision domain.Decision
		market   string
		check    func(close, open decimal.Decimal) bool
	}{
		{domain.DecisionUp, "95", func(c, o decimal.Decimal) bool { return c.GreaterThan(o) }},
		{domain.DecisionUp, "100", func(c, o decimal.Decimal) bool { return c.GreaterThan(o) }},
		{domain.DecisionDown, "105", func(c, o decimal.Decimal) bool { return c.LessThan(o) }},
		{domain.DecisionDown, "100", func(c, o decimal.Decimal) bool { return c.LessThan(o) }},
		{domain.DecisionBalance, "104.37", func(c, o decimal.Decimal) bool { return c.Equal(o) }},
	}
	for _, tc := range cases {
		t.Run(string(tc.decision)+"/"+tc.market, func(t *testing.T) {
			ctx := context.Background()
			state := memory.NewStateStore()
			require.NoError(t, state.SetForcedDecision(ctx, "BTC", tc.decision))
			e := newTestEngine(state, &fakeExposure{})

			open := d("100")
			tick := domain.Tick{Countdown: 1, Enabled: false, RoundID: 7}
			for i := 0; i < 50; i++ {
				got := e.Adjust(ctx, "BTC", tick, d(tc.market), open)
				assert.True(t, tc.check(got, open), "close %s open %s", got, open)
			}
		})
	}
}

func TestEngine_BiasWaitsForInterceptSecond(t *testing.T) {
	ctx := context.Background()
	state := memory.NewStateStore()
	_, err := state.InitRoundDecision(ctx, "BTC", 11, domain.DecisionState{Decision: domain.DecisionUp, InterceptAt: 10})
	require.NoError(t, err)
	e := newTestEngine(state, &fakeExposure{})

	open, market := d("100"), d("90")
	before := e.Adjust(ctx, "BTC", domain.Tick{Countdown: 11, RoundID: 11}, market, open)
	assert.True(t, before.Equal(market))

	at := e.Adjust(ctx, "BTC", domain.Tick{Countdown: 10, RoundID: 11}, market, open)
	assert.True(t, at.GreaterThan(open))
	assert.True(t, at.LessThanOrEqual(d("110")))
}

func TestEngine_EnabledWindowIsNeverBiased(t *testing.T) {
	ctx := context.Background()
	state := memory.NewStateStore()
	require.NoError(t, state.SetForcedDecision(ctx, "BTC", domain.DecisionUp))
	exp := &fakeExposure{}
	e := newTestEngine(state, exp)

	got := e.Adjust(ctx, "BTC", domain.Tick{Countdown: 1, Enabled: true, RoundID: 8}, d("90"), d("100"))
	assert.True(t, got.Equal(d("90")))
	_, err := state.RoundDecision(ctx, "BTC", 8)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEngine_ClearForgetsRound(t *testing.T) {
	ctx := context.Background()
	state := memory.NewStateStore()
	e := newTestEngine(state, &fakeExposure{exp: domain.Exposure{Up: vol("1"), Down: vol("2")}})

	_, err := e.Evaluate(ctx, "BTC", 1)
	require.NoError(t, err)
	require.NoError(t, e.Clear(ctx, "BTC", 1))

	_, err = state.RoundDecision(ctx, "BTC", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOffset_AtLeastOneStep(t *testing.T) {
	e := newTestEngine(memory.NewStateStore(), &fakeExposure{})
	for i := 0; i < 100; i++ {
		off := e.offset(d("0.003"))
		assert.True(t, off.Equal(d("0.01")))
	}
	for i := 0; i < 100; i++ {
		off := e.offset(d("5"))
		assert.True(t, off.GreaterThanOrEqual(d("0.01")))
		assert.True(t, off.LessThanOrEqual(d("5")))
		assert.True(t, off.Mod(d("0.01")).IsZero())
	}
}

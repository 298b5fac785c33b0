package settlement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundengine/internal/decision"
	"github.com/alanyoungcy/roundengine/internal/domain"
)

// An AUTO_GAIN round with more money on UP is decided DOWN; the biased candle
// then settles the UP stake as lost and pays the DOWN stake plus fee.
func TestScenario_AutoGainPaysLowerVolumeSide(t *testing.T) {
	ctx := context.Background()
	up, down := d("10"), d("5")
	decided := decision.Decide(domain.ModeAutoGain, domain.Exposure{Up: &up, Down: &down})
	require.Equal(t, domain.DecisionDown, decided)

	l := newLedger(
		order("o-up", "alice", domain.BetUp, "10", domain.AccountMain),
		order("o-down", "bob", domain.BetDown, "5", domain.AccountMain),
	)
	s := NewSettler(l, feeRate, discard())

	rep, err := s.Settle(ctx, domain.ScopeLive, "BTC", candle("100", "99.5"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDown, rep.Round.Outcome)

	byOrder := map[string]domain.OrderResult{}
	for _, r := range rep.Results {
		byOrder[r.OrderID] = r
	}
	assert.Equal(t, domain.ResultLose, byOrder["o-up"].Status)
	assert.True(t, byOrder["o-up"].WinAmount.IsZero())
	assert.Equal(t, domain.ResultWin, byOrder["o-down"].Status)
	assert.True(t, byOrder["o-down"].WinAmount.Equal(d("9.75")))

	assert.True(t, l.balance("w-alice-MAIN").IsZero())
	assert.True(t, l.balance("w-bob-MAIN").Equal(d("9.75")))
}

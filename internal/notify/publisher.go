package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
	"github.com/alanyoungcy/roundengine/internal/settlement"
)

// Channel and stream names consumed by the websocket gateways and the
// commission and tournament workers.
const (
	ChannelTick         = "round-tick"
	ChannelRoundResults = "round-orders-result"
	StreamCommission    = "commission-jobs"
	StreamTournament    = "tournament-profit"
)

// CandleChannel is the channel carrying candle updates for pair.
func CandleChannel(pair string) string { return "candle:" + pair }

// UserResultChannel carries one user's round results.
func UserResultChannel(userID string) string { return "user-round-result." + userID }

// UserRefundChannel carries one user's rebalancing refunds.
func UserRefundChannel(userID string) string { return "user-refund." + userID }

// OrderResultMsg is one settled order in a user result message.
type OrderResultMsg struct {
	OrderID   string          `json:"orderId"`
	BetType   domain.BetType  `json:"betType"`
	BetAmount decimal.Decimal `json:"betAmount"`
	Account   string          `json:"account"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
}

// UserResultMsg is published to user-round-result.{userId}.
type UserResultMsg struct {
	InstrumentID string           `json:"instrumentId"`
	TimeID       int64            `json:"timeId"`
	Outcome      domain.Outcome   `json:"outcome"`
	Demo         bool             `json:"demo"`
	Win          decimal.Decimal  `json:"win"`
	Lose         decimal.Decimal  `json:"lose"`
	Orders       []OrderResultMsg `json:"orders"`
}

// RoundResultMsg is the round summary published to round-orders-result.
type RoundResultMsg struct {
	InstrumentID string          `json:"instrumentId"`
	TimeID       int64           `json:"timeId"`
	Scope        domain.Scope    `json:"scope"`
	Open         decimal.Decimal `json:"open"`
	Close        decimal.Decimal `json:"close"`
	Outcome      domain.Outcome  `json:"outcome"`
	Orders       int             `json:"orders"`
	Users        int             `json:"users"`
}

// RefundMsg is published to user-refund.{userId}.
type RefundMsg struct {
	InstrumentID string          `json:"instrumentId"`
	TimeID       int64           `json:"timeId"`
	OrderID      string          `json:"orderId"`
	Amount       decimal.Decimal `json:"amount"`
	Remaining    decimal.Decimal `json:"remaining"`
}

// CommissionJob is appended to the commission-jobs stream for every MAIN order
// that still has a stake once the round has locked.
type CommissionJob struct {
	OrderID      string          `json:"orderId"`
	UserID       string          `json:"userId"`
	InstrumentID string          `json:"instrumentId"`
	TimeID       int64           `json:"timeId"`
	BetAmount    decimal.Decimal `json:"betAmount"`
}

// TournamentEntry is appended to the tournament-profit stream.
type TournamentEntry struct {
	UserID       string          `json:"userId"`
	InstrumentID string          `json:"instrumentId"`
	TimeID       int64           `json:"timeId"`
	Profit       decimal.Decimal `json:"profit"`
}

// Publisher fans engine events out on the signal bus. Every method is
// best-effort from the caller's point of view: settlement has already
// committed by the time results are published.
type Publisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewPublisher creates a Publisher writing to bus.
func NewPublisher(bus domain.SignalBus, logger *slog.Logger) *Publisher {
	return &Publisher{bus: bus, logger: logger.With(slog.String("component", "publisher"))}
}

func (p *Publisher) publish(ctx context.Context, channel string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", channel, err)
	}
	if err := p.bus.Publish(ctx, channel, raw); err != nil {
		return fmt.Errorf("notify: publish %s: %w", channel, err)
	}
	return nil
}

func (p *Publisher) append(ctx context.Context, stream string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", stream, err)
	}
	if err := p.bus.StreamAppend(ctx, stream, raw); err != nil {
		return fmt.Errorf("notify: append %s: %w", stream, err)
	}
	return nil
}

// PublishTick broadcasts the clock tick.
func (p *Publisher) PublishTick(ctx context.Context, tick domain.Tick) error {
	return p.publish(ctx, ChannelTick, tick)
}

// PublishCandle broadcasts an in-progress or final candle.
func (p *Publisher) PublishCandle(ctx context.Context, c domain.Candle) error {
	return p.publish(ctx, CandleChannel(c.Pair), c)
}

// PublishRoundReport sends each user their results, the round summary and,
// for live rounds, the tournament profit entries. Failures are logged per
// message and the first one is returned.
func (p *Publisher) PublishRoundReport(ctx context.Context, rep settlement.Report) error {
	if rep.Empty() {
		return nil
	}
	var first error
	keep := func(err error) {
		if err == nil {
			return
		}
		p.logger.WarnContext(ctx, "publish round report", slog.String("error", err.Error()))
		if first == nil {
			first = err
		}
	}

	groups := settlement.GroupOutcomes(rep.Outcomes)
	for _, g := range groups {
		keep(p.publish(ctx, UserResultChannel(g.UserID), userResult(rep, g)))
	}

	keep(p.publish(ctx, ChannelRoundResults, RoundResultMsg{
		InstrumentID: rep.Round.InstrumentID,
		TimeID:       rep.Round.TimeID,
		Scope:        rep.Scope,
		Open:         rep.Round.OpenPrice,
		Close:        rep.Round.ClosePrice,
		Outcome:      rep.Round.Outcome,
		Orders:       len(rep.Results),
		Users:        len(groups),
	}))

	if rep.Scope == domain.ScopeLive {
		for user, profit := range settlement.TournamentProfit(rep.Outcomes) {
			keep(p.append(ctx, StreamTournament, TournamentEntry{
				UserID:       user,
				InstrumentID: rep.Round.InstrumentID,
				TimeID:       rep.Round.TimeID,
				Profit:       profit,
			}))
		}
	}
	return first
}

func userResult(rep settlement.Report, g settlement.UserSummary) UserResultMsg {
	won, lost := g.Totals()
	msg := UserResultMsg{
		InstrumentID: rep.Round.InstrumentID,
		TimeID:       rep.Round.TimeID,
		Outcome:      rep.Round.Outcome,
		Demo:         rep.Scope == domain.ScopeDemo,
		Win:          won,
		Lose:         lost,
	}
	for _, oc := range g.Outcomes {
		o := oc.Order()
		m := OrderResultMsg{
			OrderID:   o.ID,
			BetType:   o.BetType,
			BetAmount: o.BetAmount,
			Account:   string(o.AccountClass),
			Amount:    decimal.Zero,
		}
		switch v := oc.(type) {
		case settlement.Win:
			m.Status = string(domain.ResultWin)
			m.Amount = v.Payout
		case settlement.Draw:
			m.Status = string(domain.ResultDraw)
			m.Amount = o.BetAmount
		case settlement.Refund:
			m.Status = string(domain.ResultRefund)
		case settlement.Lose:
			m.Status = string(domain.ResultLose)
		}
		msg.Orders = append(msg.Orders, m)
	}
	return msg
}

// PublishRefunds notifies each user whose stake was reduced by rebalancing.
func (p *Publisher) PublishRefunds(ctx context.Context, rep settlement.RebalanceReport) error {
	var first error
	for _, rf := range rep.Refunds {
		err := p.publish(ctx, UserRefundChannel(rf.Order.UserID), RefundMsg{
			InstrumentID: rep.InstrumentID,
			TimeID:       rep.TimeID,
			OrderID:      rf.Order.ID,
			Amount:       rf.Amount,
			Remaining:    rf.Order.BetAmount.Sub(rf.Amount),
		})
		if err != nil {
			p.logger.WarnContext(ctx, "publish refund", slog.String("error", err.Error()))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// EnqueueCommission appends a commission job for the order.
func (p *Publisher) EnqueueCommission(ctx context.Context, job CommissionJob) error {
	return p.append(ctx, StreamCommission, job)
}

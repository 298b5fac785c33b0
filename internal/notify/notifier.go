// Package notify publishes engine events on the signal bus for the websocket
// gateways and workers, and delivers operator alerts to chat webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"
)

// Alert event types.
const (
	EventSettlementFailed = "settlement_failed"
	EventSettlementGaveUp = "settlement_gave_up"
	EventRebalanceFailed  = "rebalance_failed"
	EventFeedDown         = "feed_down"
	EventTradeModeChanged = "trade_mode_changed"
)

// Sender delivers one alert to a chat channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans operator alerts out to every Sender. Alerts whose event type
// is not enabled are dropped, and a token bucket stops a failing round from
// flooding the channel once per tick.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list enables every event.
// perMinute bounds how many alerts are sent per minute; <= 0 disables the
// bound.
func NewNotifier(senders []Sender, events []string, perMinute int, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	limit := rate.Inf
	burst := 0
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60)
		burst = perMinute
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends an alert for event. It never blocks on the rate limit: alerts
// over budget are logged and dropped.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if n == nil || len(n.senders) == 0 {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if !n.limiter.Allow() {
		n.logger.WarnContext(ctx, "alert dropped by rate limit",
			slog.String("event", event),
			slog.String("title", title),
		)
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

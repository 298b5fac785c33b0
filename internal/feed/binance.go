// Package feed consumes the public trade stream the round prices are built
// from.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/roundengine/internal/domain"
	"github.com/alanyoungcy/roundengine/internal/metrics"
	"github.com/alanyoungcy/roundengine/internal/notify"
)

const (
	// writeWait is the time allowed to write a control frame to the peer.
	writeWait = 10 * time.Second

	// readWait is how long the connection may stay silent before it is
	// considered dead. Any frame, including a ping, extends it.
	readWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than readWait.
	pingPeriod = (readWait * 9) / 10

	// reconnectDelay is the base delay between reconnection attempts.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	// stableAfter is how long a connection must live before the backoff resets.
	stableAfter = time.Minute

	// alertAfter is the number of consecutive failed connections that raise
	// a feed-down alert.
	alertAfter = 3
)

// TradeHandler receives every trade parsed from the stream.
type TradeHandler func(domain.Trade)

// Alerter raises operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, msg string) error
}

// BinanceFeed subscribes to the combined trade stream of the configured
// symbols and hands each trade to the handler. It reconnects with capped
// exponential backoff until ctx is cancelled.
type BinanceFeed struct {
	baseURL string
	symbols []string
	onTrade TradeHandler
	alerts  Alerter
	logger  *slog.Logger
	dialer  websocket.Dialer

	limiter *rate.Limiter
}

// NewBinanceFeed creates a feed for symbols (e.g. "BTCUSDT") against baseURL
// (e.g. "wss://stream.binance.com:9443"). alerts may be nil.
func NewBinanceFeed(baseURL string, symbols []string, onTrade TradeHandler, alerts Alerter, logger *slog.Logger) *BinanceFeed {
	return &BinanceFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		symbols: symbols,
		onTrade: onTrade,
		alerts:  alerts,
		logger:  logger.With(slog.String("component", "binance_feed")),
		dialer:  websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Every(reconnectDelay), 1),
	}
}

// StreamURL returns the combined stream endpoint for the configured symbols.
func (f *BinanceFeed) StreamURL() string {
	streams := make([]string, len(f.symbols))
	for i, s := range f.symbols {
		streams[i] = strings.ToLower(s) + "@trade"
	}
	return f.baseURL + "/stream?streams=" + strings.Join(streams, "/")
}

// Run connects and streams trades until ctx is cancelled.
func (f *BinanceFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to subscribe, exiting")
		return nil
	}

	delay := reconnectDelay
	failures := 0
	for {
		if err := f.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		started := time.Now()
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(started) >= stableAfter {
			delay = reconnectDelay
			failures = 0
		} else {
			delay = min(delay*2, maxReconnectDelay)
			failures++
		}
		f.limiter.SetLimit(rate.Every(delay))

		f.logger.WarnContext(ctx, "trade stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)
		if failures == alertAfter && f.alerts != nil {
			if aerr := f.alerts.Notify(ctx, notify.EventFeedDown, "Trade feed down",
				fmt.Sprintf("%d consecutive connection failures: %v", failures, err)); aerr != nil {
				f.logger.WarnContext(ctx, "send feed alert", slog.String("error", aerr.Error()))
			}
		}
	}
}

func (f *BinanceFeed) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := f.dialer.DialContext(dialCtx, f.StreamURL(), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	metrics.FeedConnections.Inc()
	defer metrics.FeedConnections.Dec()
	f.logger.InfoContext(ctx, "trade stream connected", slog.Int("symbols", len(f.symbols)))

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.keepAlive(ctx, conn, done)
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		trade, ok, err := ParseTrade(msg)
		if err != nil {
			f.logger.DebugContext(ctx, "drop malformed trade message",
				slog.String("error", err.Error()),
				slog.Int("payload_len", len(msg)),
			)
			continue
		}
		if !ok {
			continue
		}
		metrics.FeedTrades.WithLabelValues(trade.Symbol).Inc()
		f.onTrade(trade)
	}
}

// keepAlive pings the peer and closes the connection when ctx is cancelled so
// the blocked read returns.
func (f *BinanceFeed) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tradeEvent names every key of the payload: encoding/json falls back to
// case-insensitive matching, so "E" would otherwise land in Event.
type tradeEvent struct {
	Event      string          `json:"e"`
	EventTime  int64           `json:"E"`
	Symbol     string          `json:"s"`
	TradeID    int64           `json:"t"`
	Price      decimal.Decimal `json:"p"`
	Quantity   decimal.Decimal `json:"q"`
	TradeTime  int64           `json:"T"`
	BuyerMaker bool            `json:"m"`
	BestMatch  bool            `json:"M"`
}

// ParseTrade decodes one stream message, either wrapped in the combined
// stream envelope or bare. ok is false for messages that are not trades.
func ParseTrade(raw []byte) (trade domain.Trade, ok bool, err error) {
	var env combinedMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.Trade{}, false, fmt.Errorf("feed: decode envelope: %w", err)
	}
	payload := raw
	if len(env.Data) > 0 {
		payload = env.Data
	}

	var ev tradeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.Trade{}, false, fmt.Errorf("feed: decode trade: %w", err)
	}
	if ev.Event != "trade" && ev.Event != "aggTrade" {
		return domain.Trade{}, false, nil
	}
	if ev.Symbol == "" || !ev.Price.IsPositive() {
		return domain.Trade{}, false, fmt.Errorf("feed: invalid trade %q at %s", ev.Symbol, ev.Price)
	}
	return domain.Trade{
		Symbol:       strings.ToUpper(ev.Symbol),
		Price:        ev.Price,
		Quantity:     ev.Quantity,
		IsBuyerMaker: ev.BuyerMaker,
		TradeTime:    time.UnixMilli(ev.TradeTime).UTC(),
	}, true, nil
}

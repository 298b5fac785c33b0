package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

const tradeMsg = `{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000123,"s":"BTCUSDT","t":12345,"p":"37000.10","q":"0.015","T":1700000000120,"m":true,"M":true}}`

func TestParseTrade_Combined(t *testing.T) {
	trade, ok, err := ParseTrade([]byte(tradeMsg))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", trade.Symbol)
	assert.True(t, trade.Price.Equal(decimal.RequireFromString("37000.10")))
	assert.True(t, trade.Quantity.Equal(decimal.RequireFromString("0.015")))
	assert.True(t, trade.IsBuyerMaker)
	assert.Equal(t, int64(1700000000120), trade.TradeTime.UnixMilli())
	assert.False(t, trade.Synthetic)
}

func TestParseTrade_Bare(t *testing.T) {
	trade, ok, err := ParseTrade([]byte(`{"e":"trade","E":1,"s":"ethusdt","t":2,"p":"2000","q":"1","T":3,"m":false,"M":true}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", trade.Symbol)
	assert.False(t, trade.IsBuyerMaker)
}

func TestParseTrade_IgnoresOtherEvents(t *testing.T) {
	_, ok, err := ParseTrade([]byte(`{"result":null,"id":1}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = ParseTrade([]byte(`{"stream":"btcusdt@depth","data":{"e":"depthUpdate","E":1,"s":"BTCUSDT"}}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseTrade_Rejects(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":       `{`,
		"zero price":     `{"e":"trade","s":"BTCUSDT","p":"0","q":"1"}`,
		"missing symbol": `{"e":"trade","p":"1","q":"1"}`,
		"bad decimal":    `{"e":"trade","s":"BTCUSDT","p":"abc","q":"1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, ok, err := ParseTrade([]byte(raw))
			assert.Error(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStreamURL(t *testing.T) {
	f := NewBinanceFeed("wss://stream.binance.com:9443/", []string{"BTCUSDT", "EthUsdt"}, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, "wss://stream.binance.com:9443/stream?streams=btcusdt@trade/ethusdt@trade", f.StreamURL())
}

func TestRun_DeliversTradesUntilCancelled(t *testing.T) {
	queries := make(chan string, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(tradeMsg))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	trades := make(chan domain.Trade, 4)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	f := NewBinanceFeed(wsURL, []string{"BTCUSDT"}, func(tr domain.Trade) { trades <- tr }, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.Run(ctx) }()

	select {
	case tr := <-trades:
		assert.Equal(t, "BTCUSDT", tr.Symbol)
	case <-time.After(5 * time.Second):
		t.Fatal("no trade delivered")
	}
	assert.Equal(t, "streams=btcusdt@trade", <-queries)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop")
	}
}

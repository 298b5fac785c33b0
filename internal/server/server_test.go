package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/alanyoungcy/roundengine/internal/cache/memory"
	"github.com/alanyoungcy/roundengine/internal/domain"
	"github.com/alanyoungcy/roundengine/internal/notify"
	"github.com/alanyoungcy/roundengine/internal/orchestrator"
	"github.com/alanyoungcy/roundengine/internal/server/handler"
	"github.com/alanyoungcy/roundengine/internal/server/ws"
)

const apiKey = "s3cret-admin-key"

var instruments = []domain.Instrument{{ID: "BTC", Pair: "BTC/USDT", Symbol: "BTCUSDT"}}

type staticStatus struct{ st orchestrator.Status }

func (s staticStatus) Status() orchestrator.Status { return s.st }

type storeModes struct{ state domain.StateStore }

func (m storeModes) Mode(ctx context.Context) domain.TradeMode {
	raw, _ := m.state.TradeMode(ctx)
	mode, _ := domain.ParseTradeMode(raw)
	return mode
}

type alertLog struct{ events []string }

func (a *alertLog) Notify(_ context.Context, event, _, _ string) error {
	a.events = append(a.events, event)
	return nil
}

type harness struct {
	state   *memory.StateStore
	bus     *memory.SignalBus
	alerts  *alertLog
	handler http.Handler
	hub     *ws.Hub
	status  *handler.StatusHandler
}

func newHarness(t *testing.T, cfg Config, checks map[string]handler.Check) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.APIKeyHash == "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.MinCost)
		require.NoError(t, err)
		cfg.APIKeyHash = string(hash)
	}

	h := &harness{
		state:  memory.NewStateStore(),
		bus:    memory.NewSignalBus(),
		alerts: &alertLog{},
	}
	h.status = handler.NewStatusHandler(staticStatus{orchestrator.Status{
		Tick: domain.Tick{Countdown: 12, Enabled: true, RoundID: 55_000_002},
		Pending: []orchestrator.PendingRound{
			{InstrumentID: "BTC", TimeID: 55_000_000, Attempts: 3},
		},
	}}, storeModes{h.state}, instruments)
	h.hub = ws.NewHub(h.bus, ws.Config{
		Channels: []string{notify.ChannelTick, notify.CandleChannel("BTC/USDT")},
		Status:   h.status.Snapshot,
	}, logger)
	h.handler = NewRouter(cfg, Handlers{
		Health: handler.NewHealthHandler(checks, logger),
		Status: h.status,
		Admin:  handler.NewAdminHandler(h.state, h.alerts, instruments, logger),
	}, h.hub, logger)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func bearer() map[string]string { return map[string]string{"Authorization": "Bearer " + apiKey} }

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth_ReportsDependencies(t *testing.T) {
	h := newHarness(t, Config{}, map[string]handler.Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return nil },
	})
	rec := h.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"postgres": "ok", "redis": "ok"}, body["dependencies"])
}

func TestHealth_DegradedWhenCheckFails(t *testing.T) {
	h := newHarness(t, Config{}, map[string]handler.Check{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	rec := h.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["dependencies"].(map[string]any)["redis"])
}

func TestStatus_ShowsTickModeAndPending(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.state.SetTradeMode(context.Background(), domain.ModeNature))

	rec := h.do(t, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "NATURE", body["mode"])
	assert.Equal(t, float64(12), body["tick"].(map[string]any)["countdown"])
	pending := body["pending"].([]any)
	require.Len(t, pending, 1)
	assert.Equal(t, float64(55_000_000), pending[0].(map[string]any)["timeId"])
}

func TestAdmin_RequiresAPIKey(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	rec := h.do(t, http.MethodGet, "/api/admin/trade-mode", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/admin/trade-mode", "", map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/admin/trade-mode", "", map[string]string{"X-API-Key": apiKey})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdmin_TradeModeRoundTrip(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	rec := h.do(t, http.MethodGet, "/api/admin/trade-mode", "", bearer())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "AUTO_GAIN", decode(t, rec)["effective"])

	rec = h.do(t, http.MethodPut, "/api/admin/trade-mode", `{"mode":"nature_plus"}`, bearer())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NATURE_PLUS", decode(t, rec)["mode"])

	raw, err := h.state.TradeMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "NATURE_PLUS", raw)
	assert.Equal(t, []string{notify.EventTradeModeChanged}, h.alerts.events)

	rec = h.do(t, http.MethodPut, "/api/admin/trade-mode", `{"mode":"NATURE_PLUS"}`, bearer())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, h.alerts.events, 1, "unchanged mode raises no alert")
}

func TestAdmin_RejectsUnknownTradeMode(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	for _, body := range []string{`{"mode":"YOLO"}`, `{"mode":""}`, `{`, `{"mode":"NATURE","x":1}`} {
		rec := h.do(t, http.MethodPut, "/api/admin/trade-mode", body, bearer())
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	_, err := h.state.TradeMode(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdmin_ForcedDecision(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	rec := h.do(t, http.MethodPut, "/api/admin/decision/BTC", `{"decision":"down"}`, bearer())
	require.Equal(t, http.StatusOK, rec.Code)
	d, err := h.state.ForcedDecision(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionDown, d)

	rec = h.do(t, http.MethodDelete, "/api/admin/decision/BTC", "", bearer())
	require.Equal(t, http.StatusNoContent, rec.Code)
	d, err = h.state.ForcedDecision(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionNone, d)

	rec = h.do(t, http.MethodPut, "/api/admin/decision/BTC", `{"decision":"sideways"}`, bearer())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPut, "/api/admin/decision/DOGE", `{"decision":"UP"}`, bearer())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit_PerClient(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 1, RateBurst: 2}, nil)
	a := map[string]string{"X-Forwarded-For": "10.0.0.1"}
	b := map[string]string{"X-Forwarded-For": "10.0.0.2"}

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/status", "", a).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/status", "", a).Code)
	rec := h.do(t, http.MethodGet, "/api/status", "", a)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/status", "", b).Code)
}

func TestCORS_Preflight(t *testing.T) {
	h := newHarness(t, Config{CORSOrigins: []string{"https://ops.example.com"}}, nil)

	rec := h.do(t, http.MethodOptions, "/api/admin/trade-mode", "", map[string]string{
		"Origin":                        "https://ops.example.com",
		"Access-Control-Request-Method": "PUT",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = h.do(t, http.MethodGet, "/api/status", "", map[string]string{"Origin": "https://evil.example.com"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	rec := h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestWebsocket_RelaysBusMessages(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.hub.Run(ctx)

	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	frames := make(chan ws.Envelope, 16)
	go func() {
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				close(frames)
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			var env ws.Envelope
			if json.Unmarshal(data, &env) == nil {
				frames <- env
			}
		}
	}()

	first := <-frames
	assert.Equal(t, "status", first.Channel)

	tick, err := json.Marshal(domain.Tick{Countdown: 7, RoundID: 55_000_003})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		require.NoError(t, h.bus.Publish(ctx, notify.ChannelTick, tick))
		select {
		case env, ok := <-frames:
			return ok && env.Channel == notify.ChannelTick && strings.Contains(string(env.Data), `"countdown":7`)
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

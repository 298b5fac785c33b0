package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/roundengine/internal/clock"
	"github.com/alanyoungcy/roundengine/internal/decision"
	"github.com/alanyoungcy/roundengine/internal/domain"
	"github.com/alanyoungcy/roundengine/internal/feed"
	"github.com/alanyoungcy/roundengine/internal/notify"
	"github.com/alanyoungcy/roundengine/internal/orchestrator"
	"github.com/alanyoungcy/roundengine/internal/price"
	"github.com/alanyoungcy/roundengine/internal/server"
	"github.com/alanyoungcy/roundengine/internal/server/handler"
	"github.com/alanyoungcy/roundengine/internal/server/ws"
	"github.com/alanyoungcy/roundengine/internal/settlement"
)

// shutdownTimeout bounds the HTTP drain on exit.
const shutdownTimeout = 5 * time.Second

// roundEngine is the clock-driven core shared by the full and engine modes.
type roundEngine struct {
	runner       *clock.Runner
	prices       *price.Aggregator
	decider      *decision.Engine
	orchestrator *orchestrator.Orchestrator
}

func (a *App) newRoundEngine(deps *Dependencies) *roundEngine {
	cfg := a.cfg.Round
	clk := clock.New(cfg.RootTime)
	prices := price.NewAggregator(cfg.WindowSize, nil)
	decider := decision.NewEngine(deps.State, deps.Orders, decision.Config{
		InterceptMin: cfg.InterceptMin,
		InterceptMax: cfg.InterceptMax,
		PriceStep:    cfg.PriceStep,
	}, nil, a.logger)

	odeps := orchestrator.Deps{
		Clock:      clk,
		State:      deps.State,
		Locks:      deps.Locks,
		Orders:     deps.Orders,
		Prices:     prices,
		Decider:    decider,
		Settler:    settlement.NewSettler(deps.Settlements, cfg.FeeRate, a.logger),
		Rebalancer: settlement.NewRebalancer(deps.Settlements, a.logger),
		Publisher:  notify.NewPublisher(deps.SignalBus, a.logger),
		Alerts:     deps.Notifier,
	}
	if deps.Archiver != nil {
		odeps.Archiver = deps.Archiver
	}
	orch := orchestrator.New(orchestrator.Config{
		Instruments:         a.cfg.DomainInstruments(),
		VolumeMultiplier:    cfg.VolumeMultiplier,
		Demo:                cfg.Demo,
		SettleLockTTL:       cfg.SettleLockTTL.Duration,
		CommissionCountdown: cfg.CommissionCountdown,
		MaxPendingAge:       cfg.MaxPendingAge.Duration,
	}, odeps, a.logger)

	runner := clock.NewRunner(clk, a.logger)
	runner.OnTick(orch.HandleTick)

	return &roundEngine{runner: runner, prices: prices, decider: decider, orchestrator: orch}
}

// run drives the clock until ctx is cancelled and then waits for in-flight
// settlement side jobs.
func (e *roundEngine) run(ctx context.Context) error {
	err := e.runner.Run(ctx)
	e.orchestrator.Wait()
	return err
}

// FullMode runs the whole engine in one process: the trade feed feeds the
// price windows directly, and the admin server runs alongside.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)

	engine := a.newRoundEngine(deps)
	g.Go(func() error {
		return engine.run(ctx)
	})

	binance := feed.NewBinanceFeed(a.cfg.Feed.URL, a.symbols(), engine.prices.Ingest, deps.Notifier, a.logger)
	g.Go(func() error {
		return binance.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, engine.orchestrator, engine.decider)
	}
	return g.Wait()
}

// EngineMode runs the clock and settlement on trades relayed by a separate
// feed process.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")
	g, ctx := errgroup.WithContext(ctx)

	engine := a.newRoundEngine(deps)
	g.Go(func() error {
		return engine.run(ctx)
	})
	g.Go(func() error {
		return feed.Consume(ctx, deps.SignalBus, engine.prices.Ingest, a.logger)
	})
	return g.Wait()
}

// FeedMode connects to the trade stream and relays every trade to engine
// processes over the signal bus.
func (a *App) FeedMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting feed mode")
	g, ctx := errgroup.WithContext(ctx)

	relay := feed.Relay(ctx, deps.SignalBus, a.logger)
	binance := feed.NewBinanceFeed(a.cfg.Feed.URL, a.symbols(), relay, deps.Notifier, a.logger)
	g.Go(func() error {
		return binance.Run(ctx)
	})
	return g.Wait()
}

// ServerMode serves the admin API and relays round events to websocket
// clients. The status endpoint follows the tick channel since no engine runs
// in this process.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)

	watcher := &tickWatcher{}
	g.Go(func() error {
		return watcher.Run(ctx, deps.SignalBus, a.logger)
	})

	modes := decision.NewEngine(deps.State, nil, decision.Config{}, nil, a.logger)
	a.startHTTPServer(ctx, g, deps, watcher, modes)
	return g.Wait()
}

// startHTTPServer adds the websocket hub and the HTTP server to g. The server
// is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	status handler.StatusSource,
	modes handler.ModeReader,
) {
	instruments := a.cfg.DomainInstruments()
	statusH := handler.NewStatusHandler(status, modes, instruments)

	hub := ws.NewHub(deps.SignalBus, ws.Config{
		Channels: a.hubChannels(instruments),
		Status:   statusH.Snapshot,
	}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKeyHash:  a.cfg.Server.APIKeyHash,
		RateLimit:   a.cfg.Server.RateLimit,
		RateBurst:   a.cfg.Server.RateBurst,
	}, server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks, a.logger),
		Status: statusH,
		Admin:  handler.NewAdminHandler(deps.State, deps.Notifier, instruments, a.logger),
	}, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func (a *App) hubChannels(instruments []domain.Instrument) []string {
	channels := []string{notify.ChannelTick, notify.ChannelRoundResults}
	for _, inst := range instruments {
		channels = append(channels, notify.CandleChannel(inst.Pair))
	}
	return channels
}

func (a *App) symbols() []string {
	insts := a.cfg.DomainInstruments()
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = inst.Symbol
	}
	return out
}

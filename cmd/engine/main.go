// Command engine runs the DCA trading control plane: the market data
// refresher, the bot scheduler and the order queue executor, sharing one
// ledger and one market view.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"dca-engine/internal/config"
	"dca-engine/internal/exchange"
	"dca-engine/internal/exchange/kraken"
	"dca-engine/internal/executor"
	"dca-engine/internal/ledger"
	"dca-engine/internal/logger"
	"dca-engine/internal/market"
	"dca-engine/internal/monitoring"
	"dca-engine/internal/scheduler"
	"dca-engine/internal/secrets"
	"dca-engine/internal/strategy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	mainLog := log.Component("main")
	mainLog.WithField("environment", cfg.Environment).Info("starting engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.New()

	store, closeStore, err := buildStore(ctx, cfg, clk)
	if err != nil {
		return err
	}
	defer closeStore()

	secretProvider := secrets.NewCachedProvider(secrets.NewEnvProvider(), 10*time.Minute, clk)

	newAdapter := adapterFactory(cfg)

	// The refresher and scheduler share one adapter under the operator's
	// credentials; the executor binds per-user adapters at submit time.
	operatorCreds, err := secretProvider.Get(ctx, "operator")
	if err != nil {
		mainLog.WithError(err).Warn("no operator credentials, private endpoints will fail")
	}
	marketAdapter := newAdapter(operatorCreds)
	if kc, ok := marketAdapter.(*kraken.Client); ok && operatorCreds.APIKey != "" {
		kc.StartBalanceFeed(ctx)
	}

	view := market.NewView(cfg.Refresher.StaleThreshold)
	analyzer := market.NewIndicatorAnalyzer(marketAdapter, clk)

	engine := strategy.NewEngine()
	engine.StaleThreshold = cfg.Refresher.StaleThreshold

	refresher := market.NewRefresher(store, analyzer, view, clk, log.Component("refresher"), cfg.Refresher.Period)
	sched := scheduler.New(store, marketAdapter, engine, view, clk, log.Component("scheduler"), scheduler.Config{
		Period:      cfg.Scheduler.Period,
		Concurrency: cfg.Scheduler.Concurrency,
		RunTimeout:  cfg.Scheduler.RunTimeout,
		FeeBuffer:   cfg.Trading.FeeBuffer,
	})
	exec := executor.New(store, secretProvider, newAdapter, clk, log.Component("executor"), executor.Config{
		Period:        cfg.Executor.Period,
		MaxPerTick:    cfg.Executor.MaxPerTick,
		StuckTimeout:  cfg.Executor.StuckTimeout,
		MaxAttempts:   cfg.Executor.MaxAttempts,
		BackoffBase:   cfg.Executor.BackoffBase,
		BackoffFactor: cfg.Executor.BackoffFactor,
		BackoffCap:    cfg.Executor.BackoffCap,
	})

	health := monitoring.NewHealth(3 * cfg.Scheduler.Period)
	refresher.SetHeartbeat(func() { health.Beat("refresher") })
	sched.SetHeartbeat(func() { health.Beat("scheduler") })
	exec.SetHeartbeat(func() { health.Beat("executor") })

	server := monitoring.NewServer(cfg.Monitoring.MetricsPort, cfg.Monitoring.HealthPort, health, log.Component("monitoring"))
	server.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return refresher.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return exec.Run(gctx) })

	mainLog.Info("workers running")
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	mainLog.Info("shut down cleanly")
	return nil
}

// buildStore constructs the configured ledger backend.
func buildStore(ctx context.Context, cfg *config.Config, clk clock.Clock) (ledger.Store, func(), error) {
	switch cfg.Ledger.Backend {
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.Ledger.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to firestore: %w", err)
		}
		return ledger.NewFirestoreStore(client, clk), func() { _ = client.Close() }, nil
	default:
		return ledger.NewMemoryStore(clk), func() {}, nil
	}
}

// adapterFactory returns a credential-keyed, memoized Kraken client builder
// so repeated orders for the same user reuse one client (and its rate
// limiters, breaker and balance feed).
func adapterFactory(cfg *config.Config) executor.AdapterFactory {
	var mu sync.Mutex
	clients := make(map[string]*kraken.Client)

	return func(creds secrets.Credentials) exchange.Adapter {
		mu.Lock()
		defer mu.Unlock()

		if client, ok := clients[creds.APIKey]; ok {
			return client
		}
		client := kraken.NewClient(kraken.Config{
			APIKey:         creds.APIKey,
			APISecret:      creds.APISecret,
			BaseURL:        cfg.Exchange.BaseURL,
			WebsocketURL:   cfg.Exchange.WebsocketURL,
			RequestTimeout: cfg.Exchange.RequestTimeout,
			FeeBuffer:      cfg.Trading.FeeBuffer,
		})
		clients[creds.APIKey] = client
		return client
	}
}

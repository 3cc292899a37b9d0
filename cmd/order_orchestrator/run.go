package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order_orchestrator/internal/api"
	"order_orchestrator/internal/cli"
	"order_orchestrator/internal/config"
	"order_orchestrator/internal/core"
	"order_orchestrator/internal/infrastructure/health"
	"order_orchestrator/internal/infrastructure/metrics"
	"order_orchestrator/internal/orchestrator"
	"order_orchestrator/internal/store"
	"order_orchestrator/pkg/concurrency"
	"order_orchestrator/pkg/telemetry"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const stopTimeout = 45 * time.Second

type runFlags struct {
	tokenID         string
	side            string
	limitPrice      float64
	totalQuantity   float64
	childOrderSize  float64
	tickSize        float64
	timeoutSeconds  int
	rateLimit       float64
	matchTopOfBook  bool
	insideLiquidity bool
	interactive     bool
	account         string
	apiAddr         string
	metricsPort     int
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an execution strategy until the target is filled or a stop condition fires",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if err := f.apply(cmd, cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runOrchestrator(cfg, f.interactive)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.tokenID, "token-id", "", "Outcome token to trade")
	fl.StringVar(&f.side, "side", "BUY", "BUY or SELL")
	fl.Float64Var(&f.limitPrice, "limit-price", 0, "Worst acceptable price")
	fl.Float64Var(&f.totalQuantity, "total-quantity", 0, "Target quantity in shares")
	fl.Float64Var(&f.childOrderSize, "child-order-size", 0, "Size of each child order")
	fl.Float64Var(&f.tickSize, "tick-size", 0, "Price increment; 0 looks it up from the venue")
	fl.IntVar(&f.timeoutSeconds, "timeout", 0, "Run timeout in seconds")
	fl.Float64Var(&f.rateLimit, "rate-limit", 0, "Venue calls per second")
	fl.BoolVar(&f.matchTopOfBook, "match-top-of-book", false, "Join the best price instead of improving it")
	fl.BoolVar(&f.insideLiquidity, "inside-liquidity", false, "Take displayed liquidity inside the limit instead of quoting")
	fl.BoolVarP(&f.interactive, "interactive", "i", false, "Read operator commands from stdin")
	fl.StringVar(&f.account, "account", "", "Load NAME_PRIVATE_KEY and NAME_PROXY_ADDRESS from the environment")
	fl.StringVar(&f.apiAddr, "api", "", "Serve the operator API on this address")
	fl.IntVar(&f.metricsPort, "metrics-port", 0, "Serve Prometheus metrics on this port")
	return cmd
}

// apply copies the flags the user set over the loaded configuration
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	s := &cfg.Strategy
	if changed("token-id") {
		s.TokenID = f.tokenID
	}
	if changed("side") {
		s.Side = f.side
	}
	if changed("limit-price") {
		s.LimitPrice = f.limitPrice
	}
	if changed("total-quantity") {
		s.TotalQuantity = f.totalQuantity
	}
	if changed("child-order-size") {
		s.ChildOrderSize = f.childOrderSize
	}
	if changed("tick-size") {
		s.TickSize = f.tickSize
	}
	if changed("timeout") {
		s.TimeoutSeconds = f.timeoutSeconds
	}
	if changed("rate-limit") {
		s.RateLimit = f.rateLimit
	}
	if changed("match-top-of-book") {
		s.MatchTopOfBook = f.matchTopOfBook
	}
	if changed("inside-liquidity") {
		s.InsideLiquidity = f.insideLiquidity
	}
	if changed("api") {
		cfg.API.Enabled = f.apiAddr != ""
		cfg.API.ListenAddr = f.apiAddr
	}
	if changed("metrics-port") {
		cfg.Telemetry.EnableMetrics = f.metricsPort > 0
		cfg.Telemetry.MetricsPort = f.metricsPort
	}
	if f.account != "" {
		return cfg.ApplyAccount(f.account)
	}
	return nil
}

func runOrchestrator(cfg *config.Config, interactive bool) error {
	var spanOut, logOut io.Writer
	if cfg.Telemetry.TraceStdout {
		spanOut = os.Stderr
	}
	if cfg.Telemetry.LogExport {
		logOut = os.Stderr
	}
	tel, err := telemetry.Setup(telemetry.Options{
		ServiceName: cfg.App.Name,
		SpanWriter:  spanOut,
		LogWriter:   logOut,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting order_orchestrator",
		"version", version,
		"paper", cfg.App.Paper,
		"token_id", cfg.Strategy.TokenID,
		"side", cfg.Strategy.Side,
	)

	bundle, err := openVenue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer bundle.close()

	journal, err := store.Open(cfg.Journal)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "cancel",
		MaxWorkers:  cfg.Concurrency.CancelPoolSize,
		MaxCapacity: cfg.Concurrency.CancelPoolBuffer,
	}, logger)
	defer pool.Stop()

	if bundle.positions != nil {
		if held, err := bundle.positions.Get(ctx, cfg.Strategy.TokenID); err != nil {
			logger.Warn("Could not read current position", "error", err)
		} else {
			logger.Info("Current position", "token_id", cfg.Strategy.TokenID, "size", held)
		}
	}

	manager, err := orchestrator.NewManager(cfg.ToStrategyConfig(), orchestrator.Deps{
		Venue:      bundle.venue,
		Metadata:   bundle.metadata,
		MarketFeed: bundle.market,
		UserFeed:   bundle.user,
		Positions:  bundle.positions,
		Journal:    journal,
		Pool:       pool,
	}, logger)
	if err != nil {
		return err
	}

	hm := health.NewManager(logger)
	hm.Register("market_feed", connectedCheck(bundle.market))
	hm.Register("user_feed", connectedCheck(bundle.user))
	hm.Register("strategy", func() error {
		if msg := manager.Status().CriticalError; msg != "" {
			return errors.New(msg)
		}
		return nil
	})

	if cfg.Telemetry.EnableMetrics {
		ms := metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		if err := ms.Start(); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ms.Stop(ctx)
		}()
	}

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start strategy: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, finish := context.WithCancel(gctx)
	defer finish()

	g.Go(func() error {
		select {
		case <-manager.Done():
		case <-runCtx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := manager.Stop(stopCtx); err != nil {
				return fmt.Errorf("failed to stop strategy: %w", err)
			}
		}
		finish()
		return nil
	})

	if cfg.API.Enabled {
		server := api.NewServer(manager, hm, logger)
		g.Go(func() error {
			return server.Listen(cfg.API.ListenAddr)
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if interactive {
		console := cli.NewConsole(manager, os.Stdin, os.Stdout, logger)
		g.Go(func() error {
			err := console.Run(runCtx, manager.Done())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	printSummary(manager.Status())
	return err
}

func connectedCheck(feed interface{ Connected() bool }) health.Check {
	return func() error {
		if !feed.Connected() {
			return errors.New("disconnected")
		}
		return nil
	}
}

func printSummary(st orchestrator.Status) {
	p := st.Position
	fmt.Printf("\nRun %s finished: %s\n", st.RunID, st.StopReason)
	fmt.Printf("  Filled %s of %s at average %s over %d fills\n",
		p.FilledQuantity, p.TargetQuantity, p.AveragePrice.StringFixed(4), st.Fills)
	if st.CriticalError != "" {
		fmt.Printf("  Critical error: %s\n", st.CriticalError)
	}
	for _, e := range st.CancelErrors {
		fmt.Printf("  Order may still be live: %s\n", e)
	}
	if st.StopReason == core.StopReasonCritical {
		fmt.Println("  Check balances and allowances before retrying")
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/valuestor/trader/internal/chain"
	"github.com/valuestor/trader/internal/config"
	"github.com/valuestor/trader/internal/decision"
	"github.com/valuestor/trader/internal/executor"
	"github.com/valuestor/trader/internal/feed"
	"github.com/valuestor/trader/internal/limits"
	"github.com/valuestor/trader/internal/logger"
	"github.com/valuestor/trader/internal/model"
	"github.com/valuestor/trader/internal/monitor"
	"github.com/valuestor/trader/internal/orchestrator"
	"github.com/valuestor/trader/internal/reasoning"
	"github.com/valuestor/trader/internal/scheduler"
)

const (
	purgeSchedule = "0 15 * * * *"

	// drainTimeout bounds how long shutdown waits for issuances already being
	// decided or submitted. It covers a full reasoning retry cycle plus a send.
	drainTimeout = 3 * time.Minute
)

func main() {
	cfgPath := os.Getenv("TRADER_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	envOnly := flag.Bool("env-only", false, "ignore the config file and read TRADER_* variables only")
	flag.Parse()
	if _, err := os.Stat(cfgPath); err != nil {
		*envOnly = true
	}

	cfg, err := config.Load(cfgPath, *envOnly)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, log)
	stop()
	if err != nil {
		log.Error("trader stopped", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("trader stopped")
	log.Sync()
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	// --- Store ---
	st, pg, cleanup, err := openStore(ctx, cfg.Store, log)
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = st.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("store ping: %w", err)
	}

	// --- Chain ---
	gw, err := chain.DialEVM(ctx, chain.EVMConfig{
		RPCURL:     cfg.Chain.RPCURL,
		WSURL:      cfg.Chain.WSURL,
		Factory:    cfg.Chain.FactoryAddress,
		ChainID:    cfg.Chain.ChainID,
		PrivateKey: cfg.Chain.PrivateKey,
	}, log)
	if err != nil {
		return err
	}
	defer gw.Close()

	// --- Reasoning and execution ---
	reasoner, err := reasoning.New(cfg.Reasoning, log)
	if err != nil {
		return err
	}
	engine := decision.New(reasoner, decision.Options{
		Temperature: cfg.Reasoning.Temperature,
		MaxTokens:   cfg.Reasoning.MaxTokens,
		Logger:      log,
	})

	// Validate has already checked both amounts parse.
	defaultBuy := decimal.RequireFromString(cfg.Executor.DefaultBuyAmount)
	minTrade := decimal.RequireFromString(cfg.Executor.MinTradeAmount)

	exec := executor.New(gw, executor.Config{
		DryRun:           cfg.Executor.DryRun,
		MaxSlippage:      cfg.Executor.MaxSlippage,
		Pause:            cfg.Executor.Pause,
		DefaultBuyAmount: defaultBuy,
	}, executor.WithLogger(log))

	// --- Feed ---
	hub := feed.NewHub(log)
	go hub.Run(ctx)

	orch := orchestrator.New(orchestrator.Options{
		Store:               st,
		Decider:             engine,
		Executor:            exec,
		Limiter:             limits.NewInvestmentLimiter(minTrade),
		Feed:                hub,
		DecisionConcurrency: cfg.Orchestrator.DecisionConcurrency,
		Logger:              log,
	})

	// --- Monitor ---
	monOpts := monitor.Options{
		OnIssuance: func(ctx context.Context, analysis *model.TokenAnalysis) {
			orch.OnIssuance(ctx, analysis)
		},
		MetadataTimeout: cfg.Monitor.MetadataTimeout,
		IPFSGateway:     cfg.Monitor.IPFSGateway,
		Logger:          log,
	}
	if cfg.Monitor.WatchTrades {
		monOpts.OnTrade = hub.PublishTrade
	}
	mon := monitor.New(gw, monOpts)

	unsubGraduated, err := gw.SubscribeGraduated(ctx, func(ev model.GraduationEvent) {
		log.Info("token graduated",
			zap.String("token", ev.Token),
			zap.String("pair", ev.Pair),
			zap.String("native_liquidity", ev.NativeLiquidity.String()),
		)
	})
	if err != nil {
		log.Warn("graduation subscription unavailable", zap.Error(err))
	} else {
		defer unsubGraduated()
	}

	// --- Scheduled jobs ---
	sched := scheduler.New(log, ctx)
	if cfg.Portfolio.Enabled {
		if err := sched.Add("portfolio-review", cfg.Portfolio.Schedule, func(ctx context.Context) {
			if err := orch.ReviewPortfolios(ctx); err != nil {
				log.Warn("portfolio review failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}
	if pg != nil {
		if err := sched.Add("purge-expired", purgeSchedule, func(ctx context.Context) {
			n, err := pg.PurgeExpired(ctx)
			if err != nil {
				log.Warn("purge expired records failed", zap.Error(err))
				return
			}
			log.Info("expired records purged", zap.Int64("rows", n))
		}); err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()

	// --- Ops server ---
	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      newRouter(st, hub, orch, cfg.Executor.DryRun, log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Info("ops server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	log.Info("trader started",
		zap.String("env", cfg.App.Env),
		zap.Bool("dry_run", cfg.Executor.DryRun),
		zap.String("account", gw.Account().Hex()),
		zap.String("factory", cfg.Chain.FactoryAddress),
	)

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		drain(mon, log)
		return fmt.Errorf("ops server: %w", err)
	}

	log.Info("shutting down trader...")
	// The gateway and store are closed by the deferred calls above, so every
	// in-flight issuance must be recorded before run returns.
	drain(mon, log)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("ops server shutdown", zap.Error(err))
	}
	return nil
}

func drain(mon *monitor.Monitor, log *zap.Logger) {
	mon.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := mon.Wait(ctx); err != nil {
		log.Error("in-flight issuances did not finish before shutdown", zap.Error(err))
	}
}

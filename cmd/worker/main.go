package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/massmsg/campaigner/internal/config"
	"github.com/massmsg/campaigner/internal/core"
	"github.com/massmsg/campaigner/internal/db"
	"github.com/massmsg/campaigner/internal/dispatch"
	"github.com/massmsg/campaigner/internal/metrics"
	"github.com/massmsg/campaigner/internal/provider"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(rootCtx)
	if err != nil {
		errlog := zerolog.New(os.Stderr)
		errlog.Error().Err(err).Msg("load config")
		exitCode = 1
		return
	}

	lvl, err := zerolog.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Str("component", "worker").Logger()

	database, err := db.Connect(rootCtx, cfg.Database.URL)
	if err != nil {
		log.Error().Err(err).Msg("db connect")
		exitCode = 1
		return
	}
	defer database.Close()

	fallback, err := time.LoadLocation(cfg.App.DefaultTimezone)
	if err != nil {
		log.Error().Err(err).Str("timezone", cfg.App.DefaultTimezone).Msg("default timezone")
		exitCode = 1
		return
	}

	store := &core.Store{
		DB:      database.Pool,
		Log:     log,
		Planner: core.Planner{Fallback: fallback, Log: log},
	}

	// ---- Pool metrics ----
	stop := make(chan struct{})
	defer close(stop)
	go metrics.NewPGXPoolStats(database.Pool).Start(15*time.Second, stop)

	// ---- Healthz ----
	go serveHealthz(cfg.App.HealthAddr)

	// ---- Activation sweep ----
	engine := dispatch.New(store, provider.NewDummy(), log, engineOptions(cfg))
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Dispatch.ActivateSpec, func() { engine.ActivateRuns(rootCtx) }); err != nil {
		log.Error().Err(err).Str("spec", cfg.Dispatch.ActivateSpec).Msg("activation schedule")
		exitCode = 1
		return
	}
	sched.Start()
	defer sched.Stop()

	// ---- Dispatcher ----
	if err := engine.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("dispatch engine exited")
		exitCode = 1
		return
	}
}

func serveHealthz(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	_ = http.ListenAndServe(addr, mux)
}

func engineOptions(cfg *config.Config) dispatch.Options {
	return dispatch.Options{
		BatchSize:     cfg.Dispatch.BatchSize,
		Concurrency:   cfg.Dispatch.Concurrency,
		PollInterval:  cfg.Dispatch.PollInterval,
		IdleSleep:     cfg.Dispatch.IdleSleep,
		DBBackoffMin:  cfg.Dispatch.DBBackoffMin,
		DBBackoffMax:  cfg.Dispatch.DBBackoffMax,
		ProviderQPS:   cfg.Dispatch.ProviderQPS,
		ProviderBurst: cfg.Dispatch.ProviderBurst,
		SendTimeout:   cfg.Dispatch.SendTimeout,
		MaxAttempts:   cfg.Dispatch.MaxAttempts,
		RetryBackoff:  cfg.Dispatch.RetryBackoff,
	}
}

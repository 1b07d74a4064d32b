package main

import (
	"context"
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
	httpapi "github.com/massmsg/campaigner/internal/http"
	"github.com/massmsg/campaigner/internal/provider"
)

func main() {
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(rootCtx)
	if err != nil {
		errlog := zerolog.New(os.Stderr)
		errlog.Fatal().Err(err).Msg("load config")
	}
	log := newLogger(cfg.App.LogLevel)

	database, err := db.Connect(rootCtx, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer database.Close()

	fallback, err := time.LoadLocation(cfg.App.DefaultTimezone)
	if err != nil {
		log.Fatal().Err(err).Str("timezone", cfg.App.DefaultTimezone).Msg("default timezone")
	}

	store := &core.Store{
		DB:      database.Pool,
		Log:     log.With().Str("component", "core").Logger(),
		Planner: core.Planner{Fallback: fallback, Log: log},
	}

	// ---- Dispatcher (in-process) ----
	engine := dispatch.New(store, provider.NewDummy(), log, dispatchOptions(cfg))
	go func() {
		if err := engine.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			log.Error().Err(err).Msg("dispatch engine exited")
		}
	}()

	// ---- Run-activation sweep ----
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Dispatch.ActivateSpec, func() { engine.ActivateRuns(rootCtx) }); err != nil {
		log.Fatal().Err(err).Str("spec", cfg.Dispatch.ActivateSpec).Msg("activation schedule")
	}
	sched.Start()
	defer sched.Stop()

	// ---- HTTP server ----
	srv := httpapi.NewServer(store, log)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	<-rootCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func dispatchOptions(cfg *config.Config) dispatch.Options {
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

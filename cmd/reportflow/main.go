package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"reportflow/internal/api"
	"reportflow/internal/config"
	"reportflow/internal/dispatch"
	"reportflow/internal/notify"
	"reportflow/internal/runner"
	"reportflow/internal/scheduler"
	"reportflow/internal/status"
	"reportflow/internal/store"
	"reportflow/internal/throttle"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		mode    = flag.String("backend", "", "execution backend: stub | http | internal (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *mode != "" {
		cfg.BackendMode = *mode
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewSQLiteRepo(db)

	var cache status.Cache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping")
		}
		cache = status.NewRedisCache(client, cfg.StatusTTL, cfg.ProgressTTL)
		log.Info().Str("addr", cfg.RedisAddr).Msg("using redis snapshot cache")
	} else {
		cache = status.NewMemoryCache(cfg.StatusTTL, cfg.ProgressTTL)
	}
	st := status.New(repo, cache)

	limiter := throttle.New(throttle.Config{
		MaxConcurrent: cfg.LimiterMaxConcurrent,
		MinInterval:   cfg.LimiterMinInterval,
		CallTimeout:   cfg.LimiterCallTimeout,
	})

	backendMode, err := dispatch.ParseMode(cfg.BackendMode)
	if err != nil {
		log.Fatal().Err(err).Msg("backend mode")
	}
	backend, err := dispatch.NewBackend(dispatch.BackendConfig{
		Mode:          backendMode,
		RemoteBaseURL: cfg.RemoteBaseURL,
		RemoteAPIKey:  cfg.RemoteAPIKey,
		RemoteTimeout: cfg.RemoteTimeout,
		Retry: dispatch.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			Base:       cfg.RetryBase,
			Cap:        cfg.RetryCap,
		},
	}, limiter)
	if err != nil {
		log.Fatal().Err(err).Msg("build backend")
	}

	run := runner.New(st, dispatch.NewDispatcher(backend, cfg.MaxExecutions), notify.NewLogNotifier())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(repo, run, cfg.ReconcileInterval)
	sched.Start(ctx)

	go st.RunSweeper(ctx, cfg.SweepInterval, cfg.StatusTTL)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.NewServer(repo, sched, st, limiter)}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("backend", cfg.BackendMode).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	sched.Stop()
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

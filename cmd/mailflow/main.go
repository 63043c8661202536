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

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"mailflow/internal/api"
	"mailflow/internal/config"
	"mailflow/internal/mailer"
	"mailflow/internal/queue"
	"mailflow/internal/ratelimit"
	"mailflow/internal/scheduler"
	"mailflow/internal/store"
	"mailflow/internal/worker"
)

func main() {
	var (
		addr    = flag.String("addr", "", "HTTP bind address (overrides ADDR)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides DB_PATH)")
		workers = flag.Int("workers", 0, "worker goroutines (overrides WORKER_CONCURRENCY)")
		rebuild = flag.Bool("rebuild", false, "re-enqueue orphaned pending emails and exit")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *workers > 0 {
		cfg.WorkerConcurrency = *workers
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	for _, ensure := range []func(*sql.DB) error{store.EnsureSchema, queue.EnsureSchema, ratelimit.EnsureSchema} {
		if err := ensure(db); err != nil {
			log.Fatal().Err(err).Msg("ensure schema")
		}
	}

	st := store.NewSQLiteStore(db)
	q := queue.NewSQLiteQueue(db, cfg.VisibilityTimeout)
	counter := ratelimit.NewSQLiteCounter(db)
	sched := scheduler.NewService(st, q, cfg.MinDelaySeconds(), cfg.MaxDeliveryAttempts, log.Logger)

	if *rebuild {
		n, err := sched.Rebuild(context.Background())
		if err != nil {
			log.Fatal().Err(err).Msg("rebuild queue")
		}
		log.Info().Int("rebuilt", n).Msg("queue rebuilt")
		return
	}

	if n, err := q.RecoverStale(context.Background(), time.Now()); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale leased jobs")
	}

	smtp := mailer.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(q, st, counter, smtp, worker.Options{
		Sender:      cfg.SenderEmail,
		MaxPerHour:  cfg.MaxEmailsPerHour,
		BackoffBase: cfg.RetryBackoffBase,
		Size:        cfg.WorkerConcurrency,
		PollEvery:   cfg.PollInterval,
		SendsPerSec: cfg.SendRatePerSec,
	}, log.Logger)
	go pool.Run(ctx)

	// Periodic housekeeping: reclaim expired leases and re-enqueue pending
	// emails that lost their job to a crash mid-submission.
	c := cron.New()
	_, err = c.AddFunc("@every 1m", func() {
		if n, err := q.RecoverStale(ctx, time.Now()); err != nil {
			log.Error().Err(err).Msg("recover stale jobs")
		} else if n > 0 {
			log.Info().Int("recovered", n).Msg("recovered stale leased jobs")
		}
		if _, err := sched.Rebuild(ctx); err != nil {
			log.Error().Err(err).Msg("rebuild sweep")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("register housekeeping job")
	}
	c.Start()

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(sched, st, api.AuthConfig{
			Email:    cfg.AuthEmail,
			Password: cfg.AuthPassword,
			TokenTTL: cfg.AuthTokenTTL,
		}),
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
	<-c.Stop().Done()
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

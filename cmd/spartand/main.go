package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"spartan/internal/api"
	"spartan/internal/config"
	"spartan/internal/jobs"
	"spartan/internal/scheduler"
	"spartan/internal/settlement"
	"spartan/internal/store"
	"spartan/internal/twap"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to yaml config")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		initCfg = flag.Bool("init-config", false, "write a default config to -config and exit")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	if *initCfg {
		if *cfgPath == "" {
			*cfgPath = "spartan.yaml"
		}
		if err := config.Write(*cfgPath, config.Default()); err != nil {
			log.Fatal().Err(err).Str("path", *cfgPath).Msg("write config")
		}
		log.Info().Str("path", *cfgPath).Msg("default config written")
		return
	}

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *cfgPath).Msg("load config")
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
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

	st := store.NewSQLiteStore(db)
	clock := clockwork.NewRealClock()
	reg := scheduler.NewRegistry()
	sched := scheduler.New(st, reg, clock, time.Duration(cfg.Scheduler.TickSeconds)*time.Second)

	settleTimeout := time.Duration(cfg.Settlement.TimeoutSeconds) * time.Second
	settle := settlement.NewClient(cfg.Settlement.BaseURL, settleTimeout)

	ctrl := twap.NewController(sched, st, settle, settle, clock, cfg.Agent.ID)
	ctrl.Register(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Boot dedup: each job family replaces any schedules a previous process
	// generation left behind. TWAP order tasks persist and simply resume.
	if cfg.Post.Enabled {
		source := jobs.NewHTTPContentSource(cfg.Post.ContentURL, settleTimeout)
		pub := jobs.NewHTTPPublisher(cfg.Post.PublishURL, settleTimeout)
		post := jobs.NewPostJob(sched, st, source, pub, clock, cfg.Agent.ID)
		post.Register(reg)
		if _, err := post.EnsureScheduled(ctx, jobs.PostConfig{
			Topic:           cfg.Post.Topic,
			MaxPosts:        cfg.Post.MaxPosts,
			IntervalMinutes: cfg.Post.IntervalMinutes,
			CronExpr:        cfg.Post.CronExpr,
		}); err != nil {
			log.Fatal().Err(err).Msg("schedule post job")
		}
	}
	if cfg.Recon.Enabled {
		recon := jobs.NewReconJob(sched, st, settle, clock, cfg.Agent.ID)
		recon.Register(reg)
		if _, err := recon.EnsureScheduled(ctx, jobs.ReconConfig{
			Watchlist:       cfg.Recon.Watchlist,
			IntervalMinutes: cfg.Recon.IntervalMinutes,
			CronExpr:        cfg.Recon.CronExpr,
		}); err != nil {
			log.Fatal().Err(err).Msg("schedule recon job")
		}
	}

	go sched.Run(ctx)

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(sched, ctrl, st)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	sched.Drain()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

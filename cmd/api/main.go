package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/facebookgo/clock"

	"accord/api/internal/app"
	"accord/api/internal/archive"
	"accord/api/internal/auth"
	"accord/api/internal/config"
	"accord/api/internal/logger"
	"accord/api/internal/remote"
	"accord/api/internal/search"
	"accord/api/internal/store"
	"accord/api/internal/syncer"
	"accord/api/internal/workflow"
)

const searchRefreshInterval = 30 * time.Second

func main() {
	hashToken := flag.String("hash-token", "", "print the bcrypt hash of an API token and exit")
	flag.Parse()
	if *hashToken != "" {
		hash, err := auth.HashAPIToken(*hashToken)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	persist, pinger, closeStore := openPersister(ctx, cfg, log)
	defer closeStore()
	if strings.TrimSpace(cfg.MirrorFolder) != "" {
		persist = store.WithMirror(persist, store.NewFileMirror(cfg.MirrorFolder), log)
	}

	initial, err := store.LoadOrInit(ctx, persist, cfg.TeamName)
	if err != nil {
		log.Fatal("load document failed", "error", err)
	}
	state := store.NewState(initial)
	toasts := syncer.NewToastFeed(0)

	engine := syncer.NewEngine(state, persist, openerFor(cfg), log.With("component", "syncer"),
		syncer.WithNotifier(toasts),
		syncer.WithSealer(auth.NewSealer(cfg.Secret)),
		syncer.WithTimeout(cfg.RemoteTimeout),
		syncer.WithPushAttempts(cfg.PushAttempts),
		syncer.WithDefaults(remote.Settings{
			Token:  cfg.GitHubToken,
			Repo:   cfg.GitHubRepo,
			Branch: cfg.Branch,
			Path:   cfg.DataPath,
		}),
	)
	if err := engine.Load(ctx); err != nil {
		log.Fatal("load sync state failed", "error", err)
	}

	clk := clock.New()
	scheduler := syncer.NewScheduler(engine, clk, cfg.AutoPushDelay, cfg.WatchInterval, log.With("component", "scheduler"))
	scheduler.Start(ctx)
	defer scheduler.Close()
	if engine.Configured() {
		go func() {
			if _, err := engine.PullAndMerge(ctx, true); err != nil {
				log.Warn("initial pull failed", "error", err)
			}
		}()
	}

	flow := workflow.NewService(state, persist, scheduler, log.With("component", "workflow"), workflow.WithNotifier(toasts))

	var backend search.Backend
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log.With("component", "search"))
		defer meiliClient.Close()
		backend = meiliClient
	}
	searchService := search.NewService(state, backend, log.With("component", "search"))
	go searchService.Run(ctx, clk, searchRefreshInterval)

	var sink app.ArchiveSink
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		minioSink, err := archive.NewMinioSink(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
		if err != nil {
			log.Fatal("archive storage setup failed", "error", err)
		}
		if err := minioSink.EnsureBucket(ctx); err != nil {
			log.Warn("archive bucket unavailable, uploads may fail", "bucket", cfg.S3Bucket, "error", err)
		}
		sink = minioSink
	}

	service := app.NewService(app.Deps{
		State:    state,
		Workflow: flow,
		Engine:   engine,
		Search:   searchService,
		Toasts:   toasts,
		Pinger:   pinger,
		Sink:     sink,
		Log:      log,
	})
	apiToken := auth.NewAPIToken(cfg.APITokenHash)
	if !apiToken.Enabled() {
		log.Warn("ACCORD_API_TOKEN_HASH is not set, the API is open")
	}

	httpServer := app.NewHTTPServer(service, apiToken, log.With("component", "http"), cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("Accord API listening", "addr", cfg.Addr, "storage", cfg.Storage, "remote", cfg.Remote)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
}

func openPersister(ctx context.Context, cfg config.Config, log *logger.Logger) (store.Persister, app.Pinger, func()) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage)) {
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("database connection failed", "error", err)
		}
		if err := store.ApplyMigrations(ctx, db, store.Migrations()); err != nil {
			log.Fatal("migrations failed", "error", err)
		}
		pg := store.NewPostgresStore(db)
		return pg, pg, func() { _ = db.Close() }
	case "memory":
		log.Warn("using in-memory storage, data is lost on restart")
		return store.NewMemoryStore(), nil, func() {}
	default:
		rs, err := store.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal("redis connection failed", "error", err)
		}
		return rs, rs, func() { _ = rs.Close() }
	}
}

func openerFor(cfg config.Config) remote.Opener {
	if strings.EqualFold(strings.TrimSpace(cfg.Remote), "git") {
		return remote.NewGitRepository(cfg.GitDir, cfg.TeamName)
	}
	return remote.GitHubOpener{BaseURL: cfg.GitHubAPIURL}
}

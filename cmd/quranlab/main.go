package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"

	"github.com/escalopa/quran-lab/internal/adapter/gormstore"
	"github.com/escalopa/quran-lab/internal/adapter/httpapi"
	"github.com/escalopa/quran-lab/internal/adapter/i18n"
	"github.com/escalopa/quran-lab/internal/adapter/ledger"
	"github.com/escalopa/quran-lab/internal/adapter/memory"
	"github.com/escalopa/quran-lab/internal/adapter/quranapi"
	"github.com/escalopa/quran-lab/internal/adapter/redis"
	"github.com/escalopa/quran-lab/internal/adapter/telegram"
	"github.com/escalopa/quran-lab/internal/application"
	"github.com/escalopa/quran-lab/internal/config"
	"github.com/escalopa/quran-lab/internal/domain"
	"github.com/escalopa/quran-lab/internal/escalation"
	"github.com/escalopa/quran-lab/internal/level"
	"github.com/escalopa/quran-lab/internal/pkg/logger"
	"github.com/escalopa/quran-lab/internal/pkg/tracing"
	"github.com/escalopa/quran-lab/internal/points"
	"github.com/escalopa/quran-lab/internal/progress"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

// workingState is where in-flight submissions, progress and locks live
type workingState interface {
	domain.SubmissionStorePort
	domain.ProgressStorePort
	domain.PreferenceStorePort
}

func run() error {
	// .env is optional
	_ = godotenv.Load()

	fs := flag.NewFlagSet("quranlab", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "YAML config file (optional, defaults and env are used without it)")
		host       = fs.String("host", "", "HTTP listen host, overrides http.host")
		port       = fs.Int("port", 0, "HTTP listen port, overrides http.port")
		logMode    = fs.String("log-mode", "", "production or development, overrides app.log_mode")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("QURANLAB")); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *host != "" {
		cfg.HTTP.Host = *host
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *logMode != "" {
		cfg.App.LogMode = *logMode
	}

	logg, err := logger.New(cfg.App.LogMode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logg.Sync()
	logg.Info("configuration loaded", "env", cfg.App.Env, "storage", cfg.Storage.Driver, "redis", cfg.Redis.URI != "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, logg, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.App.Env,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logg.Warn("shutdown tracing", "error", err)
		}
	}()

	integrations := map[string]string{"analysis": cfg.Analysis.BaseURL}

	// Working state: redis when configured, process memory otherwise
	var (
		state   workingState
		locker  domain.LockerPort
		reviews domain.ReviewPort
		mem     *memory.Store
	)
	if cfg.Redis.URI != "" {
		client, err := redis.Connect(cfg.Redis.URI)
		if err != nil {
			return err
		}
		defer client.Close()
		state = redis.NewStore(client)
		locker = redis.NewLocker(client, cfg.Redis.LockTTL)
		reviews = redis.NewReviewPool(client)
		integrations["working_state"] = "redis"
		logg.Info("redis connected")
	} else {
		mem = memory.NewStore()
		state = mem
		locker = memory.NewKeyedLocker()
		reviews = memory.NewReviewPool()
		integrations["working_state"] = "memory"
		logg.Warn("redis not configured, working state is kept in memory")
	}

	// Durable storage
	var storage domain.StoragePort
	switch cfg.Storage.Driver {
	case "postgres", "sqlite":
		db, err := gormstore.Open(cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return err
		}
		store, err := gormstore.NewStore(db)
		if err != nil {
			return err
		}
		storage = store
		integrations["storage"] = cfg.Storage.Driver
		logg.Info("storage connected", "driver", cfg.Storage.Driver)
	default:
		if mem == nil {
			mem = memory.NewStore()
		}
		storage = mem
		integrations["storage"] = "memory"
	}

	// Attestation
	var attestor domain.AttestationPort = memory.Attestor{}
	integrations["ledger"] = "local"
	if cfg.Ledger.Enabled {
		attestor = ledger.NewClient(cfg.Ledger.BaseURL, cfg.Ledger.APIKey, cfg.Ledger.Timeout)
		integrations["ledger"] = cfg.Ledger.BaseURL
	}

	// Core components
	levels, err := level.New(cfg.Tiers())
	if err != nil {
		return err
	}
	calc, err := points.NewCalculator(cfg.Points)
	if err != nil {
		return err
	}
	esc, err := escalation.NewController(cfg.Escalation, levels)
	if err != nil {
		return err
	}
	tracker := progress.NewTracker(state, locker, calc, levels, progress.WithLocation(cfg.Location()))

	// Notifications: Telegram when a token is set
	var (
		notifier domain.NotifierPort = memory.NewOutbox()
		tgNotify *telegram.Notifier
	)
	integrations["notifications"] = "outbox"
	if cfg.Telegram.Token != "" {
		translations, err := i18n.NewI18n(cfg.App.LocalesDir)
		if err != nil {
			return err
		}
		api, err := telegram.Connect(cfg.Telegram.Token)
		if err != nil {
			return err
		}
		tgNotify = telegram.NewNotifier(api, state, translations,
			domain.Language(cfg.App.DefaultLanguage), cfg.Location(), logg.With("component", "telegram"))
		notifier = tgNotify
		integrations["notifications"] = "telegram"
		logg.Info("telegram bot authorized", "username", api.Self.UserName)
	}

	qiraats, err := cfg.SupportedQiraats()
	if err != nil {
		return err
	}
	opts := application.DefaultOptions()
	opts.MaxRetries = cfg.Analysis.MaxRetries
	opts.InitialBackoff = cfg.Analysis.InitialBackoff
	opts.Qiraats = qiraats
	opts.DefaultQiraat = domain.Qiraat(cfg.Qiraats.Default)
	opts.SweepInterval = cfg.Escalation.SweepInterval
	opts.RetryInterval = cfg.Attestation.RetryInterval
	opts.AttestationBatch = cfg.Attestation.BatchSize
	opts.Integrations = integrations

	pipeline, err := application.NewPipeline(application.Deps{
		Analyzer:    quranapi.NewClient(cfg.Analysis.BaseURL, cfg.Analysis.APIKey, cfg.Analysis.Timeout),
		Reviews:     reviews,
		Attestor:    attestor,
		Storage:     storage,
		Notifier:    notifier,
		Submissions: state,
		Locker:      locker,
		Tracker:     tracker,
		Escalation:  esc,
		Levels:      levels,
		Log:         logg,
	}, opts)
	if err != nil {
		return err
	}

	server := httpapi.New(cfg.HTTP.Addr(), pipeline, logg.With("component", "http"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})
	g.Go(func() error {
		return pipeline.Run(gctx)
	})
	if tgNotify != nil {
		bot := telegram.NewBot(tgNotify, pipeline)
		g.Go(func() error {
			return bot.Start(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			return bot.Stop()
		})
	}

	logg.Info("quranlab started", "addr", cfg.HTTP.Addr())
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logg.Info("quranlab stopped")
	return nil
}

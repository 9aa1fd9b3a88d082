package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reelflow/reelflow/pkg/adapter"
	"github.com/reelflow/reelflow/pkg/adapter/heygen"
	"github.com/reelflow/reelflow/pkg/adapter/late"
	"github.com/reelflow/reelflow/pkg/adapter/submagic"
	"github.com/reelflow/reelflow/pkg/apiserver"
	"github.com/reelflow/reelflow/pkg/auth"
	"github.com/reelflow/reelflow/pkg/config"
	"github.com/reelflow/reelflow/pkg/deadletter"
	"github.com/reelflow/reelflow/pkg/engine"
	"github.com/reelflow/reelflow/pkg/eventbus"
	"github.com/reelflow/reelflow/pkg/journal"
	"github.com/reelflow/reelflow/pkg/logging"
	"github.com/reelflow/reelflow/pkg/metrics"
	"github.com/reelflow/reelflow/pkg/reconciler"
	"github.com/reelflow/reelflow/pkg/retry"
	redisclient "github.com/reelflow/reelflow/pkg/store/redis"
	"github.com/reelflow/reelflow/pkg/webhook"
)

func main() {
	os.Exit(start())
}

// start returns the process exit code once every deferred flush has run.
func start() int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("engine stopped with error", zap.Error(err))
		return 1
	}
	logger.Info("engine stopped")
	return 0
}

func run(cfg *config.Config, logger *zap.Logger) error {
	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var (
		deduper webhook.Deduper = webhook.NewMemoryDeduper()
		broker  eventbus.Broker = eventbus.NewLocalBus()
		locker  *redisclient.Locker
	)
	if cfg.Redis.Enabled {
		rc, err := redisclient.NewClient(&cfg.Redis)
		if err != nil {
			return err
		}
		defer rc.Close()
		deduper = redisclient.NewDeduper(rc)
		broker = eventbus.NewBus(rc.Client(), cfg.Redis.KeyPrefix, logger)
		locker = redisclient.NewLocker(rc)
	} else {
		logger.Info("redis disabled; idempotency cache and live events are local to this process")
	}

	registry := adapter.NewRegistry(
		heygen.New(cfg.Vendors.HeyGen, cfg.Vendors.PublicBaseURL),
		submagic.New(cfg.Vendors.Submagic, cfg.Vendors.PublicBaseURL),
		late.New(cfg.Vendors.Late),
	)

	recorder := deadletter.NewRecorder(st.deadLetters, cfg.Engine.DeadLetterBuffer, logger)
	journalWriter := journal.NewWriter(st.journal, cfg.Engine.JournalBuffer, cfg.Engine.JournalRetentionDays, logger)

	eng := engine.New(cfg.Engine, st.workflows, registry, logger,
		engine.WithJournal(journalWriter),
		engine.WithDeadLetters(recorder),
		engine.WithNotifier(broker),
	)

	ingestor := webhook.NewIngestor(cfg.Engine, cfg.Vendors, eng, registry, logger,
		webhook.WithDeduper(deduper),
		webhook.WithDeadLetters(recorder),
	)

	var (
		detectorOpts  = []reconciler.Option{reconciler.WithDeadLetters(recorder)}
		schedulerOpts []retry.Option
	)
	if locker != nil {
		detectorOpts = append(detectorOpts, reconciler.WithLocker(locker))
		schedulerOpts = append(schedulerOpts, retry.WithLocker(locker))
	}
	detector := reconciler.NewDetector(cfg.Engine, eng, registry, logger, detectorOpts...)
	scheduler := retry.NewScheduler(cfg.Engine, eng, logger, schedulerOpts...)
	occupancy := metrics.NewCollector(st.workflows, cfg.Engine.Brands, logger, nil)

	server := apiserver.NewServer(apiserver.Deps{
		Engine:      eng,
		Webhooks:    webhook.NewHandler(ingestor, cfg.Server.MaxBodyBytes, logger),
		DeadLetters: deadletter.NewService(st.deadLetters, ingestor, eng),
		Journal:     journalWriter,
		Broker:      broker,
		Tokens:      auth.NewOperatorTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL, cfg.Auth.Issuer),
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return detector.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return occupancy.Run(gctx, cfg.Engine.OccupancyInterval) })
	g.Go(func() error { return recorder.Run(gctx) })
	g.Go(func() error { return journalWriter.Run(gctx) })

	return g.Wait()
}

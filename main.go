package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ignitionflow/config"
	"ignitionflow/dispatch"
	"ignitionflow/ignition"
	"ignitionflow/internal/metrics"
	"ignitionflow/logger"
	"ignitionflow/models"
	"ignitionflow/provider"
	"ignitionflow/repository"
	"ignitionflow/scoring"
	"ignitionflow/server"
	"ignitionflow/store"
	"ignitionflow/subscription"
	"ignitionflow/tier2"
	"ignitionflow/tradingctx"
	"ignitionflow/watchlist"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
	}).Info("starting ignitionflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Store.Archive.Region, cfg.Metrics.Namespace)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	barStore := store.NewBarStore(cfg)
	if cfg.Store.Archive.Enabled {
		archiver, err := store.NewArchiver(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create S3 archiver")
			os.Exit(1)
		}
		barStore.SetArchiver(archiver)
	}

	rest := provider.NewRestClient(cfg)
	repo := repository.New(cfg, barStore, rest)

	wlStore := watchlist.NewStore(cfg)
	if err := wlStore.Load(); err != nil {
		log.WithError(err).Error("failed to load watchlist")
		os.Exit(1)
	}

	scorer := scoring.NewScorer(cfg)
	scanner := watchlist.NewScanner(cfg, repo, scorer, rest, wlStore)

	rawTicks := make(chan models.Tick, cfg.Provider.Stream.RawBuffer)
	stream := provider.NewStreamClient(cfg, rawTicks)

	dispatcher := dispatch.NewDispatcher(cfg, rawTicks)
	ignitionCh, err := dispatcher.Register(dispatch.ConsumerIgnition, dispatch.DropOldest)
	if err != nil {
		log.WithError(err).Error("failed to register ignition consumer")
		os.Exit(1)
	}
	strategyCh, err := dispatcher.Register(dispatch.ConsumerStrategy, dispatch.DropNewest)
	if err != nil {
		log.WithError(err).Error("failed to register strategy consumer")
		os.Exit(1)
	}
	// Strategy receives nothing until Tier-2 membership is published.
	if err := dispatcher.UpdateFilter(dispatch.ConsumerStrategy, []string{}); err != nil {
		log.WithError(err).Error("failed to seed strategy filter")
		os.Exit(1)
	}
	uiCh, err := dispatcher.Register(dispatch.ConsumerUIBroadcast, dispatch.Coalesce)
	if err != nil {
		log.WithError(err).Error("failed to register ui consumer")
		os.Exit(1)
	}
	var recorderCh <-chan models.Tick
	if cfg.Dispatcher.RecorderEnabled {
		recorderCh, err = dispatcher.Register(dispatch.ConsumerRecorder, dispatch.Block)
		if err != nil {
			log.WithError(err).Error("failed to register recorder consumer")
			os.Exit(1)
		}
	}
	// The strategy engine and UI transport live outside this process for
	// now; their queues still need draining so the dispatcher's drop
	// counters reflect real consumer behavior.
	go drain(ctx, strategyCh)
	go drain(ctx, uiCh)
	if recorderCh != nil {
		go drain(ctx, recorderCh)
	}

	monitor := ignition.NewMonitor(cfg, ignitionCh)
	tctx := tradingctx.New()
	t2set := tier2.NewSet(cfg.Tier2.MaxSize)
	subs := subscription.NewManager(cfg, stream, wlStore, t2set, tctx, monitor)
	applier := tier2.NewApplier(cfg, t2set, monitor, wlStore, tctx, subs, dispatcher)

	tctx.Subscribe(func(active, previous string) {
		subs.RequestSync()
	})

	if err := dispatcher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start dispatcher")
		os.Exit(1)
	}
	if err := stream.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start stream client")
		os.Exit(1)
	}
	if err := subs.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start subscription manager")
		os.Exit(1)
	}
	if err := applier.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start tier2 applier")
		os.Exit(1)
	}
	if err := monitor.Start(ctx, wlStore.Tickers()); err != nil {
		log.WithError(err).Error("failed to start ignition monitor")
		os.Exit(1)
	}
	subs.RequestSync()

	if cfg.Metrics.QueueDepth {
		metrics.StartQueueDepthMetrics(ctx, dispatcher.QueueStats, cfg.Metrics.ReportInterval)
	}

	ctrl := server.NewServer(cfg.Server, server.Deps{
		Repository:    repo,
		Scanner:       scanner,
		Watchlist:     wlStore,
		Monitor:       monitor,
		Applier:       applier,
		Tier2:         t2set,
		Subscriptions: subs,
		Trading:       tctx,
		Stats:         func() any { return dispatcher.Stats() },
	})

	var wg sync.WaitGroup
	if ctrl != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ctrl.Run(ctx); err != nil {
				log.WithError(err).Error("control server exited")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping ignition monitor")
	if err := monitor.Stop(); err != nil {
		log.WithError(err).Warn("ignition monitor stop")
	}

	log.Info("stopping tier2 applier")
	applier.Stop()

	log.Info("stopping subscription manager")
	subs.Stop()

	log.Info("stopping stream client")
	stream.Stop()

	log.Info("stopping dispatcher")
	dispatcher.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("ignitionflow stopped")
}

func drain(ctx context.Context, ch <-chan models.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
		}
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/marketstate-bridge/config"
	"github.com/spooky-finn/marketstate-bridge/domain"
	"github.com/spooky-finn/marketstate-bridge/feed"
	"github.com/spooky-finn/marketstate-bridge/infrastructure/logger"
	promclient "github.com/spooky-finn/marketstate-bridge/infrastructure/prometheus"
	"github.com/spooky-finn/marketstate-bridge/rpc"
	"github.com/spooky-finn/marketstate-bridge/usecase"
)

func main() {
	conf, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	if err := logger.Setup(conf.App.LogLevel, conf.App.LogFile); err != nil {
		logrus.WithError(err).Fatal("failed to set up logging")
	}
	log := logrus.WithField("module", "main").WithField("app", conf.App.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := promclient.StartPromClientServer(conf.App.MetricsAddr); err != nil {
			log.WithError(err).Error("prometheus server stopped")
		}
	}()

	feedOpts := feed.DefaultOptions(conf.Feed.URL)
	feedOpts.HandshakeTimeout = conf.Feed.HandshakeTimeout
	feedOpts.KeepAliveTimeout = conf.Feed.KeepAliveTimeout
	feedOpts.RequestTimeout = conf.Feed.RequestTimeout
	feedOpts.Verbose = conf.App.Debug

	client := feed.NewStreamClient(feedOpts)
	client.Connect(ctx)
	defer client.Close()

	syncAPI := feed.NewSyncAPI(client)
	health := rpc.NewHealthTracker()
	registry := domain.NewStreamRegistry()
	notifier := domain.NewNotifier()
	maintainer := domain.NewOrderBookMaintainer(registry, syncAPI, notifier, domain.MaintainerOptions{
		WarmupDelay:      conf.Sync.WarmupDelay,
		FetchTimeout:     conf.Sync.FetchTimeout,
		MaxFetchAttempts: conf.Sync.MaxFetchAttempts,
		SnapshotDepth:    conf.Sync.SnapshotDepth,
		Observer:         domain.SyncObservers{promclient.SyncObserver{}, health},
	})
	defer maintainer.Stop()

	session := usecase.NewStreamSession(registry, maintainer, notifier, client, usecase.SessionLimits{
		Trades:         conf.Cache.TradesLimit,
		Fills:          conf.Cache.FillsLimit,
		Orders:         conf.Cache.OrdersLimit,
		Candles:        conf.Cache.OHLCVLimit,
		PendingUpdates: conf.Sync.PendingLimit,
	})
	sessionDone := make(chan struct{})
	go func() {
		defer close(sessionDone)
		session.Run(ctx, client.Messages())
	}()

	for _, raw := range conf.Feed.Subscriptions {
		key, err := domain.ParseStreamKey(raw)
		if err != nil {
			log.WithError(err).Error("skipping startup subscription")
			continue
		}
		if err := session.Subscribe(ctx, key); err != nil {
			log.WithError(err).WithField("stream", key.String()).Error("startup subscription failed")
		}
	}

	snapshots := usecase.NewOrderBookSnapshotUseCase(session, registry, syncAPI)
	watch := usecase.NewWatchUseCase(session, registry, maintainer, notifier)

	server := rpc.NewServer(rpc.ServerConfig{
		HTTPAddr: conf.RPC.HTTPAddr,
		GRPCAddr: conf.RPC.GRPCAddr,
		Validation: rpc.ValidationServiceConfig{
			AvailableMarkets: conf.RPC.Markets,
			MaxDepth:         conf.RPC.MaxDepth,
		},
	}, snapshots, watch, health)
	if err := server.Start(); err != nil {
		log.WithError(err).Fatal("failed to start rpc server")
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("rpc server shutdown")
	}
	<-sessionDone
	snapshots.Wait()
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/virtengine/marketd/pkg/aggregator"
	"github.com/virtengine/marketd/pkg/api"
	"github.com/virtengine/marketd/pkg/chain"
	"github.com/virtengine/marketd/pkg/config"
	"github.com/virtengine/marketd/pkg/events"
	"github.com/virtengine/marketd/pkg/lifecycle"
	"github.com/virtengine/marketd/pkg/log"
	"github.com/virtengine/marketd/pkg/metrics"
	"github.com/virtengine/marketd/pkg/monitor"
	"github.com/virtengine/marketd/pkg/outbox"
	"github.com/virtengine/marketd/pkg/reporter"
	"github.com/virtengine/marketd/pkg/scheduler"
	"github.com/virtengine/marketd/pkg/signing"
	"github.com/virtengine/marketd/pkg/storage"
	"github.com/virtengine/marketd/pkg/types"
)

var configPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the marketd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			// Configuration problems exit 1 via Execute's error path.
			return err
		}
		run(cfg)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/marketd/config.yaml", "path to config file")
}

func run(cfg *config.Config) {
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("main")
	metrics.Register()

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		logger.Error().Err(err).Str("data_dir", cfg.DataDir).Msg("cannot open outbox store")
		os.Exit(exitStartupFailed)
	}
	keypair, err := signing.LoadKeypair(cfg.ProviderKeyFile)
	if err != nil {
		logger.Error().Err(err).Str("key_file", cfg.ProviderKeyFile).Msg("cannot load provider key")
		os.Exit(exitStartupFailed)
	}

	broker := events.NewBroker()
	broker.Start()

	agg := aggregator.New(broker)
	for _, cl := range cfg.Clusters {
		agg.UpsertCluster(&types.Cluster{
			ID:              cl.ID,
			ProviderAddress: cfg.ProviderAddress,
			Region:          cl.Region,
			State:           types.ClusterStateActive,
		})
	}
	ob := outbox.New(store)
	rep := reporter.New(keypair, ob, broker, cfg.Reporter)
	agg.SetMetricsSink(rep)

	sched := scheduler.New(cfg.SchedulerWeights)
	settlements := chain.NewSettlementQueue(ob, cfg.ProviderAddress, keypair)
	engine := lifecycle.New(sched, agg, settlements, rep, broker)
	engine.Start()

	mon := monitor.New(agg, broker, monitor.Thresholds{
		Stale:          cfg.StaleThreshold(),
		Offline:        cfg.OfflineThreshold(),
		Deregistration: cfg.DeregThreshold(),
	}, cfg.CheckInterval())
	mon.Start()

	broadcaster := chain.NewBroadcaster(
		cfg.RPCEndpoint, cfg.ProviderAddress, agg,
		time.Duration(cfg.BatchSubmitIntervalSec)*time.Second, cfg.MaxBatchSize)
	broadcaster.Start()

	flusher := outbox.NewFlusher(store, map[types.OutboxKind]outbox.Sender{
		types.OutboxKindUsage:      reporter.NewMarketplaceSender(cfg.MarketplaceURL, cfg.ProviderAddress),
		types.OutboxKindSettlement: broadcaster,
	}, cfg.Outbox, broker)
	flusher.Start()

	eventClient := chain.NewClient(cfg.WSEndpoint, cfg.EventClient)
	eventClient.Subscribe(engine.HandleChainEvent)
	if err := eventClient.Connect(); err != nil {
		// The chain stream is not load-bearing for serving agents; keep
		// running and let the operator see the failure.
		logger.Error().Err(err).Str("endpoint", cfg.WSEndpoint).Msg("chain event stream unavailable")
	}

	server := api.NewServer(cfg.ListenAddr, agg, engine, keypair.PublicKey())
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("provider", cfg.ProviderAddress).
		Msg("marketd started")

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("http server failed")
		os.Exit(exitStartupFailed)
	}

	done := make(chan struct{})
	go func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod())
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown incomplete")
		}
		eventClient.Disconnect()
		mon.Stop()
		engine.Stop()
		broadcaster.Stop()
		flusher.Stop() // drains inflight entries back to pending
		broker.Stop()
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("store close failed")
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
		os.Exit(exitOK)
	case <-time.After(cfg.ShutdownGracePeriod() + 5*time.Second):
		logger.Error().Msg("shutdown did not complete within grace period")
		os.Exit(exitForcedExit)
	case sig := <-sigCh:
		logger.Error().Str("signal", sig.String()).Msg("forced exit before drain completed")
		os.Exit(exitForcedExit)
	}
}

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

	"github.com/devblac/chainsync/internal/health"
	"github.com/devblac/chainsync/internal/indexer"
	"github.com/devblac/chainsync/internal/lease"
	"github.com/devblac/chainsync/internal/logging"
	"github.com/devblac/chainsync/internal/metrics"
	"github.com/devblac/chainsync/internal/sink"
	"github.com/devblac/chainsync/internal/telemetry"
	"github.com/spf13/cobra"
)

var (
	flagOnce    bool
	flagHealth  string
	flagMetrics string
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Run a single sync cycle and exit")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Index contract events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log, logCloser := logging.New(logging.Options{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
		defer logCloser.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			log.Warn("tracing disabled", "error", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracer(shutdownCtx)
		}()

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		handles, err := dialChain(ctx, cfg)
		if err != nil {
			return err
		}
		defer handles.Close()

		routes, err := sink.BuildRoutes(cfg.Sinks)
		if err != nil {
			return err
		}
		defer sink.CloseRoutes(routes)

		relay := sink.NewRelay(routes, log)
		handlers := indexer.NewHandlers()
		for _, eventType := range handles.registry.Types() {
			if err := handlers.Register(eventType, relay); err != nil {
				return err
			}
		}

		opts := indexer.Options{Logger: log}
		if flagMetrics != "" {
			opts.Metrics = metrics.Init()
			metricsSrv := &http.Server{Addr: flagMetrics, Handler: metricsMux(), ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = metricsSrv.Shutdown(shutdownCtx)
			}()
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		if cfg.Lease.RedisAddr != "" {
			l, err := lease.NewRedis(ctx, cfg.Lease.RedisAddr, cfg.Contract.Address, cfg.Lease.Duration())
			if err != nil {
				return fmt.Errorf("lease: %w", err)
			}
			opts.Lease = l
			log.Info("lease enabled", "key", lease.Key(cfg.Contract.Address), "ttl", cfg.Lease.Duration())
		}

		if flagHealth != "" {
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:  store.Ping,
				RPCPing: health.RPCPing(handles.reader),
				Lag:     health.Lag(store, handles.reader, cfg.Contract.Address, cfg.Sync.Confirmations()),
			})
			log.Info("health check enabled", "addr", flagHealth)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = health.Shutdown(shutdownCtx, healthSrv)
			}()
		}

		dispatcher, err := indexer.NewDispatcher(store, handles.reader, cfg.Contract.Address, handles.registry.Types(), handlers, opts)
		if err != nil {
			return err
		}
		poller, err := indexer.NewPoller(indexer.Config{
			Contract:        cfg.Contract.Address,
			DeploymentBlock: cfg.Contract.DeploymentBlock,
			Confirmations:   cfg.Sync.Confirmations(),
			MaxBlockRange:   cfg.Sync.MaxBlockRange,
			Interval:        cfg.Sync.PollingInterval(),
		}, store, handles.reader, dispatcher, opts)
		if err != nil {
			return err
		}

		if flagOnce {
			err := poller.RunOnce(ctx)
			if opts.Lease != nil {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = opts.Lease.Release(releaseCtx)
			}
			if err != nil {
				return fmt.Errorf("sync cycle: %w", err)
			}
			log.Info("sync cycle complete")
			return nil
		}
		return poller.Run(ctx)
	},
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

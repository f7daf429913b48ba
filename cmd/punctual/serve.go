package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/livinlefevreloca/punctual/internal/action"
	"github.com/livinlefevreloca/punctual/internal/api"
	"github.com/livinlefevreloca/punctual/internal/config"
	"github.com/livinlefevreloca/punctual/internal/db"
	"github.com/livinlefevreloca/punctual/internal/executor"
	"github.com/livinlefevreloca/punctual/internal/metrics"
	"github.com/livinlefevreloca/punctual/internal/outcome"
	"github.com/livinlefevreloca/punctual/internal/stats"
	"github.com/livinlefevreloca/punctual/internal/substrate"
	"github.com/livinlefevreloca/punctual/internal/substrate/kube"
	"github.com/livinlefevreloca/punctual/internal/substrate/local"
	"github.com/livinlefevreloca/punctual/internal/timer"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("starting punctual",
		"substrate", cfg.Substrate.Kind,
		"target_action", cfg.Timer.TargetAction,
		"target_lead_seconds", cfg.Timer.TargetLeadSeconds,
		"executor_action", cfg.Executor.Action)

	database, err := openDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	m := metrics.New()

	// Outcome recorder
	recorder, err := outcome.NewRecorder(cfg.Outcomes, database, logger.With("component", "outcomes"))
	if err != nil {
		return fmt.Errorf("failed to create outcome recorder: %w", err)
	}
	recorder.Start()

	// Precision executor
	act, err := action.New(cfg.Executor.Action, action.NewHTTPClient(cfg.Executor.ActionTimeout), logger.With("component", "action"))
	if err != nil {
		return fmt.Errorf("failed to resolve executor action: %w", err)
	}
	exec := executor.New(act,
		executor.WithReporter(executor.Reporters{recorder, m}),
		executor.WithLogger(logger.With("component", "executor")))

	// Substrate
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		sub        substrate.Substrate
		poller     *local.Poller
		pollerDone = make(chan struct{})
	)
	switch cfg.Substrate.Kind {
	case config.SubstrateKube:
		clientset, err := kube.NewClientset(cfg.Substrate.Kube.Kubeconfig)
		if err != nil {
			return err
		}
		sub = kube.New(clientset, cfg.Substrate.Kube, logger.With("component", "substrate"))
		close(pollerDone)
	default:
		sub = local.New(database, logger.With("component", "substrate"))

		dispatcher := action.NewDispatcher(action.NewHTTPClient(cfg.Substrate.DispatchTimeout), exec, logger.With("component", "dispatcher"))
		poller = local.NewPoller(database, dispatcher, cfg.Substrate.PollerConfig, m, logger.With("component", "poller"))

		pollerCtx, cancelPoller := context.WithCancel(context.Background())
		defer cancelPoller()
		go func() {
			defer close(pollerDone)
			poller.Run(pollerCtx)
		}()
		// The poller outlives the signal context so it can be stopped after
		// the HTTP server has drained.
		go func() {
			<-ctx.Done()
			cancelPoller()
		}()
	}

	// Stats sampler. Executions are only stored by the local substrate.
	var statsStore stats.Store = database
	if cfg.Substrate.Kind == config.SubstrateKube {
		statsStore = nil
	}
	sampler, err := stats.NewSampler(cfg.Stats, statsStore, recorder, m, logger.With("component", "stats"))
	if err != nil {
		return fmt.Errorf("failed to create stats sampler: %w", err)
	}
	sampler.Start()
	defer sampler.Stop()

	coordinator := timer.NewCoordinator(cfg.ScheduleConfig(),
		substrate.NewClient(sub, logger.With("component", "client")),
		timer.WithLogger(logger.With("component", "timer")),
		timer.WithMetrics(m))

	// HTTP API
	var apiServer *http.Server
	if cfg.HTTP.Enabled {
		srv := api.NewServer(coordinator, exec,
			api.WithStore(database),
			api.WithStats(sampler),
			api.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst),
			api.WithMaxWait(cfg.Executor.MaxWait),
			api.WithInstrumenter(m.InstrumentHandler),
			api.WithLogger(logger.With("component", "api")))

		apiServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go listen(apiServer, "http api", logger, stop)
	}

	// Metrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())

		metricsServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Metrics.Address, cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go listen(metricsServer, "metrics", logger, stop)
	}

	logger.Info("punctual is running")
	<-ctx.Done()
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	var errs []error
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http api shutdown: %w", err))
		}
	}

	// In-flight dispatches still report through the recorder
	<-pollerDone

	if err := recorder.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("outcome recorder shutdown: %w", err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}

	inboxStats := recorder.Stats()
	logger.Info("punctual stopped",
		"outcomes_sent", inboxStats.TotalSent,
		"outcomes_dropped", inboxStats.TotalDropped)

	return errors.Join(errs...)
}

func listen(srv *http.Server, name string, logger *slog.Logger, stop context.CancelFunc) {
	logger.Info("listening", "server", name, "address", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "server", name, "error", err)
		stop()
	}
}

func openDatabase(cfg *config.Config, logger *slog.Logger) (*db.DB, error) {
	logger.Info("connecting to database", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Database.SkipMigrations {
		logger.Info("skipping migrations", "reason", "configured to skip")
		return database, nil
	}

	version, err := database.Migrate()
	if err != nil {
		database.Close()
		return nil, err
	}
	logger.Info("database schema ready", "version", version)
	return database, nil
}

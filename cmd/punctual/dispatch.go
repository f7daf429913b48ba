package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/livinlefevreloca/punctual/internal/action"
	"github.com/livinlefevreloca/punctual/internal/db"
	"github.com/livinlefevreloca/punctual/internal/substrate/kube"
	"github.com/livinlefevreloca/punctual/internal/workflow"
)

// runDispatch is the entrypoint of a Kubernetes job pod. The pod usually has
// no config file, so the configuration is not validated beyond what the
// dispatch itself needs.
func runDispatch(args []string) error {
	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	definition := fs.String("definition", kube.MountPath+"/"+kube.DefinitionKey, "Path to the workflow document")
	execution := fs.String("execution", "", "Execution ref forwarded to the target")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(*definition)
	if err != nil {
		return fmt.Errorf("failed to read definition: %w", err)
	}
	def, err := workflow.ParseDocument(data)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *execution != "" {
		ctx = action.WithExecution(ctx, *execution)
		logger = logger.With("execution", *execution)
	}

	dispatcher := action.NewDispatcher(action.NewHTTPClient(cfg.Substrate.DispatchTimeout), nil, logger)
	return kube.WaitAndDispatch(ctx, def, dispatcher, time.Now, logger)
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}

	logger.Info("connecting to database", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	version, err := database.Migrate()
	if err != nil {
		return err
	}
	logger.Info("database schema ready", "version", version)
	return nil
}

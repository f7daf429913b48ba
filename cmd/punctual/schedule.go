package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/livinlefevreloca/punctual/internal/config"
	"github.com/livinlefevreloca/punctual/internal/substrate"
	"github.com/livinlefevreloca/punctual/internal/substrate/kube"
	"github.com/livinlefevreloca/punctual/internal/substrate/local"
	"github.com/livinlefevreloca/punctual/internal/timer"
)

// runSchedule submits one request against the configured substrate. With
// the local substrate a separately running `punctual serve` picks the
// execution up from the shared database.
func runSchedule(args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	at := fs.String("at", "", "Run time (RFC 3339)")
	in := fs.Duration("in", 0, "Run time relative to now")
	payload := fs.String("payload", "", "Payload forwarded to the action")
	if err := fs.Parse(args); err != nil {
		return err
	}

	runAt, err := parseRunAt(*at, *in, time.Now())
	if err != nil {
		return err
	}

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var sub substrate.Substrate
	switch cfg.Substrate.Kind {
	case config.SubstrateKube:
		clientset, err := kube.NewClientset(cfg.Substrate.Kube.Kubeconfig)
		if err != nil {
			return err
		}
		sub = kube.New(clientset, cfg.Substrate.Kube, logger)
	default:
		database, err := openDatabase(cfg, logger)
		if err != nil {
			return err
		}
		defer database.Close()
		sub = local.New(database, logger)
	}

	coordinator := timer.NewCoordinator(cfg.ScheduleConfig(), substrate.NewClient(sub, logger), timer.WithLogger(logger))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	handle, err := coordinator.Schedule(ctx, timer.ScheduleRequest{RunAt: runAt, Payload: *payload})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(handle)
}

// parseRunAt resolves exactly one of --at and --in
func parseRunAt(at string, in time.Duration, now time.Time) (time.Time, error) {
	switch {
	case at != "" && in != 0:
		return time.Time{}, errors.New("--at and --in are mutually exclusive")
	case at != "":
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at: %w", err)
		}
		return t, nil
	case in != 0:
		return now.Add(in), nil
	default:
		return time.Time{}, errors.New("one of --at or --in is required")
	}
}

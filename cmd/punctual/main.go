package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/livinlefevreloca/punctual/internal/config"
	_ "github.com/mattn/go-sqlite3"
)

const usage = `usage: punctual <command> [flags]

commands:
  serve     run the HTTP intake, executor and substrate
  schedule  submit a single schedule request and print its handle
  dispatch  wait for a workflow's wake time and invoke its target
  migrate   apply pending database migrations
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = runServe(args)
	case "schedule":
		err = runSchedule(args)
	case "dispatch":
		err = runDispatch(args)
	case "migrate":
		err = runMigrate(args)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		slog.Error("punctual exited with error", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

// commonFlags are accepted by every subcommand
type commonFlags struct {
	configFile string
	logLevel   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configFile, "config", "", "Path to configuration file (TOML)")
	fs.StringVar(&c.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
}

// load reads the layered configuration, applies flag overrides and installs
// the process logger. Logs go to stderr so command output on stdout stays
// machine readable.
func (c *commonFlags) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(c.configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}

	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

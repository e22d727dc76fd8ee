package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/hbomb79/Crate/internal"
	"github.com/hbomb79/Crate/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

var log = logger.Get("Bootstrap")

// main is the entry point to Crate. With no command the server is
// started; 'crate ingest' runs a single archive through the pipeline.
func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Emit(logger.WARNING, "Failed to load .env file: %v\n", err)
	}

	if len(args) > 0 && args[0] == "ingest" {
		return runIngest(args[1:], os.Stdout)
	}

	return runServer(args)
}

func runServer(args []string) error {
	var configPath, logLevel string
	flagSet := pflag.NewFlagSet("crate", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML configuration file (environment variables are always read)")
	flagSet.StringVar(&logLevel, "log-level", "info", "minimum log level (verbose, debug, info, warning, error)")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	logger.SetMinLoggingLevel(logger.ParseLevel(logLevel).Level())

	var config internal.CrateConfig
	if err := config.LoadFromFile(configPath); err != nil {
		return err
	}

	crate, err := internal.New(config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Emit(logger.INFO, "Starting Crate...\n")
	if err := crate.Run(ctx); err != nil {
		return err
	}

	log.Emit(logger.STOP, "Crate shutdown complete\n")
	return nil
}

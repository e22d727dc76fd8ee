package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/hbomb79/Crate/internal"
	"github.com/hbomb79/Crate/internal/archive"
	"github.com/hbomb79/Crate/internal/blob"
	"github.com/hbomb79/Crate/internal/catalog"
	"github.com/hbomb79/Crate/internal/classify"
	"github.com/hbomb79/Crate/internal/database"
	"github.com/hbomb79/Crate/internal/ingest"
	"github.com/hbomb79/Crate/pkg/logger"
	"github.com/spf13/pflag"
)

type ingestFlags struct {
	configPath string
	logLevel   string
	category   string
	file       string
	title      string
	packID     string
	thumbnail  string
	preview    string
	dryRun     bool
}

// runIngest runs a single archive through the pipeline and writes every
// frame of the job to out as newline delimited JSON. Logs go to stderr.
func runIngest(args []string, out io.Writer) error {
	var flags ingestFlags
	flagSet := pflag.NewFlagSet("crate ingest", pflag.ContinueOnError)
	flagSet.StringVar(&flags.configPath, "config", "", "path to a YAML configuration file")
	flagSet.StringVar(&flags.logLevel, "log-level", "warning", "minimum log level written to stderr")
	flagSet.StringVarP(&flags.category, "category", "c", "", "pack category: overlay, sound or lut")
	flagSet.StringVarP(&flags.file, "file", "f", "", "archive path or http(s) URL")
	flagSet.StringVar(&flags.title, "title", "", "pack title (derived from the archive name by default)")
	flagSet.StringVar(&flags.packID, "pack-id", "", "attach the archive to this existing pack")
	flagSet.StringVar(&flags.thumbnail, "thumbnail", "", "local thumbnail image to store with the pack")
	flagSet.StringVar(&flags.preview, "preview", "", "local preview clip to store with the pack")
	flagSet.BoolVar(&flags.dryRun, "dry-run", false, "keep catalog records in memory instead of Postgres")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger.SetOutput(os.Stderr)
	logger.SetMinLoggingLevel(logger.ParseLevel(flags.logLevel).Level())

	request, err := flags.request()
	if err != nil {
		return err
	}

	local, cat, closeCatalog, err := flags.catalog()
	if err != nil {
		return err
	}
	defer closeCatalog()

	service, store, err := internal.NewIngestService(local, cat, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, local.Ingest.JobTimeout())
	defer cancel()

	if request.Thumbnail, err = storeLocalAsset(ctx, store, flags.thumbnail); err != nil {
		return err
	}
	if request.Preview, err = storeLocalAsset(ctx, store, flags.preview); err != nil {
		return err
	}

	if _, err := service.Ingest(ctx, request, ingest.NewStreamSink(out, nil)); err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	return nil
}

func (flags *ingestFlags) request() (ingest.Request, error) {
	category, err := classify.ParseCategory(flags.category)
	if err != nil {
		return ingest.Request{}, fmt.Errorf("--category: %w", err)
	}
	if flags.file == "" {
		return ingest.Request{}, errors.New("--file is required")
	}

	request := ingest.Request{Category: category, Title: flags.title}
	if strings.HasPrefix(flags.file, "http://") || strings.HasPrefix(flags.file, "https://") {
		request.Source = archive.HTTPSource(flags.file, nil)
	} else {
		abs, err := filepath.Abs(flags.file)
		if err != nil {
			return ingest.Request{}, fmt.Errorf("--file: %w", err)
		}
		request.Source = archive.FileSource(abs)
	}

	if flags.packID != "" {
		id, err := uuid.Parse(flags.packID)
		if err != nil {
			return ingest.Request{}, fmt.Errorf("--pack-id: %w", err)
		}
		request.AttachTo = &id
	}

	return request, nil
}

// catalog returns the configuration and catalog the command should use,
// connecting to Postgres unless this is a dry run.
func (flags *ingestFlags) catalog() (internal.LocalConfig, ingest.Catalog, func(), error) {
	if flags.dryRun {
		var local internal.LocalConfig
		if err := local.LoadFromFile(flags.configPath); err != nil {
			return local, nil, nil, err
		}
		return local, catalog.NewMemory(), func() {}, nil
	}

	var config internal.CrateConfig
	if err := config.LoadFromFile(flags.configPath); err != nil {
		return internal.LocalConfig{}, nil, nil, err
	}

	db := database.New()
	if err := db.Connect(config.Database); err != nil {
		return internal.LocalConfig{}, nil, nil, err
	}

	return config.Local(), catalog.New(db), func() { _ = db.Close() }, nil
}

func storeLocalAsset(ctx context.Context, store blob.Store, path string) (string, error) {
	if path == "" {
		return "", nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open asset: %w", err)
	}
	defer f.Close()

	return blob.PutContentAddressed(ctx, store, "uploads", filepath.Base(path), f, blob.ContentTypeForFile(path))
}

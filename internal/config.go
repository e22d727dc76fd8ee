package internal

import (
	"fmt"

	"github.com/hbomb79/Crate/internal/api"
	"github.com/hbomb79/Crate/internal/blob"
	"github.com/hbomb79/Crate/internal/database"
	"github.com/hbomb79/Crate/internal/ffmpeg"
	"github.com/hbomb79/Crate/internal/inbox"
	"github.com/hbomb79/Crate/internal/ingest"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

type (
	// CrateConfig is the struct used to contain the
	// various user config supplied by file and/or
	// environment variables.
	CrateConfig struct {
		Database   database.DatabaseConfig `yaml:"database"`
		RestConfig api.RestConfig          `yaml:"api"`
		BlobStore  blob.Config             `yaml:"blob_store"`
		Ffmpeg     ffmpeg.Config           `yaml:"ffmpeg"`
		Ingest     ingest.Config           `yaml:"ingest"`
		Inbox      inbox.Config            `yaml:"inbox"`
	}

	// LocalConfig is the subset of the configuration needed to run an
	// ingestion without a database or the API (see the ingest command).
	LocalConfig struct {
		BlobStore blob.Config   `yaml:"blob_store"`
		Ffmpeg    ffmpeg.Config `yaml:"ffmpeg"`
		Ingest    ingest.Config `yaml:"ingest"`
	}
)

// LoadFromFile reads a YAML configuration file in to the config, with
// environment variables taking precedence. An empty path reads the
// environment alone.
func (config *CrateConfig) LoadFromFile(configPath string) error {
	if err := readConfig(configPath, config); err != nil {
		return err
	}

	return expandPaths(&config.BlobStore.RootPath, &config.Ingest.ScratchPath, &config.Inbox.InboxPath)
}

func (config *CrateConfig) Local() LocalConfig {
	return LocalConfig{BlobStore: config.BlobStore, Ffmpeg: config.Ffmpeg, Ingest: config.Ingest}
}

func (config *LocalConfig) LoadFromFile(configPath string) error {
	if err := readConfig(configPath, config); err != nil {
		return err
	}

	return expandPaths(&config.BlobStore.RootPath, &config.Ingest.ScratchPath)
}

func readConfig(configPath string, config any) error {
	var err error
	if configPath == "" {
		err = cleanenv.ReadEnv(config)
	} else {
		err = cleanenv.ReadConfig(configPath, config)
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	return nil
}

// expandPaths replaces a leading '~' in each of the paths with the
// user's home directory.
func expandPaths(paths ...*string) error {
	for _, p := range paths {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}

	return nil
}

package ingest

import (
	"os"
	"path/filepath"
	"time"
)

// Config controls how a single ingestion job processes an archive.
type Config struct {
	// Upper bound on the number of entries that may be spooled to
	// scratch and awaiting transform/upload at any one time.
	MaxPendingEntries int `yaml:"max_pending_entries" env:"INGEST_MAX_PENDING_ENTRIES" env-default:"4"`

	// Directory under which each job creates its own scratch folder.
	// Defaults to the OS temp directory.
	ScratchPath string `yaml:"scratch_path" env:"INGEST_SCRATCH_PATH"`

	// Convert mov/m4v videos to mp4 before upload.
	ConvertContainers bool `yaml:"convert_containers" env:"INGEST_CONVERT_CONTAINERS" env-default:"true"`

	// Render reduced resolution previews for video entries.
	RenderPreviews bool `yaml:"render_previews" env:"INGEST_RENDER_PREVIEWS" env-default:"true"`

	// Similarity threshold (0-1) for the fuzzy table matching tier. Zero
	// disables the tier.
	FuzzyMatchThreshold float64 `yaml:"fuzzy_match_threshold" env:"INGEST_FUZZY_MATCH_THRESHOLD" env-default:"0"`

	// Wall-clock ceiling applied by callers which trigger jobs.
	JobTimeoutSeconds int `yaml:"job_timeout_seconds" env:"INGEST_JOB_TIMEOUT_SECONDS" env-default:"1800"`
}

func (config Config) JobTimeout() time.Duration {
	if config.JobTimeoutSeconds <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(config.JobTimeoutSeconds) * time.Second
}

func (config Config) scratchRoot() string {
	if config.ScratchPath == "" {
		return os.TempDir()
	}
	return filepath.Clean(config.ScratchPath)
}

func (config Config) maxPending() int {
	return max(config.MaxPendingEntries, 1)
}

package inbox

import "time"

// Config contains configuration options that allow
// customization of how Crate detects archives to auto-ingest.
type Config struct {
	Enabled bool `yaml:"enabled" env:"INBOX_ENABLED" env-default:"false"`

	// The path to the directory the service should monitor. Archives must
	// be placed in a sub-folder named after the pack category
	// (e.g. inbox/overlay/pack.zip).
	InboxPath string `yaml:"path" env:"INBOX_PATH" env-default:"~/.crate/inbox"`

	// The service uses a directory watcher, but a
	// 'force' sync can be performed on a regular interval
	// to protect against the watcher failing.
	ForceSyncSeconds int `yaml:"force_sync_seconds" env:"INBOX_FORCE_SYNC_SECONDS" env-default:"60"`

	// An array of regular expressions that can be used to RESTRICT
	// the files processed by this service. If any expression match
	// the name of the file, it is ignored.
	Blacklist []string `yaml:"blacklist" env:"INBOX_BLACKLIST" env-separator:","`

	// When a new file is detected it's likely still being copied in to
	// place. We wait for the 'modtime' of the file to be at least this
	// long in the past before processing.
	RequiredModTimeAgeSeconds int `yaml:"modtime_threshold_seconds" env:"INBOX_MODTIME_THRESHOLD_SECONDS" env-default:"30"`

	// Controls the number of archives that can be ingested at once.
	IngestionParallelism int `yaml:"parallelism" env:"INBOX_PARALLELISM" env-default:"1"`
}

func (config *Config) RequiredModTimeAgeDuration() time.Duration {
	return time.Duration(config.RequiredModTimeAgeSeconds) * time.Second
}

func (config *Config) forceSyncInterval() time.Duration {
	if config.ForceSyncSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(config.ForceSyncSeconds) * time.Second
}

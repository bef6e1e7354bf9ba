// Package config loads the YAML file that wires the daemon together.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cratepull/cratepull/internal/download"
	"github.com/cratepull/cratepull/internal/job"
	"github.com/cratepull/cratepull/internal/scoring"
)

type Config struct {
	LogLevel int `yaml:"log_level"`

	Library  LibraryConfig  `yaml:"library"`
	Pool     PoolConfig     `yaml:"pool"`
	Download DownloadConfig `yaml:"download"`
	Ranking  RankingConfig  `yaml:"ranking"`
	Mirror   MirrorConfig   `yaml:"mirror"`
}

// LibraryConfig locates the directories the engine writes to.
type LibraryConfig struct {
	// Dir is the root of the finished library.
	Dir string `yaml:"dir"`

	// StagingDir holds partial transfers until they commit.
	StagingDir string `yaml:"staging_dir"`

	// StateDir holds the write-ahead journal and, unless JobStoreURL
	// points elsewhere, persisted job state.
	StateDir string `yaml:"state_dir"`

	// JobStoreURL is a blob URL (file://, gs://, s3://...) for persisted
	// jobs. Empty means a directory under StateDir.
	JobStoreURL string `yaml:"job_store_url"`
}

// PoolConfig describes the peer shares candidates are pulled from.
type PoolConfig struct {
	// Shares maps a source name to the local mount point of its share.
	Shares map[string]string `yaml:"shares"`

	ProbeConcurrency int `yaml:"probe_concurrency"`
	MaxResults       int `yaml:"max_results"`
	SlotsPerSource   int `yaml:"slots_per_source"`
}

type DownloadConfig struct {
	MaxConcurrent int                  `yaml:"max_concurrent"`
	MaxAttempts   int                  `yaml:"max_attempts"`
	SearchTimeout time.Duration        `yaml:"search_timeout"`
	FetchTimeout  time.Duration        `yaml:"fetch_timeout"`
	Retry         download.RetryPolicy `yaml:"retry"`
}

type RankingConfig struct {
	// WeightsPreset is one of "balanced", "quality_first" or
	// "availability_first".
	WeightsPreset string `yaml:"weights_preset"`

	BannedUploaders []string `yaml:"banned_uploaders"`
}

type MirrorConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Library: LibraryConfig{
			Dir:        "library",
			StagingDir: "staging",
			StateDir:   "state",
		},
		Pool: PoolConfig{
			ProbeConcurrency: 4,
			MaxResults:       200,
			SlotsPerSource:   2,
		},
		Download: DownloadConfig{
			MaxConcurrent: 3,
			MaxAttempts:   job.DefaultMaxAttempts,
			SearchTimeout: 45 * time.Second,
			FetchTimeout:  30 * time.Minute,
			Retry:         download.DefaultRetryPolicy(),
		},
		Ranking: RankingConfig{
			WeightsPreset: "balanced",
		},
		Mirror: MirrorConfig{
			Prefix: "library",
		},
	}
}

// rawConfig mirrors Config for unmarshaling, with durations as strings
// so the file can say "45s" instead of nanoseconds.
type rawConfig struct {
	LogLevel int           `yaml:"log_level"`
	Library  LibraryConfig `yaml:"library"`
	Pool     PoolConfig    `yaml:"pool"`
	Download rawDownload   `yaml:"download"`
	Ranking  RankingConfig `yaml:"ranking"`
	Mirror   MirrorConfig  `yaml:"mirror"`
}

type rawDownload struct {
	MaxConcurrent int      `yaml:"max_concurrent"`
	MaxAttempts   int      `yaml:"max_attempts"`
	SearchTimeout string   `yaml:"search_timeout"`
	FetchTimeout  string   `yaml:"fetch_timeout"`
	Retry         rawRetry `yaml:"retry"`
}

type rawRetry struct {
	Backoff    string  `yaml:"backoff"`
	Multiplier float64 `yaml:"multiplier"`
	MaxBackoff string  `yaml:"max_backoff"`
}

// Load reads the config file at path and overlays it on the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	cfg.LogLevel = raw.LogLevel

	if raw.Library.Dir != "" {
		cfg.Library.Dir = raw.Library.Dir
	}
	if raw.Library.StagingDir != "" {
		cfg.Library.StagingDir = raw.Library.StagingDir
	}
	if raw.Library.StateDir != "" {
		cfg.Library.StateDir = raw.Library.StateDir
	}
	cfg.Library.JobStoreURL = raw.Library.JobStoreURL

	if len(raw.Pool.Shares) > 0 {
		cfg.Pool.Shares = raw.Pool.Shares
	}
	if raw.Pool.ProbeConcurrency != 0 {
		cfg.Pool.ProbeConcurrency = raw.Pool.ProbeConcurrency
	}
	if raw.Pool.MaxResults != 0 {
		cfg.Pool.MaxResults = raw.Pool.MaxResults
	}
	if raw.Pool.SlotsPerSource != 0 {
		cfg.Pool.SlotsPerSource = raw.Pool.SlotsPerSource
	}

	if raw.Download.MaxConcurrent != 0 {
		cfg.Download.MaxConcurrent = raw.Download.MaxConcurrent
	}
	if raw.Download.MaxAttempts != 0 {
		cfg.Download.MaxAttempts = raw.Download.MaxAttempts
	}
	if raw.Download.SearchTimeout != "" {
		d, err := time.ParseDuration(raw.Download.SearchTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse download.search_timeout: %w", err)
		}
		cfg.Download.SearchTimeout = d
	}
	if raw.Download.FetchTimeout != "" {
		d, err := time.ParseDuration(raw.Download.FetchTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse download.fetch_timeout: %w", err)
		}
		cfg.Download.FetchTimeout = d
	}
	if raw.Download.Retry.Backoff != "" {
		d, err := time.ParseDuration(raw.Download.Retry.Backoff)
		if err != nil {
			return nil, fmt.Errorf("parse download.retry.backoff: %w", err)
		}
		cfg.Download.Retry.Backoff = d
	}
	if raw.Download.Retry.Multiplier != 0 {
		cfg.Download.Retry.Multiplier = raw.Download.Retry.Multiplier
	}
	if raw.Download.Retry.MaxBackoff != "" {
		d, err := time.ParseDuration(raw.Download.Retry.MaxBackoff)
		if err != nil {
			return nil, fmt.Errorf("parse download.retry.max_backoff: %w", err)
		}
		cfg.Download.Retry.MaxBackoff = d
	}

	if raw.Ranking.WeightsPreset != "" {
		cfg.Ranking.WeightsPreset = raw.Ranking.WeightsPreset
	}
	if len(raw.Ranking.BannedUploaders) > 0 {
		cfg.Ranking.BannedUploaders = raw.Ranking.BannedUploaders
	}

	cfg.Mirror.Enabled = raw.Mirror.Enabled
	if raw.Mirror.Bucket != "" {
		cfg.Mirror.Bucket = raw.Mirror.Bucket
	}
	if raw.Mirror.Prefix != "" {
		cfg.Mirror.Prefix = raw.Mirror.Prefix
	}
	if raw.Mirror.CredentialsFile != "" {
		cfg.Mirror.CredentialsFile = raw.Mirror.CredentialsFile
	}

	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run
// with.
func (c *Config) Validate() error {
	if c.Library.Dir == "" {
		return errors.New("config: library.dir is required")
	}
	if c.Library.StagingDir == "" {
		return errors.New("config: library.staging_dir is required")
	}
	if c.Library.StateDir == "" {
		return errors.New("config: library.state_dir is required")
	}
	if len(c.Pool.Shares) == 0 {
		return errors.New("config: at least one share under pool.shares is required")
	}
	if c.Download.MaxConcurrent <= 0 {
		return errors.New("config: download.max_concurrent must be positive")
	}
	if c.Download.MaxAttempts <= 0 {
		return errors.New("config: download.max_attempts must be positive")
	}
	if _, err := scoring.PresetWeights(c.Ranking.WeightsPreset); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Mirror.Enabled && c.Mirror.Bucket == "" {
		return errors.New("config: mirror.bucket is required when the mirror is enabled")
	}
	return nil
}

// Weights resolves the configured ranking preset.
func (c *Config) Weights() (scoring.Weights, error) {
	return scoring.PresetWeights(c.Ranking.WeightsPreset)
}

// StoreURL returns the blob URL jobs persist to, defaulting to a
// directory under StateDir.
func (c *Config) StoreURL() (string, error) {
	if c.Library.JobStoreURL != "" {
		return c.Library.JobStoreURL, nil
	}
	abs, err := filepath.Abs(filepath.Join(c.Library.StateDir, "jobs"))
	if err != nil {
		return "", fmt.Errorf("resolve state dir: %w", err)
	}
	return "file://" + filepath.ToSlash(abs) + "?create_dir=true", nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
log_level: -4
library:
  dir: /music/library
  staging_dir: /music/staging
  state_dir: /music/state
pool:
  shares:
    alice: /mnt/shares/alice
    bob: /mnt/shares/bob
  probe_concurrency: 8
download:
  max_concurrent: 5
  search_timeout: 20s
  retry:
    backoff: 10s
    multiplier: 3
    max_backoff: 2m
ranking:
  weights_preset: quality_first
  banned_uploaders: [mallory]
mirror:
  enabled: true
  bucket: crate-mirror
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, -4, cfg.LogLevel)
	assert.Equal(t, "/music/library", cfg.Library.Dir)
	assert.Equal(t, "/music/staging", cfg.Library.StagingDir)
	assert.Equal(t, "/music/state", cfg.Library.StateDir)
	assert.Equal(t, map[string]string{
		"alice": "/mnt/shares/alice",
		"bob":   "/mnt/shares/bob",
	}, cfg.Pool.Shares)
	assert.Equal(t, 8, cfg.Pool.ProbeConcurrency)
	assert.Equal(t, 5, cfg.Download.MaxConcurrent)
	assert.Equal(t, 20*time.Second, cfg.Download.SearchTimeout)
	assert.Equal(t, 10*time.Second, cfg.Download.Retry.Backoff)
	assert.Equal(t, 3.0, cfg.Download.Retry.Multiplier)
	assert.Equal(t, 2*time.Minute, cfg.Download.Retry.MaxBackoff)
	assert.Equal(t, "quality_first", cfg.Ranking.WeightsPreset)
	assert.Equal(t, []string{"mallory"}, cfg.Ranking.BannedUploaders)
	assert.True(t, cfg.Mirror.Enabled)
	assert.Equal(t, "crate-mirror", cfg.Mirror.Bucket)

	assert.NoError(t, cfg.Validate())
}

func TestLoadAppliesDefaults(t *testing.T) {
	configPath := writeConfig(t, `
pool:
  shares:
    alice: /mnt/shares/alice
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.LogLevel)
	assert.Equal(t, "library", cfg.Library.Dir)
	assert.Equal(t, "staging", cfg.Library.StagingDir)
	assert.Equal(t, "state", cfg.Library.StateDir)
	assert.Equal(t, 4, cfg.Pool.ProbeConcurrency)
	assert.Equal(t, 200, cfg.Pool.MaxResults)
	assert.Equal(t, 2, cfg.Pool.SlotsPerSource)
	assert.Equal(t, 3, cfg.Download.MaxConcurrent)
	assert.Equal(t, 4, cfg.Download.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.Download.SearchTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Download.FetchTimeout)
	assert.Equal(t, 30*time.Second, cfg.Download.Retry.Backoff)
	assert.Equal(t, 2.0, cfg.Download.Retry.Multiplier)
	assert.Equal(t, 10*time.Minute, cfg.Download.Retry.MaxBackoff)
	assert.Equal(t, "balanced", cfg.Ranking.WeightsPreset)
	assert.False(t, cfg.Mirror.Enabled)
	assert.Equal(t, "library", cfg.Mirror.Prefix)

	assert.NoError(t, cfg.Validate())
}

func TestLoadNonExistentFile(t *testing.T) {
	cfg, err := Load("non_existent_file.yaml")

	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadInvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
log_level: -4
pool:
  shares: [this is not a mapping
`)

	cfg, err := Load(configPath)

	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	configPath := writeConfig(t, `
download:
  search_timeout: fast
`)

	cfg, err := Load(configPath)

	assert.Error(t, err)
	assert.ErrorContains(t, err, "search_timeout")
	assert.Nil(t, cfg)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Pool.Shares = map[string]string{"alice": "/mnt/shares/alice"}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:    "no shares",
			mutate:  func(c *Config) { c.Pool.Shares = nil },
			wantErr: "pool.shares",
		},
		{
			name:    "empty library dir",
			mutate:  func(c *Config) { c.Library.Dir = "" },
			wantErr: "library.dir",
		},
		{
			name:    "negative concurrency",
			mutate:  func(c *Config) { c.Download.MaxConcurrent = -1 },
			wantErr: "max_concurrent",
		},
		{
			name:    "unknown weights preset",
			mutate:  func(c *Config) { c.Ranking.WeightsPreset = "fastest" },
			wantErr: "weights preset",
		},
		{
			name:    "mirror enabled without bucket",
			mutate:  func(c *Config) { c.Mirror.Enabled = true },
			wantErr: "mirror.bucket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestStoreURLDefaultsUnderStateDir(t *testing.T) {
	cfg := Default()
	cfg.Library.StateDir = t.TempDir()

	url, err := cfg.StoreURL()
	require.NoError(t, err)

	assert.Contains(t, url, "file://")
	assert.Contains(t, url, filepath.ToSlash(cfg.Library.StateDir))
	assert.Contains(t, url, "create_dir=true")

	cfg.Library.JobStoreURL = "mem://jobs"
	url, err = cfg.StoreURL()
	require.NoError(t, err)
	assert.Equal(t, "mem://jobs", url)
}

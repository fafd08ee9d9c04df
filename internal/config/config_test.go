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
	path := filepath.Join(t.TempDir(), "clusterd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
targets:
  - url: https://example.com/
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "context", cfg.Cluster.Concurrency)
	assert.Equal(t, 2, cfg.Cluster.MaxConcurrency)
	assert.Equal(t, "127.0.0.1:9190", cfg.Metrics.Listen)
	assert.Equal(t, 1000, cfg.History.Keep)
}

func TestLoadFull(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
log:
  level: debug
  console: true
cluster:
  concurrency: group
  max_concurrency: 8
  worker_creation_delay: 250ms
  timeout: 45s
  retry_limit: 3
  retry_delay: 2s
  skip_duplicate_urls: true
  same_domain_delay: 1s
  monitor: true
chrome:
  no_sandbox: true
targets:
  - url: https://a.test/
    group: crawl-a
  - url: https://b.test/
    schedule: "@every 5m"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "group", cfg.Cluster.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Cluster.WorkerCreationDelay.Std())
	assert.Equal(t, 45*time.Second, cfg.Cluster.Timeout.Std())
	assert.True(t, cfg.Cluster.SkipDuplicateURLs)
	require.Len(t, cfg.Targets, 2)
	assert.Equal(t, "crawl-a", cfg.Targets[0].Group)
	assert.Equal(t, "@every 5m", cfg.Targets[1].Schedule)
	assert.Equal(t, "https://a.test/", cfg.Targets[0].JobURL())
}

func TestLoadRejectsBadInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown field", content: "clusterr:\n  concurrency: page\n"},
		{name: "bad duration", content: "cluster:\n  timeout: fast\n"},
		{name: "negative duration", content: "cluster:\n  timeout: -5s\n"},
		{name: "bad concurrency", content: "cluster:\n  concurrency: quantum\n"},
		{name: "target without url", content: "targets:\n  - group: a\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

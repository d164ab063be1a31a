package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadServerConfigFromFileAppliesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collabfuzz.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"policy":"enfuzz"},"logging":{"level":"debug"}}`), 0o644))

	cfg, err := ReadServerConfigFromFile(path)
	require.NoError(t, err)

	require.Equal(t, "enfuzz", cfg.Scheduler.Policy)
	require.Equal(t, "debug", cfg.Logging.Level)
	// Fields omitted from the file keep their defaults.
	require.Equal(t, "127.0.0.1:7070", cfg.Transport.ReportAddr)
	require.Equal(t, "corpus", cfg.Storage.OutputDirectory)
}

func TestReadServerConfigFromFileMissingFile(t *testing.T) {
	_, err := ReadServerConfigFromFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collabfuzz.json")
	cfg := GetDefaultServerConfig()
	cfg.Scheduler.Policy = "cost_benefit"
	cfg.Audit.Path = "custom.bolt"

	require.NoError(t, cfg.WriteToFile(path))

	reloaded, err := ReadServerConfigFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "cost_benefit", reloaded.Scheduler.Policy)
	require.Equal(t, "custom.bolt", reloaded.Audit.Path)
}

func TestSchedulerConfigDurationDefaults(t *testing.T) {
	var cfg SchedulerConfig
	require.Equal(t, 5*time.Second, cfg.FlushInterval())
	require.Equal(t, 5*time.Second, cfg.Timeout())

	cfg.FlushIntervalSeconds = 10
	cfg.TimeoutSeconds = 3
	require.Equal(t, 10*time.Second, cfg.FlushInterval())
	require.Equal(t, 3*time.Second, cfg.Timeout())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, 50000, cfg.Ingest.ChunkSize)
	assert.Equal(t, "2025-06-30", cfg.Ingest.ReferenceDate)
	assert.False(t, cfg.Ingest.ImportDetails)
	assert.Equal(t, 5000, cfg.Ingest.ProfileBatchSize)
	assert.Equal(t, 10000, cfg.Ingest.DetailBatchSize)
	assert.Equal(t, []string{"Covered Recipient Physician", "Covered Recipient Non-Physician Practitioner"}, cfg.Ingest.AcceptedTypes)
	assert.Equal(t, "1/2/2006", cfg.Ingest.DateLayout)
	assert.Equal(t, 5, cfg.Analysis.DefaultK)
	assert.Equal(t, []string{"recency", "frequency", "monetary"}, cfg.Analysis.DefaultFeatures)
	assert.Equal(t, uint64(42), cfg.Analysis.Seed)
	assert.Equal(t, 10, cfg.Analysis.Restarts)
	assert.Equal(t, 300, cfg.Analysis.MaxIter)
	assert.InDelta(t, 1e-4, cfg.Analysis.Tolerance, 1e-9)
	assert.Equal(t, 10000, cfg.Analysis.SilhouetteThreshold)
	assert.Equal(t, 2000, cfg.Analysis.VizSample)
	assert.Equal(t, 20, cfg.Analysis.MaxK)
	assert.Equal(t, 120, cfg.Worker.TaskTimeoutMins)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: segment.db
ingest:
  chunk_size: 1000
  import_details: true
analysis:
  default_k: 4
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "segment.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 1000, cfg.Ingest.ChunkSize)
	assert.True(t, cfg.Ingest.ImportDetails)
	assert.Equal(t, 4, cfg.Analysis.DefaultK)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, 300, cfg.Analysis.MaxIter)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
ingest:
  chunk_size: 1000
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("SEGMENT_STORE_DRIVER", "postgres")
	t.Setenv("SEGMENT_INGEST_CHUNK_SIZE", "250")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 250, cfg.Ingest.ChunkSize)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [\n"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestLoadFile_ExplicitPath(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "segment.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: sqlite\nanalysis:\n  default_k: 7\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 7, cfg.Analysis.DefaultK)
	assert.Equal(t, 300, cfg.Analysis.MaxIter)
}

func TestLoadFile_EnvPath(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "segment.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644))
	t.Setenv("SEGMENT_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadFile_MissingNamedFile(t *testing.T) {
	chdirTemp(t)

	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestIngestReference(t *testing.T) {
	ref, err := IngestConfig{ReferenceDate: "2025-06-30"}.Reference()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), ref)

	_, err = IngestConfig{ReferenceDate: "06/30/2025"}.Reference()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/segment"
	cfg.Ingest.ChunkSize = 50000
	cfg.Ingest.ProfileBatchSize = 5000
	cfg.Ingest.DetailBatchSize = 10000
	cfg.Ingest.ReferenceDate = "2025-06-30"
	cfg.Ingest.PrimaryTypePattern = "(?i)physician"
	cfg.Ingest.AcceptedTypes = []string{"Covered Recipient Physician"}
	cfg.Ingest.Encoding = "utf-8"
	cfg.Analysis.DefaultK = 5
	cfg.Analysis.MaxK = 20
	cfg.Analysis.Restarts = 10
	cfg.Analysis.MaxIter = 300
	cfg.Analysis.AssignBatchSize = 5000
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_AllModes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"migrate", "ingest", "analysis", "serve"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), `store.driver "mysql"`)
}

func TestValidate_Ingest(t *testing.T) {
	cfg := validDefaults()
	cfg.Ingest.ChunkSize = 0
	cfg.Ingest.ReferenceDate = "yesterday"
	cfg.Ingest.PrimaryTypePattern = "(["
	cfg.Ingest.Encoding = "utf-16"

	err := cfg.Validate("ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest.chunk_size must be > 0")
	assert.Contains(t, err.Error(), "ingest.reference_date")
	assert.Contains(t, err.Error(), "primary_type_pattern")
	assert.Contains(t, err.Error(), "ingest.encoding")

	// analysis mode does not look at ingest settings
	assert.NoError(t, cfg.Validate("analysis"))
}

func TestValidate_Analysis(t *testing.T) {
	cfg := validDefaults()
	cfg.Analysis.DefaultK = 30

	err := cfg.Validate("analysis")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis.default_k")
}

func TestValidate_ServePort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

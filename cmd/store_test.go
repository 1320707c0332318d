package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/segment-cli/internal/config"
)

func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: filepath.Join(t.TempDir(), "cli.db"),
		},
		Analysis: config.AnalysisConfig{
			DefaultK:        3,
			MaxK:            20,
			Restarts:        1,
			MaxIter:         10,
			AssignBatchSize: 100,
		},
	}
}

func TestInitStore_SQLite(t *testing.T) {
	withConfig(t, sqliteConfig(t))
	ctx := context.Background()

	st, err := initStore(ctx, "analysis")
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	n, err := st.CountProfiles(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInitStore_ValidatesMode(t *testing.T) {
	c := sqliteConfig(t)
	c.Analysis.MaxK = 1
	withConfig(t, c)

	_, err := initStore(context.Background(), "analysis")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis.max_k")
}

func TestInitStore_UnknownDriver(t *testing.T) {
	c := sqliteConfig(t)
	c.Store.Driver = "mysql"
	withConfig(t, c)

	_, err := initStore(context.Background(), "migrate")
	require.Error(t, err)
}

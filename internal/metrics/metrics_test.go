package metrics_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/cpufreqctl/internal/logger"
	"codeberg.org/mutker/cpufreqctl/internal/metrics"
)

func TestMain(m *testing.M) {
	logger.Init(false, false, true)
	os.Exit(m.Run())
}

func testConfig(t *testing.T) metrics.Config {
	t.Helper()

	cfg := metrics.DefaultConfig()
	cfg.Enabled = true
	cfg.DBPath = filepath.Join(t.TempDir(), "decisions.db")

	return cfg
}

func testSnapshot(domain string) *metrics.Snapshot {
	return &metrics.Snapshot{
		Timestamp: time.Now(),
		Domain:    domain,
		Utilization: metrics.UtilizationMetrics{
			Util:     800,
			Capacity: 1024,
		},
		Frequency: metrics.FrequencyMetrics{
			Target:  1600000,
			Current: 800000,
		},
		State: metrics.StateMetrics{
			Busy:          true,
			IOWaitBoosted: false,
			Deadline:      false,
			Deferred:      true,
		},
	}
}

func TestServiceRecordsDecisions(t *testing.T) {
	cfg := testConfig(t)

	collector, err := metrics.NewService(cfg, logger.Default())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, collector.Record(ctx, testSnapshot("policy0")))
	require.NoError(t, collector.Record(ctx, testSnapshot("policy1")))
	require.NoError(t, collector.Close())

	// Buffered rows are flushed on close
	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM decisions").Scan(&count))
	assert.Equal(t, 2, count)

	var domain string
	var target, deferred int64
	require.NoError(t, db.QueryRow(
		"SELECT domain, freq_target, deferred FROM decisions ORDER BY id LIMIT 1",
	).Scan(&domain, &target, &deferred))
	assert.Equal(t, "policy0", domain)
	assert.Equal(t, int64(1600000), target)
	assert.Equal(t, int64(1), deferred)
}

func TestServiceRejectsNilSnapshot(t *testing.T) {
	cfg := testConfig(t)

	collector, err := metrics.NewService(cfg, logger.Default())
	require.NoError(t, err)
	defer collector.Close()

	assert.Error(t, collector.Record(context.Background(), nil))
}

func TestServiceDisabledIsNoop(t *testing.T) {
	cfg := metrics.DefaultConfig()
	cfg.Enabled = false
	cfg.DBPath = ""

	collector, err := metrics.NewService(cfg, logger.Default())
	require.NoError(t, err)

	require.NoError(t, collector.Record(context.Background(), testSnapshot("policy0")))
	require.NoError(t, collector.Close())
}

func TestConfigValidation(t *testing.T) {
	cfg := metrics.Config{Enabled: true, DBPath: ""}
	assert.Error(t, cfg.Validate())

	cfg = metrics.Config{Enabled: false, DBPath: ""}
	assert.NoError(t, cfg.Validate())
}

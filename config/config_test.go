package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "stock.db", cfg.DB.Path)
	assert.False(t, cfg.Engine.AllowOverReceipt)
	assert.Equal(t, 5*time.Second, cfg.Engine.LockTimeout)
	assert.Equal(t, 2, cfg.Import.Workers)
	assert.Empty(t, cfg.JobStatus.RedisURL)
	assert.Len(t, cfg.HTTP.CORSOrigins, 2)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("STOCK_HTTP_PORT", "9090")
	t.Setenv("STOCK_DB_PATH", ":memory:")
	t.Setenv("STOCK_ALLOW_OVER_RECEIPT", "true")
	t.Setenv("STOCK_IMPORT_WORKERS", "0")
	t.Setenv("STOCK_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, ":memory:", cfg.DB.Path)
	assert.True(t, cfg.Engine.AllowOverReceipt)
	assert.Equal(t, 1, cfg.Import.Workers, "workers are floored at one")
	assert.Equal(t, "redis://localhost:6379/0", cfg.JobStatus.RedisURL)
}

func TestLoad_RejectsBadPort(t *testing.T) {
	t.Setenv("STOCK_HTTP_PORT", "70000")

	_, err := Load()
	assert.Error(t, err)
}

package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PG_URI", "DB_POOL_SIZE", "DB_MAX_OVERFLOW", "DB_POOL_TIMEOUT", "DB_POOL_RECYCLE",
		"LLM_API_BASE", "LLM_API_KEY", "EMBEDDING_API_BASE", "EMBEDDING_API_KEY",
		"AUDIT_DIR", "AUDIT_ENABLE_REALTIME_MONITORING", "AUDIT_RULES_PATH",
		"MAX_STEPS_PER_TURN", "PER_TURN_DEADLINE_SECONDS", "DEFAULT_TOP_K",
		"LOG_LEVEL", "HTTP_ADDR",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "", cfg.PGURI)
	assert.True(t, cfg.UsesEmbeddedStorage())
	assert.Equal(t, 5, cfg.DBPoolSize)
	assert.Equal(t, 8, cfg.MaxStepsPerTurn)
	assert.Equal(t, 3, cfg.DefaultTopK)
	assert.Equal(t, 120*time.Second, cfg.PerTurnDeadlineSeconds)
	assert.Equal(t, "./logs", cfg.AuditDir)
	assert.True(t, cfg.AuditEnableRealtimeMonitoring)
}

func TestLoad_ExpandsReferencedVars(t *testing.T) {
	clearConfigEnv(t)
	os.Setenv("PGHOST", "db.internal")
	os.Setenv("PG_URI", "postgres://${PGHOST}:5432/agentd")
	defer os.Unsetenv("PGHOST")
	defer os.Unsetenv("PG_URI")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://db.internal:5432/agentd", cfg.PGURI)
	assert.False(t, cfg.UsesEmbeddedStorage())
}

func TestLoad_InvalidIntegerFailsFast(t *testing.T) {
	clearConfigEnv(t)
	os.Setenv("MAX_STEPS_PER_TURN", "not-a-number")
	defer os.Unsetenv("MAX_STEPS_PER_TURN")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_STEPS_PER_TURN")
}

func TestLoad_RejectsNonPositiveBounds(t *testing.T) {
	clearConfigEnv(t)
	os.Setenv("DEFAULT_TOP_K", "0")
	defer os.Unsetenv("DEFAULT_TOP_K")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFAULT_TOP_K")
}

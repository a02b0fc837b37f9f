package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("NUM", "notint")
	assert.Equal(t, 7, GetEnvInt("NUM", 7))
	t.Setenv("NUM", "12")
	assert.Equal(t, 12, GetEnvInt("NUM", 7))

	t.Setenv("FLAG", "false")
	assert.False(t, GetEnvBool("FLAG", true))

	t.Setenv("WAIT", "90s")
	assert.Equal(t, 90*time.Second, GetEnvDuration("WAIT", time.Second))
	t.Setenv("WAIT", "soon")
	assert.Equal(t, time.Second, GetEnvDuration("WAIT", time.Second))
}

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"DB_DRIVER", "WITHDRAWAL_MIN_AMOUNT", "CURRENCY", "DEDUCTION_CONCURRENCY"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "RWF", cfg.Currency)
	assert.Equal(t, "100", cfg.WithdrawalMinAmount.String())
	assert.Equal(t, 4, cfg.DeductionConcurrency)
	assert.Equal(t, 3, cfg.LedgerMaxRetries)
}

func TestLoad_PostgresNeedsURL(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "mongo")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadEnv_ReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CURRENCY=KES\n"), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	t.Setenv("CURRENCY", "")

	LoadEnv(nil)
	assert.Equal(t, "KES", GetEnv("CURRENCY", "RWF"))
}

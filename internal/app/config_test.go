package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, DriverMemory, cfg.StoreDriver)
	require.Equal(t, 5*time.Minute, cfg.LineLeaseTTL)
	require.Equal(t, []time.Duration{50 * time.Millisecond, 200 * time.Millisecond}, cfg.RetryBackoff)
	require.Equal(t, []string{"produce", "dairy", "meat", "bakery"}, cfg.AuditPerishableCategories)
	require.False(t, cfg.IsProduction())

	rc := cfg.ReconcileConfig()
	require.Equal(t, 3, rc.Retry.MaxAttempts)
	require.Equal(t, cfg.AuditItemsPerDay, cfg.AuditPolicy().ItemsPerDay)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", DriverPostgres)
	t.Setenv("APP_ENV", "production")
	t.Setenv("AUDIT_ITEMS_PER_DAY", "9")
	t.Setenv("RETRY_BACKOFF", "10ms")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, DriverPostgres, cfg.StoreDriver)
	require.True(t, cfg.IsProduction())
	require.Equal(t, 9, cfg.AuditPolicy().ItemsPerDay)
	require.Equal(t, []time.Duration{10 * time.Millisecond}, cfg.RetryBackoff)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"driver":    {"STORE_DRIVER": "sqlite"},
		"lease":     {"LINE_LEASE_TTL": "0s"},
		"tolerance": {"COUNT_TOLERANCE": "-1"},
		"window":    {"COSTING_WINDOW": "0"},
		"cron":      {"LEDGER_VERIFY_CRON": "every hour"},
		"policy":    {"AUDIT_ALERT_VARIANCE": "-0.1"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"

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
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "license-recon.db", cfg.Store.SQLitePath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Match.Workers)
	assert.Equal(t, 180, cfg.Golden.NewLicenseeDays)
	assert.Equal(t, 8, cfg.History.Shards)
	assert.True(t, cfg.History.TrackHardDeletes)
	assert.Equal(t, 90, cfg.Events.ExpirationHorizonDays)
	assert.InDelta(t, 2500, cfg.Budget.MonthlyCredits, 0.001)
	assert.InDelta(t, 50, cfg.Budget.WarnBelow, 0.001)
	assert.Equal(t, 3, cfg.Export.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.Export.Retry.InitialBackoffMs)
	assert.Equal(t, 5, cfg.Export.Circuit.FailureThreshold)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.False(t, cfg.Export.DryRun)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/recon
log:
  level: debug
  format: console
server:
  port: 9090
export:
  dry_run: true
  destinations:
    ghl:
      url: https://crm.example.com/hooks/contacts
      reversible: true
      auto_approve: true
      min_confidence_for_auto: 80
      active: true
feeds:
  tx_dentist:
    source: tx_license
    professional_type: dentist
    url: https://example.com/tx.csv
    format: csv
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Export.DryRun)
	require.Contains(t, cfg.Export.Destinations, "ghl")
	ghl := cfg.Export.Destinations["ghl"]
	assert.Equal(t, "https://crm.example.com/hooks/contacts", ghl["url"])
	assert.EqualValues(t, 80, ghl["min_confidence_for_auto"])
	assert.Equal(t, true, ghl["reversible"])
	tx := cfg.Feeds["tx_dentist"]
	assert.Equal(t, "csv", tx.Format)
	assert.Equal(t, "tx_license", tx.Source)
	assert.Equal(t, "dentist", tx.ProfessionalType)
	// Defaults still apply for unset values
	assert.Equal(t, 180, cfg.Golden.NewLicenseeDays)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("LICENSE_RECON_STORE_DRIVER", "postgres")
	t.Setenv("LICENSE_RECON_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("LICENSE_RECON_SERVER_PORT", "3000")
	t.Setenv("LICENSE_RECON_BUDGET_MONTHLY_CREDITS", "100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.InDelta(t, 100, cfg.Budget.MonthlyCredits, 0.001)
}

func TestLoadBadYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "test.db"
	cfg.Server.Port = 8080
	cfg.Match.Workers = 4
	cfg.History.Shards = 4
	cfg.Export.BurstPerSecond = 5
	cfg.Export.Retry.MaxAttempts = 3
	cfg.Export.Destinations = map[string]map[string]any{}
	return cfg
}

func TestValidate_Modes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"cycle", "export", "serve", "migrate"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_PostgresNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/recon"
	assert.NoError(t, cfg.Validate("migrate"))
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"mysql"`)
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := validDefaults()
	cfg.History.Shards = 0
	cfg.Match.Workers = 0

	err := cfg.Validate("cycle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history.shards must be between 1 and 256")
	assert.Contains(t, err.Error(), "match.workers must be > 0")
}

func TestValidate_Feeds(t *testing.T) {
	cfg := validDefaults()
	cfg.Feeds = map[string]FeedConfig{
		"wa":  {Source: "wa_license", URL: "https://data.wa.gov/resource/qxh8-f4bd.json", Format: "socrata"},
		"bad": {Source: "fl_license"},
	}
	err := cfg.Validate("cycle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feeds.bad.url is required")
	assert.Contains(t, err.Error(), `feeds.bad.source "fl_license"`)
	assert.NotContains(t, err.Error(), "feeds.wa")
}

func TestValidate_Export(t *testing.T) {
	cfg := validDefaults()
	cfg.Export.BurstPerSecond = 0
	err := cfg.Validate("export")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "burst_per_second")
}

func TestValidate_ServePort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidate_UnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

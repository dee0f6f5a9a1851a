package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig           `yaml:"store" mapstructure:"store"`
	Log        LogConfig             `yaml:"log" mapstructure:"log"`
	Server     ServerConfig          `yaml:"server" mapstructure:"server"`
	Match      MatchConfig           `yaml:"match" mapstructure:"match"`
	Golden     GoldenConfig          `yaml:"golden" mapstructure:"golden"`
	History    HistoryConfig         `yaml:"history" mapstructure:"history"`
	Events     EventsConfig          `yaml:"events" mapstructure:"events"`
	Governance GovernanceConfig      `yaml:"governance" mapstructure:"governance"`
	Export     ExportConfig          `yaml:"export" mapstructure:"export"`
	Budget     BudgetConfig          `yaml:"budget" mapstructure:"budget"`
	Enrichment EnrichmentConfig      `yaml:"enrichment" mapstructure:"enrichment"`
	Monitoring MonitoringConfig      `yaml:"monitoring" mapstructure:"monitoring"`
	Feeds      map[string]FeedConfig `yaml:"feeds" mapstructure:"feeds"`
	TempDir    string                `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MatchConfig configures the entity matcher.
type MatchConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// GoldenConfig configures golden record flags.
type GoldenConfig struct {
	NewLicenseeDays int `yaml:"new_licensee_days" mapstructure:"new_licensee_days"`
}

// HistoryConfig configures change detection.
type HistoryConfig struct {
	Shards           int  `yaml:"shards" mapstructure:"shards"`
	TrackHardDeletes bool `yaml:"track_hard_deletes" mapstructure:"track_hard_deletes"`
}

// EventsConfig configures event derivation.
type EventsConfig struct {
	ExpirationHorizonDays int               `yaml:"expiration_horizon_days" mapstructure:"expiration_horizon_days"`
	CredentialPriorities  map[string]string `yaml:"credential_priorities" mapstructure:"credential_priorities"`
}

// GovernanceConfig points at the validation and waterfall rule files.
type GovernanceConfig struct {
	RulesFile     string `yaml:"rules_file" mapstructure:"rules_file"`
	WaterfallFile string `yaml:"waterfall_file" mapstructure:"waterfall_file"`
	// PromoteSchedule is a cron expression for promoting due loads while
	// serving. Empty disables it.
	PromoteSchedule string `yaml:"promote_schedule" mapstructure:"promote_schedule"`
}

// ExportConfig configures delivery to destinations.
type ExportConfig struct {
	DryRun   bool   `yaml:"dry_run" mapstructure:"dry_run"`
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
	// Destinations holds per-destination settings decoded on top of the
	// built-in policies, keyed by destination name.
	Destinations   map[string]map[string]any `yaml:"destinations" mapstructure:"destinations"`
	APIKeys        map[string]string         `yaml:"api_keys" mapstructure:"api_keys"`
	BurstPerSecond float64                   `yaml:"burst_per_second" mapstructure:"burst_per_second"`
	BatchSize      int                       `yaml:"batch_size" mapstructure:"batch_size"`
	TimeoutSecs    int                       `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	DLQMaxRetries  int                       `yaml:"dlq_max_retries" mapstructure:"dlq_max_retries"`
	Retry          RetryConfig               `yaml:"retry" mapstructure:"retry"`
	Circuit        CircuitConfig             `yaml:"circuit" mapstructure:"circuit"`
}

// RetryConfig configures delivery retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures per-destination circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// BudgetConfig configures the metered enrichment budget.
type BudgetConfig struct {
	MonthlyCredits float64            `yaml:"monthly_credits" mapstructure:"monthly_credits"`
	PerSource      map[string]float64 `yaml:"per_source" mapstructure:"per_source"`
	WarnBelow      float64            `yaml:"warn_below" mapstructure:"warn_below"`
	DryRun         bool               `yaml:"dry_run" mapstructure:"dry_run"`
}

// EnrichmentConfig lists paid enrichment providers.
type EnrichmentConfig struct {
	Providers []ProviderConfig `yaml:"providers" mapstructure:"providers"`
}

// ProviderConfig configures one JSON-over-HTTP enrichment provider.
type ProviderConfig struct {
	Name        string   `yaml:"name" mapstructure:"name"`
	Source      string   `yaml:"source" mapstructure:"source"`
	URL         string   `yaml:"url" mapstructure:"url"`
	APIKey      string   `yaml:"api_key" mapstructure:"api_key"`
	Fields      []string `yaml:"fields" mapstructure:"fields"`
	Credits     float64  `yaml:"credits" mapstructure:"credits"`
	TimeoutSecs int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MonitoringConfig configures alert thresholds and delivery.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DLQThreshold         int     `yaml:"dlq_threshold" mapstructure:"dlq_threshold"`
	StaleLoadHours       int     `yaml:"stale_load_hours" mapstructure:"stale_load_hours"`
}

// FeedConfig locates one source snapshot. Source names the row adapter
// (tx_license, wa_license, co_license, fl_license or npi); ProfessionalType applies to
// single-profession files such as the Texas board exports.
type FeedConfig struct {
	Source           string `yaml:"source" mapstructure:"source"`
	ProfessionalType string `yaml:"professional_type" mapstructure:"professional_type"`
	URL              string `yaml:"url" mapstructure:"url"`
	Format           string `yaml:"format" mapstructure:"format"`
	Sheet            string `yaml:"sheet" mapstructure:"sheet"`
	Entry            string `yaml:"entry" mapstructure:"entry"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LICENSE_RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "license-recon.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("match.workers", 8)
	v.SetDefault("golden.new_licensee_days", 180)
	v.SetDefault("history.shards", 8)
	v.SetDefault("history.track_hard_deletes", true)
	v.SetDefault("events.expiration_horizon_days", 90)
	v.SetDefault("export.burst_per_second", 5.0)
	v.SetDefault("export.batch_size", 100)
	v.SetDefault("export.timeout_secs", 30)
	v.SetDefault("export.dlq_max_retries", 3)
	v.SetDefault("export.retry.max_attempts", 3)
	v.SetDefault("export.retry.initial_backoff_ms", 500)
	v.SetDefault("export.retry.max_backoff_ms", 30000)
	v.SetDefault("export.retry.multiplier", 2.0)
	v.SetDefault("export.retry.jitter_fraction", 0.25)
	v.SetDefault("export.circuit.failure_threshold", 5)
	v.SetDefault("export.circuit.reset_timeout_secs", 30)
	v.SetDefault("budget.monthly_credits", 2500.0)
	v.SetDefault("budget.warn_below", 50.0)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.dlq_threshold", 25)
	v.SetDefault("monitoring.stale_load_hours", 72)
	v.SetDefault("governance.promote_schedule", "@every 15m")
	v.SetDefault("temp_dir", "/tmp/license-recon")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

var feedSources = []string{"tx_license", "wa_license", "co_license", "fl_license", "npi"}

// Validate checks the settings a command mode needs. Modes: "cycle",
// "export", "serve" and "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not sqlite or postgres", c.Store.Driver))
	}

	switch mode {
	case "migrate":
	case "cycle":
		if c.History.Shards < 1 || c.History.Shards > 256 {
			errs = append(errs, "history.shards must be between 1 and 256")
		}
		if c.Match.Workers < 1 {
			errs = append(errs, "match.workers must be > 0")
		}
		if c.Golden.NewLicenseeDays < 0 {
			errs = append(errs, "golden.new_licensee_days must be >= 0")
		}
		for _, name := range slices.Sorted(maps.Keys(c.Feeds)) {
			f := c.Feeds[name]
			if f.URL == "" {
				errs = append(errs, fmt.Sprintf("feeds.%s.url is required", name))
			}
			if !slices.Contains(feedSources, f.Source) {
				errs = append(errs, fmt.Sprintf("feeds.%s.source %q is not one of %s", name, f.Source, strings.Join(feedSources, ", ")))
			}
		}
	case "export":
		if c.Export.BurstPerSecond <= 0 {
			errs = append(errs, "export.burst_per_second must be > 0")
		}
		if c.Export.Retry.MaxAttempts < 1 {
			errs = append(errs, "export.retry.max_attempts must be > 0")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

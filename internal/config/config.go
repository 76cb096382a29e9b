package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port         int         `yaml:"port" mapstructure:"port"`
	ServiceToken string      `yaml:"service_token" mapstructure:"service_token"`
	UserTokens   []UserToken `yaml:"user_tokens" mapstructure:"user_tokens"`
	CORSOrigins  []string    `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// UserToken binds a static bearer token to a user id. Tokens are listed
// rather than keyed because viper lower-cases map keys.
type UserToken struct {
	Token  string `yaml:"token" mapstructure:"token"`
	UserID string `yaml:"user_id" mapstructure:"user_id"`
}

// DispatchConfig configures the worker dispatch protocol.
type DispatchConfig struct {
	PollingIntervalMs    int  `yaml:"polling_interval_ms" mapstructure:"polling_interval_ms"`
	ClaimBatchSize       int  `yaml:"claim_batch_size" mapstructure:"claim_batch_size"`
	HeartbeatTimeoutSecs int  `yaml:"heartbeat_timeout_secs" mapstructure:"heartbeat_timeout_secs"`
	SweepIntervalSecs    int  `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	RequeueOrphans       bool `yaml:"requeue_orphans" mapstructure:"requeue_orphans"`
	ClaimProgress        int  `yaml:"claim_progress" mapstructure:"claim_progress"`
}

// PollingInterval returns the worker polling interval.
func (d DispatchConfig) PollingInterval() time.Duration {
	return time.Duration(d.PollingIntervalMs) * time.Millisecond
}

// HeartbeatTimeout returns how long an agent may stay silent before it is
// considered offline.
func (d DispatchConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(d.HeartbeatTimeoutSecs) * time.Second
}

// SweepInterval returns the liveness sweep period.
func (d DispatchConfig) SweepInterval() time.Duration {
	return time.Duration(d.SweepIntervalSecs) * time.Second
}

// IngestConfig configures the contact ingestion pipeline.
type IngestConfig struct {
	MaxConcurrency    int                `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	FuzzyThreshold    float64            `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	MergeMaxAttempts  int                `yaml:"merge_max_attempts" mapstructure:"merge_max_attempts"`
	PatternsFile      string             `yaml:"patterns_file" mapstructure:"patterns_file"`
	SourceReliability map[string]float64 `yaml:"source_reliability" mapstructure:"source_reliability"`
}

// MonitoringConfig configures queue health checks and alerting.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackMinutes      int     `yaml:"lookback_minutes" mapstructure:"lookback_minutes"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	BacklogThreshold     int     `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
	CooldownMinutes      int     `yaml:"cooldown_minutes" mapstructure:"cooldown_minutes"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CONTACTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.service_token", "")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("dispatch.polling_interval_ms", 30000)
	v.SetDefault("dispatch.claim_batch_size", 10)
	v.SetDefault("dispatch.heartbeat_timeout_secs", 90)
	v.SetDefault("dispatch.sweep_interval_secs", 60)
	v.SetDefault("dispatch.requeue_orphans", true)
	v.SetDefault("dispatch.claim_progress", 10)
	v.SetDefault("ingest.max_concurrency", 8)
	v.SetDefault("ingest.fuzzy_threshold", 0.85)
	v.SetDefault("ingest.merge_max_attempts", 5)
	v.SetDefault("ingest.patterns_file", "")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_minutes", 60)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.backlog_threshold", 500)
	v.SetDefault("monitoring.cooldown_minutes", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command mode depends on. Mode is one of
// "serve", "worker" (migrate, sweep, jobs, agents) or "ingest".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (postgres, sqlite)", c.Store.Driver))
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Server.ServiceToken == "" {
			errs = append(errs, "server.service_token is required")
		}
		errs = append(errs, c.Dispatch.validate()...)
		errs = append(errs, c.Ingest.validate()...)
	case "ingest":
		errs = append(errs, c.Ingest.validate()...)
	case "worker":
		errs = append(errs, c.Dispatch.validate()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (d DispatchConfig) validate() []string {
	var errs []string
	if d.PollingIntervalMs <= 0 {
		errs = append(errs, "dispatch.polling_interval_ms must be > 0")
	}
	if d.ClaimBatchSize < 1 || d.ClaimBatchSize > 100 {
		errs = append(errs, "dispatch.claim_batch_size must be between 1 and 100")
	}
	if d.HeartbeatTimeoutSecs <= 0 {
		errs = append(errs, "dispatch.heartbeat_timeout_secs must be > 0")
	}
	if d.SweepIntervalSecs <= 0 {
		errs = append(errs, "dispatch.sweep_interval_secs must be > 0")
	}
	if d.ClaimProgress < 0 || d.ClaimProgress > 100 {
		errs = append(errs, "dispatch.claim_progress must be between 0 and 100")
	}
	return errs
}

func (i IngestConfig) validate() []string {
	var errs []string
	if i.MaxConcurrency < 1 || i.MaxConcurrency > 64 {
		errs = append(errs, "ingest.max_concurrency must be between 1 and 64")
	}
	if i.FuzzyThreshold <= 0 || i.FuzzyThreshold > 1 {
		errs = append(errs, "ingest.fuzzy_threshold must be in (0, 1]")
	}
	if i.MergeMaxAttempts < 1 {
		errs = append(errs, "ingest.merge_max_attempts must be >= 1")
	}
	for src, r := range i.SourceReliability {
		if r < 0 || r > 1 {
			errs = append(errs, fmt.Sprintf("ingest.source_reliability.%s must be in [0, 1]", src))
		}
	}
	return errs
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

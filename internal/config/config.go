package config

import (
	"fmt"
	"log/slog"
	"time"

	"capdispatch/internal/domain"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// WorkerConfig declares one routable worker.
type WorkerConfig struct {
	ID           string            `mapstructure:"id" validate:"required,min=1,max=128"`
	Kind         string            `mapstructure:"kind" validate:"required,oneof=llm-provider agent-role"`
	Capabilities []string          `mapstructure:"capabilities"`
	PriorityTier int               `mapstructure:"priority_tier" validate:"gte=0"`
	Exclusive    bool              `mapstructure:"exclusive"`
	StaticConfig map[string]string `mapstructure:"static_config"`
}

// ChainConfig declares the fallback chain for one work category.
// Entries are worker ids or "tag:" capability wildcards.
type ChainConfig struct {
	Category string   `mapstructure:"category" validate:"required"`
	Workers  []string `mapstructure:"workers" validate:"required,min=1,dive,required"`
}

// LedgerConfig selects the durable backend for assignment records.
type LedgerConfig struct {
	Backend    string `mapstructure:"backend" validate:"oneof=memory etcd sqlite"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// EtcdConfig configures the etcd client used for durable storage and
// dynamic worker registration.
type EtcdConfig struct {
	Endpoints    []string      `mapstructure:"endpoints"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WatchWorkers bool          `mapstructure:"watch_workers"`
}

// Config holds all configuration for the dispatch engine. Mapstructure
// tags are used by Viper to unmarshal the data.
type Config struct {
	HTTPListenAddr     string        `mapstructure:"http_listen_addr"`
	ProbeInterval      time.Duration `mapstructure:"probe_interval" validate:"gt=0"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
	// StalenessBound downgrades silent workers to unhealthy. Zero means
	// five probe intervals.
	StalenessBound     time.Duration `mapstructure:"staleness_bound"`
	DegradedThreshold  int           `mapstructure:"degraded_threshold" validate:"gte=1"`
	UnhealthyThreshold int           `mapstructure:"unhealthy_threshold" validate:"gte=1"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts" validate:"gte=1,lte=20"`
	DefaultDeadline    time.Duration `mapstructure:"default_deadline" validate:"gt=0"`
	DecayWindow        time.Duration `mapstructure:"decay_window" validate:"gt=0"`
	FlushInterval      time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
	Ledger             LedgerConfig  `mapstructure:"ledger"`
	Etcd               EtcdConfig    `mapstructure:"etcd"`
	Workers            []WorkerConfig `mapstructure:"workers" validate:"dive"`
	Chains             []ChainConfig  `mapstructure:"chains" validate:"dive"`
}

// Staleness returns the effective staleness bound.
func (c *Config) Staleness() time.Duration {
	if c.StalenessBound > 0 {
		return c.StalenessBound
	}
	return 5 * c.ProbeInterval
}

// DomainWorkers converts the declared workers to domain objects.
func (c *Config) DomainWorkers() []*domain.Worker {
	workers := make([]*domain.Worker, 0, len(c.Workers))
	for _, wc := range c.Workers {
		workers = append(workers, &domain.Worker{
			ID:           wc.ID,
			Kind:         domain.WorkerKind(wc.Kind),
			Capabilities: wc.Capabilities,
			PriorityTier: wc.PriorityTier,
			Exclusive:    wc.Exclusive,
			StaticConfig: wc.StaticConfig,
		})
	}
	return workers
}

// DomainChains converts the declared chains to domain objects.
func (c *Config) DomainChains() []*domain.FallbackChain {
	chains := make([]*domain.FallbackChain, 0, len(c.Chains))
	for _, cc := range c.Chains {
		chains = append(chains, &domain.FallbackChain{Category: cc.Category, Entries: cc.Workers})
	}
	return chains
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("probe_interval", "30s")
	v.SetDefault("probe_timeout", "3s")
	v.SetDefault("degraded_threshold", 1)
	v.SetDefault("unhealthy_threshold", 3)
	v.SetDefault("default_max_attempts", 3)
	v.SetDefault("default_deadline", "30s")
	v.SetDefault("decay_window", "1m")
	v.SetDefault("flush_interval", "5s")
	v.SetDefault("ledger.backend", "memory")
	v.SetDefault("etcd.dial_timeout", "5s")
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := newValidator().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	for _, c := range cfg.DomainChains() {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("validate config: %w", err)
		}
	}
	return &cfg, nil
}

// Load loads configuration from the given file (or the default search
// path when empty) and environment variables. Missing required fields
// fail here rather than silently defaulting deep in the dispatch path.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("CAPDISPATCH")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
		// No config file; defaults and env vars carry the day.
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Watch re-reads the config on file change and hands the result to
// onChange. Invalid updates are logged and skipped so a half-written
// file cannot wedge a running engine.
func Watch(v *viper.Viper, logger *slog.Logger, onChange func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("config file changed, reloading", "file", e.Name)
		cfg, err := unmarshal(v)
		if err != nil {
			logger.Error("ignoring invalid config update", "error", err)
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

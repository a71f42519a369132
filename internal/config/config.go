package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every injected setting for the engine. Values come from
// environment variables (DCA_ prefix) with an optional config file underneath.
type Config struct {
	Environment string `mapstructure:"environment"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Scheduler struct {
		Period      time.Duration `mapstructure:"period"`
		Concurrency int           `mapstructure:"concurrency"`
		RunTimeout  time.Duration `mapstructure:"run_timeout"`
	} `mapstructure:"scheduler"`

	Executor struct {
		Period       time.Duration `mapstructure:"period"`
		MaxPerTick   int           `mapstructure:"max_per_tick"`
		StuckTimeout time.Duration `mapstructure:"stuck_timeout"`
		MaxAttempts  int           `mapstructure:"max_attempts"`
		BackoffBase  time.Duration `mapstructure:"backoff_base"`
		BackoffFactor float64      `mapstructure:"backoff_factor"`
		BackoffCap   time.Duration `mapstructure:"backoff_cap"`
	} `mapstructure:"executor"`

	Refresher struct {
		Period         time.Duration `mapstructure:"period"`
		StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	} `mapstructure:"refresher"`

	Trading struct {
		FeeBuffer float64 `mapstructure:"fee_buffer"`
	} `mapstructure:"trading"`

	Exchange struct {
		BaseURL        string        `mapstructure:"base_url"`
		WebsocketURL   string        `mapstructure:"websocket_url"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"exchange"`

	Ledger struct {
		Backend         string `mapstructure:"backend"` // "memory" or "firestore"
		FirestoreProject string `mapstructure:"firestore_project"`
	} `mapstructure:"ledger"`

	Monitoring struct {
		MetricsPort int `mapstructure:"metrics_port"`
		HealthPort  int `mapstructure:"health_port"`
	} `mapstructure:"monitoring"`
}

// Load reads configuration from the environment (and an optional file passed
// via DCA_CONFIG_FILE) and validates it.
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("DCA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("scheduler.period", 5*time.Minute)
	v.SetDefault("scheduler.concurrency", 8)
	v.SetDefault("scheduler.run_timeout", 4*time.Minute)

	v.SetDefault("executor.period", time.Minute)
	v.SetDefault("executor.max_per_tick", 20)
	v.SetDefault("executor.stuck_timeout", 10*time.Minute)
	v.SetDefault("executor.max_attempts", 8)
	v.SetDefault("executor.backoff_base", 10*time.Second)
	v.SetDefault("executor.backoff_factor", 2.0)
	v.SetDefault("executor.backoff_cap", 10*time.Minute)

	v.SetDefault("refresher.period", time.Minute)
	v.SetDefault("refresher.stale_threshold", 3*time.Minute)

	v.SetDefault("trading.fee_buffer", 0.002)

	v.SetDefault("exchange.base_url", "https://api.kraken.com")
	v.SetDefault("exchange.websocket_url", "wss://ws-auth.kraken.com")
	v.SetDefault("exchange.request_timeout", 15*time.Second)

	v.SetDefault("ledger.backend", "memory")

	v.SetDefault("monitoring.metrics_port", 9090)
	v.SetDefault("monitoring.health_port", 8081)
}

// Validate checks the invariants the workers rely on.
func (c *Config) Validate() error {
	if c.Scheduler.Period <= 0 {
		return fmt.Errorf("scheduler period must be positive, got %v", c.Scheduler.Period)
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler concurrency must be at least 1, got %d", c.Scheduler.Concurrency)
	}
	if c.Scheduler.RunTimeout <= 0 || c.Scheduler.RunTimeout >= c.Scheduler.Period {
		return fmt.Errorf("scheduler run timeout must be positive and below the period, got %v", c.Scheduler.RunTimeout)
	}
	if c.Executor.Period <= 0 {
		return fmt.Errorf("executor period must be positive, got %v", c.Executor.Period)
	}
	if c.Executor.MaxPerTick < 1 {
		return fmt.Errorf("executor max per tick must be at least 1, got %d", c.Executor.MaxPerTick)
	}
	if c.Executor.MaxAttempts < 1 {
		return fmt.Errorf("executor max attempts must be at least 1, got %d", c.Executor.MaxAttempts)
	}
	if c.Executor.BackoffFactor < 1 {
		return fmt.Errorf("executor backoff factor must be >= 1, got %f", c.Executor.BackoffFactor)
	}
	if c.Refresher.Period <= 0 {
		return fmt.Errorf("refresher period must be positive, got %v", c.Refresher.Period)
	}
	if c.Refresher.StaleThreshold <= 0 {
		return fmt.Errorf("stale threshold must be positive, got %v", c.Refresher.StaleThreshold)
	}
	if c.Trading.FeeBuffer < 0 || c.Trading.FeeBuffer >= 0.05 {
		return fmt.Errorf("fee buffer must be in [0, 0.05), got %f", c.Trading.FeeBuffer)
	}
	if c.Exchange.RequestTimeout <= 0 {
		return fmt.Errorf("exchange request timeout must be positive, got %v", c.Exchange.RequestTimeout)
	}
	switch c.Ledger.Backend {
	case "memory":
	case "firestore":
		if c.Ledger.FirestoreProject == "" {
			return fmt.Errorf("firestore backend requires a project id")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	return nil
}

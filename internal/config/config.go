// Package config handles configuration loading and validation for the Burst pool.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pool
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	Node      NodeConfig      `mapstructure:"node"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Rounds    RoundsConfig    `mapstructure:"rounds"`
	Payouts   PayoutsConfig   `mapstructure:"payouts"`
	API       APIConfig       `mapstructure:"api"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Log       LogConfig       `mapstructure:"log"`
}

// PoolConfig defines pool identity settings
type PoolConfig struct {
	Name         string `mapstructure:"name"`
	SecretPhrase string `mapstructure:"secret_phrase"`
	// DonationRecipient receives the pool fee take; numeric id or
	// BURST-RS form.
	DonationRecipient string  `mapstructure:"donation_recipient"`
	Fee               float64 `mapstructure:"fee"`
	WinnerReward      float64 `mapstructure:"winner_reward"`
}

// NodeConfig defines Burst node connection settings
type NodeConfig struct {
	// Addresses lists node base URLs in preference order; the pool
	// fails over between them.
	Addresses []string      `mapstructure:"addresses"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// PocVersion selects the plot layout used to verify deadlines.
	PocVersion int `mapstructure:"poc_version"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RoundsConfig defines round tracking and capacity estimation settings
type RoundsConfig struct {
	// NAvg is the number of past rounds a capacity estimate averages
	// over.
	NAvg int `mapstructure:"n_avg"`
	// NMin is the minimum number of confirmations before a miner
	// earns a share.
	NMin int `mapstructure:"n_min"`
	// TMin is the deadline in seconds under which a round counts as
	// too fast to attribute deadlines fairly.
	TMin int64 `mapstructure:"t_min"`
	// ProcessLag is the number of blocks behind the chain tip the
	// pool waits before settling a round.
	ProcessLag      int64         `mapstructure:"process_lag"`
	MaxDeadline     uint64        `mapstructure:"max_deadline"`
	TargetDeadline  uint64        `mapstructure:"target_deadline"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	ProcessInterval time.Duration `mapstructure:"process_interval"`
}

// PayoutsConfig defines payment processing settings
type PayoutsConfig struct {
	// DefaultMinimumPayout is in BURST; miners override it per
	// account with a signed request.
	DefaultMinimumPayout     float64 `mapstructure:"default_minimum_payout"`
	MinimumMinimumPayout     float64 `mapstructure:"minimum_minimum_payout"`
	MinPayoutsPerTransaction int     `mapstructure:"min_payouts_per_transaction"`
	// TransactionFee is in BURST and is split evenly across payees.
	TransactionFee      float64       `mapstructure:"transaction_fee"`
	TransactionDeadline uint64        `mapstructure:"transaction_deadline"`
	BroadcastAttempts   int           `mapstructure:"broadcast_attempts"`
	Interval            time.Duration `mapstructure:"interval"`
}

// APIConfig defines API server settings
type APIConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Bind        string        `mapstructure:"bind"`
	StatsCache  time.Duration `mapstructure:"stats_cache"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
}

// NotifyConfig defines webhook notification settings
type NotifyConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	DiscordWebhook   string `mapstructure:"discord_webhook"`
	TelegramBotToken string `mapstructure:"telegram_bot_token"`
	TelegramChatID   string `mapstructure:"telegram_chat_id"`
}

// NewRelicConfig defines APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig defines pprof server settings
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/burstpool")
	}

	// Read environment variables
	v.SetEnvPrefix("BURSTPOOL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Pool defaults
	v.SetDefault("pool.name", "Burst Mining Pool")
	v.SetDefault("pool.fee", 0.01)
	v.SetDefault("pool.winner_reward", 0.2)

	// Node defaults
	v.SetDefault("node.addresses", []string{"http://127.0.0.1:8125"})
	v.SetDefault("node.timeout", "10s")
	v.SetDefault("node.poc_version", 2)

	// Redis defaults
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	// Round defaults
	v.SetDefault("rounds.n_avg", 360)
	v.SetDefault("rounds.n_min", 1)
	v.SetDefault("rounds.t_min", 20)
	v.SetDefault("rounds.process_lag", 10)
	v.SetDefault("rounds.max_deadline", uint64(math.MaxInt64))
	v.SetDefault("rounds.target_deadline", 31536000)
	v.SetDefault("rounds.refresh_interval", "3s")
	v.SetDefault("rounds.process_interval", "10s")

	// Payout defaults
	v.SetDefault("payouts.default_minimum_payout", 100.0)
	v.SetDefault("payouts.minimum_minimum_payout", 1.0)
	v.SetDefault("payouts.min_payouts_per_transaction", 10)
	v.SetDefault("payouts.transaction_fee", 1.0)
	v.SetDefault("payouts.transaction_deadline", 1440)
	v.SetDefault("payouts.broadcast_attempts", 5)
	v.SetDefault("payouts.interval", "5m")

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.stats_cache", "10s")
	v.SetDefault("api.cors_origins", []string{"*"})

	// Notify defaults
	v.SetDefault("notify.enabled", false)

	// New Relic defaults
	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "burstpool")

	// Profiling defaults
	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Pool.SecretPhrase == "" {
		return fmt.Errorf("pool.secret_phrase is required")
	}

	if c.Pool.Fee < 0 || c.Pool.Fee > 1 {
		return fmt.Errorf("pool.fee must be between 0 and 1")
	}

	if c.Pool.WinnerReward < 0 || c.Pool.WinnerReward > 1 {
		return fmt.Errorf("pool.winner_reward must be between 0 and 1")
	}

	if len(c.Node.Addresses) == 0 {
		return fmt.Errorf("node.addresses must list at least one node")
	}

	if c.Node.PocVersion != 1 && c.Node.PocVersion != 2 {
		return fmt.Errorf("node.poc_version must be 1 or 2")
	}

	if c.Rounds.NAvg < 2 {
		return fmt.Errorf("rounds.n_avg must be at least 2")
	}

	if c.Rounds.NMin < 0 || c.Rounds.NMin >= c.Rounds.NAvg {
		return fmt.Errorf("rounds.n_min must be in [0, n_avg)")
	}

	if c.Rounds.ProcessLag < 0 {
		return fmt.Errorf("rounds.process_lag must not be negative")
	}

	if c.Payouts.MinPayoutsPerTransaction < 2 || c.Payouts.MinPayoutsPerTransaction > 64 {
		return fmt.Errorf("payouts.min_payouts_per_transaction must be between 2 and 64")
	}

	if c.Payouts.TransactionFee < 0.00735 {
		return fmt.Errorf("payouts.transaction_fee must be at least 0.00735")
	}

	if c.Payouts.DefaultMinimumPayout < c.Payouts.MinimumMinimumPayout {
		return fmt.Errorf("payouts.default_minimum_payout must not be below minimum_minimum_payout")
	}

	return nil
}

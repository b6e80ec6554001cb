package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains message bus settings
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// AggregatorConfig contains candle aggregation settings
type AggregatorConfig struct {
	MappingsFile string        `mapstructure:"mappings_file"`
	PartialTTL   time.Duration `mapstructure:"partial_ttl"`
	WriteRetries int           `mapstructure:"write_retries"`
}

// StrategyConfig contains strategy runner settings
type StrategyConfig struct {
	Exchange            string              `mapstructure:"exchange"`
	Symbols             []string            `mapstructure:"symbols"`
	Timeframes          []string            `mapstructure:"timeframes"`
	HigherTimeframes    map[string][]string `mapstructure:"higher_timeframes"`
	MinRiskReward       float64             `mapstructure:"min_risk_reward"`
	SignalTTL           time.Duration       `mapstructure:"signal_ttl"`
	CandleWindow        int                 `mapstructure:"candle_window"`
	MitigationThreshold float64             `mapstructure:"mitigation_threshold"`
}

// ExecutionConfig contains execution pipeline settings
type ExecutionConfig struct {
	AccountEquity   float64       `mapstructure:"account_equity"`
	RiskPerTrade    float64       `mapstructure:"risk_per_trade"`
	MaxPositionSize float64       `mapstructure:"max_position_size"`
	Leverage        int           `mapstructure:"leverage"`
	OrderTTL        time.Duration `mapstructure:"order_ttl"`
}

// ExchangeConfig contains exchange connector settings
type ExchangeConfig struct {
	Name           string        `mapstructure:"name"`
	APIKey         string        `mapstructure:"api_key"`
	SecretKey      string        `mapstructure:"secret_key"`
	Testnet        bool          `mapstructure:"testnet"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
}

// MonitoringConfig contains monitoring service settings
type MonitoringConfig struct {
	TelegramToken   string  `mapstructure:"telegram_token"`
	TelegramChatIDs []int64 `mapstructure:"telegram_chat_ids"`
	AlertHistory    int     `mapstructure:"alert_history"`
	HTTPPort        int     `mapstructure:"http_port"`
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("BLOCKFLOW")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
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

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "blockflow")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "blockflow")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.publish_timeout", 5*time.Second)

	// Aggregator defaults
	v.SetDefault("aggregator.mappings_file", "./configs/timeframes.yaml")
	v.SetDefault("aggregator.partial_ttl", 24*time.Hour)
	v.SetDefault("aggregator.write_retries", 3)

	// Strategy defaults
	v.SetDefault("strategy.exchange", "binance")
	v.SetDefault("strategy.symbols", []string{"BTC-USD", "ETH-USD"})
	v.SetDefault("strategy.timeframes", []string{"1h", "4h"})
	v.SetDefault("strategy.min_risk_reward", 2.0)
	v.SetDefault("strategy.signal_ttl", 7*24*time.Hour)
	v.SetDefault("strategy.candle_window", 200)
	v.SetDefault("strategy.mitigation_threshold", 100.0)

	// Execution defaults
	v.SetDefault("execution.account_equity", 1000.0)
	v.SetDefault("execution.risk_per_trade", 0.01)
	v.SetDefault("execution.max_position_size", 1.0)
	v.SetDefault("execution.leverage", 1)
	v.SetDefault("execution.order_ttl", 30*24*time.Hour)

	// Exchange defaults
	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.testnet", true)
	v.SetDefault("exchange.request_timeout", 30*time.Second)
	v.SetDefault("exchange.rate_limit_rps", 10.0)

	// Monitoring defaults
	v.SetDefault("monitoring.alert_history", 500)
	v.SetDefault("monitoring.http_port", 8090)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9100)
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Strategy.MinRiskReward <= 0 {
		return fmt.Errorf("strategy.min_risk_reward must be positive, got %f", c.Strategy.MinRiskReward)
	}
	if c.Execution.RiskPerTrade <= 0 || c.Execution.RiskPerTrade >= 1 {
		return fmt.Errorf("execution.risk_per_trade must be in (0,1), got %f", c.Execution.RiskPerTrade)
	}
	if c.Execution.MaxPositionSize <= 0 {
		return fmt.Errorf("execution.max_position_size must be positive, got %f", c.Execution.MaxPositionSize)
	}
	if c.Strategy.MitigationThreshold <= 0 || c.Strategy.MitigationThreshold > 100 {
		return fmt.Errorf("strategy.mitigation_threshold must be in (0,100], got %f", c.Strategy.MitigationThreshold)
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("database.pool_size must be positive, got %d", c.Database.PoolSize)
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

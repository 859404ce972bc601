package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Investment InvestmentConfig `mapstructure:"investment"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Rebalance  RebalanceConfig  `mapstructure:"rebalance"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"`
	Development bool   `mapstructure:"development"`
	Sampling    bool   `mapstructure:"sampling"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type InvestmentConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type NotifyConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RebalanceConfig struct {
	// DefaultDriftThreshold is used when a trigger does not carry its own.
	DefaultDriftThreshold float64 `mapstructure:"default_drift_threshold"`
	// MinTradeValue is the dust floor: planned legs below this value are skipped.
	MinTradeValue float64 `mapstructure:"min_trade_value"`
	// AutoExecute makes TriggerRebalance execute a non-empty plan immediately.
	AutoExecute bool `mapstructure:"auto_execute"`
}

type DispatcherConfig struct {
	QueueSize          int `mapstructure:"queue_size"`
	Workers            int `mapstructure:"workers"`
	ComputeMaxAttempts int `mapstructure:"compute_max_attempts"`
	// DepositThreshold gates the deposit trigger; deposits below it are ignored.
	DepositThreshold float64 `mapstructure:"deposit_threshold"`
}

type SweepConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Spec           string  `mapstructure:"spec"`
	DriftThreshold float64 `mapstructure:"drift_threshold"`
}

type CleanupConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Spec    string        `mapstructure:"spec"`
	MaxAge  time.Duration `mapstructure:"max_age"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("investment.base_url", "http://localhost:8090")
	v.SetDefault("investment.timeout", "15s")
	v.SetDefault("notify.base_url", "")
	v.SetDefault("notify.timeout", "5s")
	v.SetDefault("rebalance.default_drift_threshold", 0.05)
	v.SetDefault("rebalance.min_trade_value", 0.01)
	v.SetDefault("rebalance.auto_execute", true)
	v.SetDefault("dispatcher.queue_size", 256)
	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.compute_max_attempts", 3)
	v.SetDefault("dispatcher.deposit_threshold", 1000)
	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.spec", "0 0 6 * * *")
	v.SetDefault("sweep.drift_threshold", 0.05)
	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.spec", "@every 12h")
	v.SetDefault("cleanup.max_age", "720h")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

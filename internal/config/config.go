// Package config loads process settings from an optional YAML file, an
// optional .env file and PAYLEDGER_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"payledger/internal/domain"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const envPrefix = "PAYLEDGER"

type Config struct {
	App struct {
		Env string `mapstructure:"env"`
	} `mapstructure:"app"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	HTTP struct {
		Addr           string        `mapstructure:"addr"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"http"`
	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
	Timestamp struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"timestamp"`
	Storage struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"storage"`
	Postgres struct {
		DSN      string `mapstructure:"dsn"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"postgres"`
	Ledger struct {
		LockTimeout     time.Duration `mapstructure:"lock_timeout"`
		BaseCurrency    string        `mapstructure:"base_currency"`
		StartingBalance string        `mapstructure:"starting_balance"`
		BusyRetries     int           `mapstructure:"busy_retries"`
		// Limits caps a single movement per currency, e.g. {USD: "5000.00"}.
		Limits map[string]string `mapstructure:"limits"`
	} `mapstructure:"ledger"`
	Conversion struct {
		Mode    string                       `mapstructure:"mode"`
		URL     string                       `mapstructure:"url"`
		Timeout time.Duration                `mapstructure:"timeout"`
		Rates   map[string]map[string]string `mapstructure:"rates"`
	} `mapstructure:"conversion"`
	Auth struct {
		JWTSecret string        `mapstructure:"jwt_secret"`
		TokenTTL  time.Duration `mapstructure:"token_ttl"`
	} `mapstructure:"auth"`
	Audit struct {
		SigningKey string `mapstructure:"signing_key"`
	} `mapstructure:"audit"`
	Notifications struct {
		Workers   int `mapstructure:"workers"`
		QueueSize int `mapstructure:"queue_size"`
	} `mapstructure:"notifications"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.request_timeout", "30s")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("timestamp.enabled", true)
	v.SetDefault("timestamp.addr", ":9091")
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("ledger.lock_timeout", "2s")
	v.SetDefault("ledger.base_currency", "GBP")
	v.SetDefault("ledger.starting_balance", "1000.00")
	v.SetDefault("ledger.busy_retries", 3)
	v.SetDefault("ledger.limits", map[string]string{})
	v.SetDefault("conversion.mode", "static")
	v.SetDefault("conversion.url", "http://localhost:8080")
	v.SetDefault("conversion.timeout", "3s")
	v.SetDefault("conversion.rates", map[string]map[string]string{
		"USD": {"EUR": "0.85", "GBP": "0.75"},
		"EUR": {"USD": "1.18", "GBP": "0.89"},
		"GBP": {"USD": "1.33", "EUR": "1.12"},
	})
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("audit.signing_key", "")
	v.SetDefault("notifications.workers", 3)
	v.SetDefault("notifications.queue_size", 1000)
}

// Load reads configuration. path may be empty, in which case ./configs/config.yaml
// is used if present. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./configs")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	switch c.Conversion.Mode {
	case "static", "remote":
	default:
		return fmt.Errorf("unknown conversion.mode %q", c.Conversion.Mode)
	}

	if _, err := domain.NormalizeCurrency(c.Ledger.BaseCurrency); err != nil {
		return fmt.Errorf("ledger.base_currency: %w", err)
	}
	if _, err := c.StartingBalance(); err != nil {
		return err
	}
	if _, err := c.Limits(); err != nil {
		return err
	}
	if c.Ledger.BusyRetries < 0 {
		return errors.New("ledger.busy_retries must not be negative")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

func (c *Config) StartingBalance() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Ledger.StartingBalance)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("ledger.starting_balance: invalid amount %q", c.Ledger.StartingBalance)
	}
	return d, nil
}

// Limits returns the per-currency movement caps. Keys are normalized, since
// viper lower-cases map keys.
func (c *Config) Limits() (map[domain.Currency]decimal.Decimal, error) {
	limits := make(map[domain.Currency]decimal.Decimal, len(c.Ledger.Limits))
	for code, raw := range c.Ledger.Limits {
		cur, err := domain.NormalizeCurrency(code)
		if err != nil {
			return nil, fmt.Errorf("ledger.limits: %w", err)
		}
		max, err := domain.ParseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("ledger.limits.%s: %w", code, err)
		}
		limits[cur] = max
	}
	return limits, nil
}

func (c *Config) BaseCurrency() domain.Currency {
	cur, _ := domain.NormalizeCurrency(c.Ledger.BaseCurrency)
	return cur
}

func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

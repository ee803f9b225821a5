package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "CATEGORY_ENGINE"

type DefaultValue struct {
	Key   string
	Value any
}

var Defaults = []DefaultValue{
	{"production_environment", false},
	{"log_level", "info"},
	{"human_readable_output", false},
	{"metrics_port", 9090},

	{"database.host", "localhost"},
	{"database.port", 5432},
	{"database.username", "postgres"},
	{"database.password", ""},
	{"database.database", "categories"},
	{"database.sslmode", "disable"},

	{"redis.addr", ""},
	{"redis.password", ""},
	{"redis.db", 0},
	{"redis.prefix", "category-engine:"},

	{"cache.default_ttl", time.Hour},
	{"cache.max_ttl", 24 * time.Hour},
	{"cache.category_ttl", time.Hour},
	{"cache.tag_ttl", 2 * time.Hour},
	{"cache.local_ttl", 30 * time.Second},

	{"categories.max_tags", 12},
	{"categories.retention_window", 7 * 24 * time.Hour},
	{"categories.store_timeout", 5 * time.Second},
	{"categories.cleanup_timeout", 30 * time.Second},
	{"categories.read_attempts", 3},
	{"categories.max_page_size", 100},

	{"analytics.min_occurrences", 5},
	{"analytics.retention", 30 * 24 * time.Hour},

	{"schedule.optimize", "0 0 3 * * *"},
	{"schedule.rebuild", "0 30 4 * * 0"},
	{"schedule.timeout", time.Hour},
}

// PopulateAppConfig fills cfg from defaults, an optional config file and
// CATEGORY_ENGINE_* environment variables (in increasing precedence), then
// validates the result.
func PopulateAppConfig(cfg *AppConfig, configFile string, defaults ...DefaultValue) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, d := range defaults {
		v.SetDefault(d.Key, d.Value)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/category-engine")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
		log.Debug().Msg("No config file found, using defaults and environment")
	}

	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}

// InitLogger configures the global zerolog logger.
func InitLogger(cfg *AppConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = NewLogger(cfg, os.Stderr)

	if cfg.ProductionEnvironment && cfg.HumanReadableOutput {
		log.Warn().Msg("Ignoring human_readable_output in production, logging JSON")
	}
}

// NewLogger builds the process logger. Production always logs JSON.
func NewLogger(cfg *AppConfig, out io.Writer) zerolog.Logger {
	if cfg.HumanReadableOutput && !cfg.ProductionEnvironment {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}
	}

	return zerolog.New(out).With().Timestamp().Logger()
}

// DSN renders the postgres connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host='%s' port='%d' user='%s' password='%s' dbname='%s' sslmode='%s'",
		c.Host,
		c.Port,
		c.Username,
		c.Password,
		c.Database,
		c.SSLMode,
	)
}

// RedactedDSN is DSN with the password masked, for logging.
func (c DatabaseConfig) RedactedDSN() string {
	if c.Password == "" {
		return c.DSN()
	}

	return strings.ReplaceAll(c.DSN(), c.Password, "*****")
}

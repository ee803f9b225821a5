package config

import "time"

type AppConfig struct {
	ProductionEnvironment bool   `mapstructure:"production_environment"`
	LogLevel              string `mapstructure:"log_level"              validate:"oneof=trace debug info warn error"`
	HumanReadableOutput   bool   `mapstructure:"human_readable_output"`
	MetricsPort           int    `mapstructure:"metrics_port"           validate:"required,numeric,min=1,max=65535"`

	Database   DatabaseConfig  `mapstructure:"database"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Cache      CacheConfig     `mapstructure:"cache"`
	Categories CategoryConfig  `mapstructure:"categories"`
	Analytics  AnalyticsConfig `mapstructure:"analytics"`
	Schedule   ScheduleConfig  `mapstructure:"schedule"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"     validate:"required"`
	Port     int    `mapstructure:"port"     validate:"required,min=1,max=65535"`
	Username string `mapstructure:"username" validate:"required"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database" validate:"required"`
	SSLMode  string `mapstructure:"sslmode"  validate:"oneof=disable allow prefer require verify-ca verify-full"`
}

// RedisConfig enables the shared cache tier and the analytics counters when
// Addr is set. Without it everything stays in process memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"        validate:"min=0"`
	Prefix   string `mapstructure:"prefix"`
}

type CacheConfig struct {
	DefaultTTL  time.Duration `mapstructure:"default_ttl"  validate:"min=0"`
	MaxTTL      time.Duration `mapstructure:"max_ttl"      validate:"min=0"`
	CategoryTTL time.Duration `mapstructure:"category_ttl" validate:"min=0"`
	TagTTL      time.Duration `mapstructure:"tag_ttl"      validate:"min=0"`
	LocalTTL    time.Duration `mapstructure:"local_ttl"    validate:"min=0"`
}

type CategoryConfig struct {
	MaxTags         int           `mapstructure:"max_tags"         validate:"min=1,max=20"`
	RetentionWindow time.Duration `mapstructure:"retention_window" validate:"min=0"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"    validate:"required"`
	CleanupTimeout  time.Duration `mapstructure:"cleanup_timeout"  validate:"required"`
	ReadAttempts    int           `mapstructure:"read_attempts"    validate:"min=1,max=10"`
	MaxPageSize     int           `mapstructure:"max_page_size"    validate:"min=1"`
}

type AnalyticsConfig struct {
	MinOccurrences int64         `mapstructure:"min_occurrences" validate:"min=1"`
	Retention      time.Duration `mapstructure:"retention"       validate:"min=0"`
}

// ScheduleConfig holds cron expressions with a leading seconds field.
// An empty expression disables the job.
type ScheduleConfig struct {
	Optimize string        `mapstructure:"optimize"`
	Rebuild  string        `mapstructure:"rebuild"`
	Timeout  time.Duration `mapstructure:"timeout"  validate:"required"`
}

var Cfg = &AppConfig{}

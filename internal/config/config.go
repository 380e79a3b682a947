package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is the top-level velvetd configuration. Values come from an optional
// TOML file, with VELVET_* environment variables taking precedence.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Log     LogConfig     `toml:"log"`
	Sync    SyncConfig    `toml:"sync"`
	Archive ArchiveConfig `toml:"archive"`
}

type ServerConfig struct {
	Port   string `toml:"port"`
	DBPath string `toml:"db_path"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type SyncConfig struct {
	DefaultIntervalSeconds int `toml:"default_interval_seconds"`
	MaxConsecutiveFailures int `toml:"max_consecutive_failures"`
	ConnectorTimeoutSecs   int `toml:"connector_timeout_seconds"`
	MaxBackoffSeconds      int `toml:"max_backoff_seconds"`
}

type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	ScheduleHour  int    `toml:"schedule_hour"`
	RetentionDays int    `toml:"retention_days"`
	Passphrase    string `toml:"passphrase"`
	S3Endpoint    string `toml:"s3_endpoint"`
	S3Bucket      string `toml:"s3_bucket"`
	S3Region      string `toml:"s3_region"`
	S3AccessKey   string `toml:"s3_access_key"`
	S3SecretKey   string `toml:"s3_secret_key"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:   "8080",
			DBPath: "velvet.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Sync: SyncConfig{
			DefaultIntervalSeconds: 300,
			MaxConsecutiveFailures: 5,
			ConnectorTimeoutSecs:   30,
			MaxBackoffSeconds:      600,
		},
		Archive: ArchiveConfig{
			ScheduleHour:  4,
			RetentionDays: 90,
			S3Region:      "us-east-1",
		},
	}
}

// Load reads the config file at path (if it exists) over the defaults, then
// applies environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("decode config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Port, "VELVET_PORT")
	setString(&cfg.Server.DBPath, "VELVET_DB_PATH")
	setString(&cfg.Log.Level, "VELVET_LOG_LEVEL")
	setString(&cfg.Log.Format, "VELVET_LOG_FORMAT")
	setInt(&cfg.Sync.DefaultIntervalSeconds, "VELVET_SYNC_INTERVAL")
	setInt(&cfg.Sync.MaxConsecutiveFailures, "VELVET_SYNC_MAX_FAILURES")
	setInt(&cfg.Sync.ConnectorTimeoutSecs, "VELVET_SYNC_TIMEOUT")
	setInt(&cfg.Sync.MaxBackoffSeconds, "VELVET_SYNC_MAX_BACKOFF")
	setBool(&cfg.Archive.Enabled, "VELVET_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.ScheduleHour, "VELVET_ARCHIVE_HOUR")
	setInt(&cfg.Archive.RetentionDays, "VELVET_ARCHIVE_RETENTION_DAYS")
	setString(&cfg.Archive.Passphrase, "VELVET_ARCHIVE_PASSPHRASE")
	setString(&cfg.Archive.S3Endpoint, "VELVET_S3_ENDPOINT")
	setString(&cfg.Archive.S3Bucket, "VELVET_S3_BUCKET")
	setString(&cfg.Archive.S3Region, "VELVET_S3_REGION")
	setString(&cfg.Archive.S3AccessKey, "VELVET_S3_ACCESS_KEY")
	setString(&cfg.Archive.S3SecretKey, "VELVET_S3_SECRET_KEY")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

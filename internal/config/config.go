package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "ISCHED"
	DefaultDirName = ".isched"
	FileName       = "config.toml"
)

const (
	DefaultLockTimeout    = 5 * time.Second
	DefaultCustomInterval = 5 * time.Minute
	DefaultHorizonDays    = 60
	DefaultConcurrency    = 4
	DefaultHTTPAddr       = "127.0.0.1:8080"
)

// Load reads path (or ~/.isched/config.toml when empty) on top of the defaults.
// A missing file is not an error; ISCHED_* variables override both.
func Load(path string) (*viper.Viper, error) {
	cfg := viper.New()
	SetDefaults(cfg)

	cfg.SetEnvPrefix(EnvPrefix)
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cfg.AutomaticEnv()

	if strings.TrimSpace(path) == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}

	cfg.SetConfigFile(path)
	cfg.SetConfigType("toml")
	if err := cfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(homeDir, DefaultDirName, FileName), nil
}

func SetDefaults(cfg *viper.Viper) {
	cfg.SetDefault("audit.driver", "sqlite")
	cfg.SetDefault("lock.backend", "memory")
	cfg.SetDefault("lock.timeout", DefaultLockTimeout)
	cfg.SetDefault("redis.addr", "127.0.0.1:6379")
	cfg.SetDefault("redis.db", 0)
	cfg.SetDefault("notify.backend", "log")
	cfg.SetDefault("amqp.exchange", "isched.assignments")
	cfg.SetDefault("scheduler.custom_interval", DefaultCustomInterval)
	cfg.SetDefault("scheduler.horizon_days", DefaultHorizonDays)
	cfg.SetDefault("scheduler.concurrency", DefaultConcurrency)
	cfg.SetDefault("http.addr", DefaultHTTPAddr)
	cfg.SetDefault("log.level", "info")
	cfg.SetDefault("log.format", "text")
	cfg.SetDefault("log.max_size_mb", 50)
	cfg.SetDefault("log.max_backups", 5)
	cfg.SetDefault("log.max_age_days", 28)
}

func Validate(cfg *viper.Viper) error {
	if backend := cfg.GetString("lock.backend"); backend != "memory" && backend != "redis" {
		return fmt.Errorf("unsupported lock backend: %s", backend)
	}
	if backend := cfg.GetString("notify.backend"); backend != "log" && backend != "amqp" {
		return fmt.Errorf("unsupported notify backend: %s", backend)
	}
	if cfg.GetDuration("lock.timeout") <= 0 {
		return errors.New("lock.timeout must be positive")
	}
	if cfg.GetDuration("scheduler.custom_interval") <= 0 {
		return errors.New("scheduler.custom_interval must be positive")
	}
	if cfg.GetInt("scheduler.horizon_days") <= 0 {
		return errors.New("scheduler.horizon_days must be positive")
	}
	if cfg.GetInt("scheduler.concurrency") <= 0 {
		return errors.New("scheduler.concurrency must be positive")
	}

	return nil
}

func LockTimeout(cfg *viper.Viper) time.Duration {
	return cfg.GetDuration("lock.timeout")
}

func Horizon(cfg *viper.Viper) time.Duration {
	return time.Duration(cfg.GetInt("scheduler.horizon_days")) * 24 * time.Hour
}

package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02 15:04:05.000"

type Config struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ConfigFromViper reads the log.* keys.
func ConfigFromViper(cfg *viper.Viper) Config {
	if cfg == nil {
		return Config{Level: "info", Format: "text"}
	}
	return Config{
		Level:      cfg.GetString("log.level"),
		Format:     cfg.GetString("log.format"),
		File:       cfg.GetString("log.file"),
		MaxSizeMB:  cfg.GetInt("log.max_size_mb"),
		MaxBackups: cfg.GetInt("log.max_backups"),
		MaxAgeDays: cfg.GetInt("log.max_age_days"),
	}
}

// New builds a logger writing to stderr, or to a rotated file when File is set.
func New(cfg Config) (*logrus.Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: timestampFormat,
			FullTimestamp:   true,
		})
	default:
		return nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}

	if strings.TrimSpace(cfg.File) == "" {
		log.SetOutput(os.Stderr)
		return log, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	if level >= logrus.DebugLevel {
		log.SetOutput(io.MultiWriter(os.Stderr, rotated))
	} else {
		log.SetOutput(rotated)
	}

	return log, nil
}

// Discard returns a logger that drops everything. Used when no logger is injected.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func Component(log logrus.FieldLogger, name string) *logrus.Entry {
	if log == nil {
		log = Discard()
	}
	return log.WithField("component", name)
}

// Audit writes an operator-visible audit line tagged with log_type=audit.
func Audit(log logrus.FieldLogger, action, actor string, fields logrus.Fields) {
	if log == nil {
		return
	}
	entry := log.WithFields(logrus.Fields{
		"log_type": "audit",
		"action":   action,
		"actor":    actor,
	})
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Info("audit")
}

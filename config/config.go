package config

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port         int    `yaml:"port"`
	DBPath       string `yaml:"db_path"`
	TokenSecret  string `yaml:"token_secret"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
	LogLevel     string `yaml:"log_level"`
}

// Load builds the configuration from defaults, an optional YAML file
// named by CHATD_CONFIG, and CHATD_* environment overrides, in that
// order.
func Load() *Config {
	cfg := &Config{
		Port:         8080,
		DBPath:       "chatd.db",
		ReadTimeout:  120,
		WriteTimeout: 30,
		LogLevel:     "info",
	}

	if path := os.Getenv("CHATD_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			logrus.WithError(err).WithField("path", path).Warn("failed to read config file")
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			logrus.WithError(err).WithField("path", path).Warn("failed to parse config file")
		}
	}

	if portStr := os.Getenv("CHATD_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if dbPath := os.Getenv("CHATD_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if secret := os.Getenv("CHATD_TOKEN_SECRET"); secret != "" {
		cfg.TokenSecret = secret
	}

	if timeoutStr := os.Getenv("CHATD_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ReadTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("CHATD_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	if level := os.Getenv("CHATD_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg
}

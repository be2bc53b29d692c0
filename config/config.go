// Package config loads the service configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// EnvPath names the environment variable that overrides the config file location.
const EnvPath = "CONFIG_PATH"

// DefaultPath is used when EnvPath is unset.
const DefaultPath = "config/config.yaml"

// DefaultModelPath is the model artifact location when the config does not name one.
const DefaultModelPath = "models/lstm_model.json"

// Config is the full service configuration as read from YAML.
type Config struct {
	ModelPath     string   `yaml:"model_path"`
	ModelName     string   `yaml:"model_name"`
	ModelVersion  string   `yaml:"model_version"`
	ModelFeatures []string `yaml:"model_features"`
	TrainedDate   string   `yaml:"trained_date"`
	ScalerXPath   string   `yaml:"scaler_X_path"`
	ScalerYPath   string   `yaml:"scaler_y_path"`

	// TmpDir receives downloaded remote artifacts.
	TmpDir              string `yaml:"tmp_dir"`
	PredictionCacheSize int    `yaml:"prediction_cache_size"`
	WatchArtifacts      bool   `yaml:"watch_artifacts"`

	HTTP          HTTPConfig          `yaml:"http"`
	Log           LogConfig           `yaml:"log"`
	S3            S3Config            `yaml:"s3"`
	PredictionLog PredictionLogConfig `yaml:"prediction_log"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	// File enables rotated file output in addition to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// S3Config configures access to s3:// artifacts. Empty credentials use the
// default AWS credential chain.
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// PredictionLogConfig enables the SQLite prediction journal when Path is set.
type PredictionLogConfig struct {
	Path      string `yaml:"path"`
	QueueSize int    `yaml:"queue_size"`
}

// Default returns the configuration used when no file is available.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Path resolves the config file location from the environment.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads and decodes the YAML file at path. Unset fields take their defaults.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer file.Close()

	var cfg Config
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ModelPath == "" {
		c.ModelPath = DefaultModelPath
	}
	if c.TmpDir == "" {
		c.TmpDir = os.TempDir()
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8000
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = 30 * time.Second
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = 30 * time.Second
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{"*"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.PredictionLog.QueueSize == 0 {
		c.PredictionLog.QueueSize = 1024
	}
}

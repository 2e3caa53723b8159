// Package config manages pomegrade configuration.
// It handles defaults, loading and saving the TOML file, and environment
// overrides.
package config

import (
	"bytes"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/Brownie44l1/pomegrade/internal/handlers"
	"github.com/Brownie44l1/pomegrade/internal/model"
	"github.com/Brownie44l1/pomegrade/internal/transform"
)

// Config is the complete pomegrade configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Model   ModelConfig   `toml:"model"`
	History HistoryConfig `toml:"history"`
	Dataset DatasetConfig `toml:"dataset"`
	Log     LogConfig     `toml:"log"`
}

type ServerConfig struct {
	Addr           string `toml:"addr"`
	MaxUploadBytes int64  `toml:"max_upload_bytes"`
}

type ModelConfig struct {
	Path         string `toml:"path"`
	MetadataPath string `toml:"metadata_path"`
	// SharedLibraryPath locates the onnxruntime library.
	SharedLibraryPath string `toml:"shared_library_path"`
	// Device is "cpu", "cuda" or "cuda:N".
	Device         string `toml:"device"`
	IntraOpThreads int    `toml:"intra_op_threads"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

type DatasetConfig struct {
	ImageSize int    `toml:"image_size"`
	BatchSize int    `toml:"batch_size"`
	Seed      uint64 `toml:"seed"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level"`
	// Format is json or text.
	Format string `toml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			MaxUploadBytes: handlers.DefaultMaxUploadBytes,
		},
		Model: ModelConfig{
			Path:         "models/model_embedded.onnx",
			MetadataPath: "models/model_metadata.json",
			Device:       "cpu",
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "pomegrade.db",
		},
		Dataset: DatasetConfig{
			ImageSize: 256,
			BatchSize: 32,
			Seed:      42,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the TOML file at path over the defaults and applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config")
		}
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config %s", path)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "failed to write config")
}

// applyEnv overrides fields from PORT and POMEGRADE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if port, ok := lookup("PORT"); ok && port != "" {
		c.Server.Addr = ":" + port
	}
	str("POMEGRADE_ADDR", &c.Server.Addr)
	str("POMEGRADE_MODEL", &c.Model.Path)
	str("POMEGRADE_METADATA", &c.Model.MetadataPath)
	str("POMEGRADE_ORT_LIBRARY", &c.Model.SharedLibraryPath)
	str("POMEGRADE_DEVICE", &c.Model.Device)
	str("POMEGRADE_HISTORY_PATH", &c.History.Path)
	str("POMEGRADE_LOG_LEVEL", &c.Log.Level)
	str("POMEGRADE_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("POMEGRADE_HISTORY"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Errorf("invalid POMEGRADE_HISTORY %q", v)
		}
		c.History.Enabled = enabled
	}
	return nil
}

// Validate checks the configuration for values no component accepts.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is empty")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return errors.Errorf("server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes)
	}
	if _, err := model.ParseDevice(c.Model.Device); err != nil {
		return errors.Wrap(err, "model.device")
	}
	if c.Model.IntraOpThreads < 0 {
		return errors.Errorf("model.intra_op_threads must not be negative, got %d", c.Model.IntraOpThreads)
	}
	if c.History.Enabled && c.History.Path == "" {
		return errors.New("history.path is empty")
	}
	if c.Dataset.ImageSize <= 0 {
		return errors.Errorf("dataset.image_size must be positive, got %d", c.Dataset.ImageSize)
	}
	if c.Dataset.BatchSize <= 0 {
		return errors.Errorf("dataset.batch_size must be positive, got %d", c.Dataset.BatchSize)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return errors.Errorf("log.format %q is not json or text", c.Log.Format)
	}
	return nil
}

// ModelOptions converts the model section for model.NewClassifier.
func (c *Config) ModelOptions() (model.Options, error) {
	device, err := model.ParseDevice(c.Model.Device)
	if err != nil {
		return model.Options{}, err
	}
	return model.Options{
		ModelPath:         c.Model.Path,
		MetadataPath:      c.Model.MetadataPath,
		SharedLibraryPath: c.Model.SharedLibraryPath,
		Device:            device,
		IntraOpThreads:    c.Model.IntraOpThreads,
	}, nil
}

// Transform returns the preprocessing config for square images of size.
func Transform(size int) transform.Config {
	cfg := transform.DefaultConfig()
	cfg.Width, cfg.Height = size, size
	return cfg
}

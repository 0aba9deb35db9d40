// Package config loads the engine's on-disk YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/repoengine/internal/rlog"
)

// Config is the top-level engine configuration, loaded once at startup
// and passed into repo.NewManager.
type Config struct {
	// SeafDir is the root directory holding repo.db, the per-repo object
	// stores, and worktrees.
	SeafDir string `yaml:"seaf_dir"`

	// ChunkSize bounds how large a single stored chunk may be, in bytes.
	ChunkSize int64 `yaml:"chunk_size"`

	// EncVersion selects the KDF/cipher parameterization used for newly
	// encrypted repos (see internal/security).
	EncVersion int `yaml:"enc_version"`

	// KDFIterations is the PBKDF2 round count for enc_version >= 2.
	KDFIterations int `yaml:"kdf_iterations"`

	// IgnorePatterns are additional filename globs merged with the
	// engine's built-in ignore list (internal/ignore).
	IgnorePatterns []string `yaml:"ignore_patterns"`

	Log LogConfig `yaml:"log"`
}

// LogConfig mirrors rlog.Config in a YAML-friendly shape.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		SeafDir:       "seafile-data",
		ChunkSize:     8 << 20,
		EncVersion:    2,
		KDFIterations: 100000,
		Log:           LogConfig{Level: "info"},
	}
}

// Load reads and parses a YAML config file. A missing file is not an
// error: the caller gets Default() back.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyLogging pushes the config's logging section into rlog.
func (c *Config) ApplyLogging() {
	rlog.Init(rlog.Config{
		Level:      rlog.Level(c.Log.Level),
		JSONOutput: c.Log.JSONOutput,
	})
}

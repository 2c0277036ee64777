package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// FilePermissions is the default permission mode for regular files
	FilePermissions = 0644
	// DirPermissions is the default permission mode for directories
	DirPermissions = 0755
)

var (
	// ConfigDir is the global configuration directory (~/.apistation)
	ConfigDir string

	// DatabasePath is the SQLite database file for runs and history
	DatabasePath string

	// ConfigFile is the optional engine configuration file
	ConfigFile string
)

// Initialize sets up the configuration directory and global paths.
// It creates ~/.apistation/ if it doesn't exist.
func Initialize() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	ConfigDir = filepath.Join(homeDir, ".apistation")
	DatabasePath = filepath.Join(ConfigDir, "apistation.db")
	ConfigFile = filepath.Join(ConfigDir, "config.yaml")

	if err := os.MkdirAll(ConfigDir, DirPermissions); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", ConfigDir, err)
	}

	return nil
}

// Limits bounds the engine's resource usage for a single execution.
type Limits struct {
	// MinTimeoutMs and MaxTimeoutMs clamp the per-request timeout.
	MinTimeoutMs int64 `yaml:"minTimeoutMs"`
	MaxTimeoutMs int64 `yaml:"maxTimeoutMs"`

	// MaxRedirects bounds manual redirect following.
	MaxRedirects int `yaml:"maxRedirects"`

	// MaxBodyBytes truncates response bodies beyond this size.
	MaxBodyBytes int `yaml:"maxBodyBytes"`

	// ScriptTimeoutMs is the hard wall-clock bound for a single script.
	ScriptTimeoutMs int64 `yaml:"scriptTimeoutMs"`

	// ConsoleCap bounds the captured console line buffer per execution.
	ConsoleCap int `yaml:"consoleCap"`

	// MaxConcurrentRuns caps simultaneously active collection runs.
	MaxConcurrentRuns int64 `yaml:"maxConcurrentRuns"`

	// RequestDelayMs is the default delay between requests in a run.
	RequestDelayMs int64 `yaml:"requestDelayMs"`
}

// DefaultLimits returns the engine defaults.
func DefaultLimits() Limits {
	return Limits{
		MinTimeoutMs:      1000,
		MaxTimeoutMs:      120000,
		MaxRedirects:      10,
		MaxBodyBytes:      1 << 20, // 1 MiB
		ScriptTimeoutMs:   5000,
		ConsoleCap:        200,
		MaxConcurrentRuns: 8,
		RequestDelayMs:    0,
	}
}

// LoadLimits reads a YAML limits file over the defaults. A missing file is
// not an error; zero values in the file keep their defaults.
func LoadLimits(path string) (Limits, error) {
	limits := DefaultLimits()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return limits, nil
		}
		return limits, fmt.Errorf("failed to read config file: %w", err)
	}

	var overrides Limits
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return limits, fmt.Errorf("failed to parse config file: %w", err)
	}

	merge := func(dst *int64, v int64) {
		if v > 0 {
			*dst = v
		}
	}
	merge(&limits.MinTimeoutMs, overrides.MinTimeoutMs)
	merge(&limits.MaxTimeoutMs, overrides.MaxTimeoutMs)
	merge(&limits.ScriptTimeoutMs, overrides.ScriptTimeoutMs)
	merge(&limits.MaxConcurrentRuns, overrides.MaxConcurrentRuns)
	if overrides.MaxRedirects > 0 {
		limits.MaxRedirects = overrides.MaxRedirects
	}
	if overrides.MaxBodyBytes > 0 {
		limits.MaxBodyBytes = overrides.MaxBodyBytes
	}
	if overrides.ConsoleCap > 0 {
		limits.ConsoleCap = overrides.ConsoleCap
	}
	if overrides.RequestDelayMs > 0 {
		limits.RequestDelayMs = overrides.RequestDelayMs
	}

	return limits, nil
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// DefaultDataDirName is the per-user state directory under $HOME.
	DefaultDataDirName = ".mcpbridge"

	// ConfigFileName is the config file searched for in the working
	// directory and the data directory.
	ConfigFileName = "mcpbridge.json"
)

// BindFlags connects a cobra/pflag flag set to the viper-backed Load so
// command-line flags override file and environment values.
func BindFlags(flags *pflag.FlagSet) error {
	return viper.BindPFlags(flags)
}

// Load assembles the configuration from defaults, an optional config file,
// MCPBRIDGE_* environment variables, and bound command-line flags, in
// ascending precedence. When no config file exists a default one is
// written so users have something to edit.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	setupViper()

	configPath := viper.GetString("config")
	fileLoaded := false
	if configPath != "" {
		if err := mergeConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
		fileLoaded = true
	} else {
		found, loc, err := findConfigFile()
		if err != nil {
			return nil, err
		}
		if found {
			if err := mergeConfigFile(loc, cfg); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", loc, err)
			}
			fileLoaded = true
		}
	}

	if !fileLoaded {
		if err := viper.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, DefaultDataDirName)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	if !fileLoaded {
		defaultPath := filepath.Join(cfg.DataDir, ConfigFileName)
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			if err := SaveToFile(cfg, defaultPath); err != nil {
				return nil, fmt.Errorf("failed to create default config file: %w", err)
			}
		}
	}

	if err := ExpandEnvRefs(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveToFile writes the config as indented JSON.
func SaveToFile(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper() {
	viper.SetEnvPrefix("MCPBRIDGE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	viper.SetDefault("listen", "127.0.0.1:8181")
	viper.SetDefault("tool-response-limit", DefaultToolResponseLimit)
	viper.SetDefault("config", "")
	viper.SetDefault("deny-private-hosts", false)
}

// findConfigFile looks for a config file in the working directory, then
// the data directory under $HOME.
func findConfigFile() (found bool, path string, err error) {
	locations := []string{ConfigFileName}
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(home, DefaultDataDirName, ConfigFileName))
	}

	for _, loc := range locations {
		if _, statErr := os.Stat(loc); statErr == nil {
			return true, loc, nil
		}
	}
	return false, "", nil
}

// mergeConfigFile overlays a JSON config file onto cfg. An empty file is
// treated as no configuration so --config=/dev/null means defaults only.
func mergeConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

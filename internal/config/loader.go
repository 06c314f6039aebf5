package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/openclaw-oversight/oversight-go/internal/atomicfile"
)

const trueValue = "true"

// Load loads configuration from file, environment, and defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	setupViper()

	configPath := viper.GetString("config")
	configFileAutoLoaded := false
	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	} else {
		configFound, _, err := findAndLoadConfigFile(cfg)
		if err != nil && configFound {
			return nil, err
		}
		configFileAutoLoaded = configFound

		if !configFound {
			if err := ensurePluginsRoot(cfg); err != nil {
				return nil, err
			}
			defaultConfigPath := defaultConfigFilePath(cfg)
			if err := SaveConfig(cfg, defaultConfigPath); err != nil {
				return nil, fmt.Errorf("failed to create default config file: %w", err)
			}
			fmt.Printf("INFO: Created default configuration file at %s\n", defaultConfigPath)
		}
	}

	// When a config file was auto-loaded, CLI flags are applied in main
	// after load; viper only fills the gaps here.
	if !configFileAutoLoaded {
		if err := viper.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := ensurePluginsRoot(cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := ensurePluginsRoot(cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setupViper configures viper with environment variable handling
func setupViper() {
	viper.SetEnvPrefix("OVERSIGHT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	viper.SetDefault("listen", DefaultListen)
	viper.SetDefault("config", "")
	viper.SetDefault("log-level", "")
}

// findAndLoadConfigFile tries to find config file in common locations
func findAndLoadConfigFile(cfg *Config) (found bool, path string, err error) {
	locations := []string{
		ConfigFileName,
		filepath.Join(".", ConfigFileName),
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(homeDir, OpenClawDir, ConfigFileName))
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return true, location, loadConfigFile(location, cfg)
		}
	}
	return false, "", nil
}

// loadConfigFile loads configuration from a JSON file
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Empty file (including /dev/null) means "defaults only".
	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveConfig writes configuration to file atomically.
func SaveConfig(cfg *Config, path string) error {
	return atomicfile.WriteJSON(path, cfg, 0o600)
}

// LoadOrInit unmarshals a plugin config file into v. A missing file is
// bootstrapped by writing def and loading the same defaults into v.
// v and def must be pointers to the same struct type.
func LoadOrInit(path string, v, def interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if werr := atomicfile.WriteJSON(path, def, 0o600); werr != nil {
			return fmt.Errorf("failed to bootstrap config file %s: %w", path, werr)
		}
		defData, merr := json.Marshal(def)
		if merr != nil {
			return fmt.Errorf("failed to marshal default config: %w", merr)
		}
		return json.Unmarshal(defData, v)
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func ensurePluginsRoot(cfg *Config) error {
	if cfg.PluginsRoot == "" {
		root, err := DefaultPluginsRoot()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.PluginsRoot = root
	}
	if err := os.MkdirAll(cfg.PluginsRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create plugins root %s: %w", cfg.PluginsRoot, err)
	}
	return nil
}

func defaultConfigFilePath(cfg *Config) string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, OpenClawDir, ConfigFileName)
	}
	return filepath.Join(filepath.Dir(cfg.PluginsRoot), ConfigFileName)
}

// applyEnvOverrides applies environment variable overrides for deployment
// settings that must win over any file content.
func applyEnvOverrides(cfg *Config) {
	if value := os.Getenv("OVERSIGHT_LISTEN"); value != "" {
		cfg.Listen = value
	}
	if value := os.Getenv("OVERSIGHT_API_KEY"); value != "" {
		cfg.APIKey = value
	}
	if value := os.Getenv("OVERSIGHT_PLUGINS_ROOT"); value != "" {
		cfg.PluginsRoot = value
	}
	if value := os.Getenv("OVERSIGHT_HOST_CONFIG"); value != "" {
		cfg.HostConfigPath = value
	}
	if value := os.Getenv("OVERSIGHT_METRICS_ENABLED"); value != "" {
		if cfg.Observability == nil {
			cfg.Observability = &ObservabilityConfig{}
		}
		cfg.Observability.Metrics.Enabled = value == trueValue || value == "1"
	}
}


package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FromConfigValue decodes the `policies` entry of a plugin config. The value
// arrives as decoded JSON (a list of maps); it is round-tripped through JSON
// so the same tags serve config and pack files.
func FromConfigValue(raw interface{}, logger *zap.Logger) []Policy {
	if raw == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	policies, err := decodePolicies(raw)
	if err != nil {
		logger.Warn("failed to decode policies from config", zap.Error(err))
		return nil
	}
	return policies
}

// LoadDir reads policy pack files (*.json, *.yaml, *.yml) from dir in name
// order. Each file holds one policy or a list. A missing dir is fine; an
// unreadable file logs a warning and is skipped.
func LoadDir(dir string, logger *zap.Logger) []Policy {
	if logger == nil {
		logger = zap.NewNop()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read policy directory", zap.String("dir", dir), zap.Error(err))
		}
		return nil
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var out []Policy
	for _, name := range names {
		path := filepath.Join(dir, name)
		policies, err := loadFile(path)
		if err != nil {
			logger.Warn("policy pack file skipped", zap.String("file", path), zap.Error(err))
			continue
		}
		out = append(out, policies...)
	}
	return out
}

func loadFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var raw interface{}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
		}
	}

	return decodePolicies(raw)
}

// decodePolicies accepts a single policy map or a list of them.
func decodePolicies(raw interface{}) ([]Policy, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode policy value: %w", err)
	}

	var list []Policy
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var one Policy
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("failed to decode policy value: %w", err)
	}
	if one.ID == "" {
		return nil, fmt.Errorf("policy entry has no id")
	}
	return []Policy{one}, nil
}

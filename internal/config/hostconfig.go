package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// HostConfig is the agent runtime's own configuration document, read only to
// extract the agent roster. The runtime writes it as JSON, YAML, or TOML
// depending on deployment flavor.
type HostConfig struct {
	raw map[string]interface{}
}

// ReadHostConfig loads a host config file, detecting the format from the
// file extension first and falling back to content sniffing (TOML, then
// JSON, then YAML).
func ReadHostConfig(path string) (*HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read host config: %w", err)
	}
	return ParseHostConfig(data, filepath.Ext(path))
}

// ParseHostConfig parses host config content. ext may be empty.
func ParseHostConfig(data []byte, ext string) (*HostConfig, error) {
	raw := map[string]interface{}{}

	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, fmt.Errorf("failed to parse TOML host config: %w", err)
		}
		return &HostConfig{raw: raw}, nil
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse YAML host config: %w", err)
		}
		return &HostConfig{raw: raw}, nil
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse JSON host config: %w", err)
		}
		return &HostConfig{raw: raw}, nil
	}

	// Unknown extension: sniff. TOML first (it rejects JSON/YAML quickly),
	// then JSON, then YAML, which accepts almost anything.
	if _, err := toml.Decode(string(data), &raw); err == nil && len(raw) > 0 {
		return &HostConfig{raw: raw}, nil
	}
	raw = map[string]interface{}{}
	if err := json.Unmarshal(data, &raw); err == nil {
		return &HostConfig{raw: raw}, nil
	}
	raw = map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err == nil {
		return &HostConfig{raw: raw}, nil
	}

	return nil, fmt.Errorf("unable to detect host config format")
}

// Raw returns the underlying document.
func (h *HostConfig) Raw() map[string]interface{} {
	if h == nil {
		return nil
	}
	return h.raw
}

// AgentIDs extracts agents.list[].id from the host config. List entries may
// be {id: "..."} objects or plain strings.
func (h *HostConfig) AgentIDs() []string {
	if h == nil || h.raw == nil {
		return nil
	}

	agents, ok := h.raw["agents"].(map[string]interface{})
	if !ok {
		return nil
	}
	list, ok := agents["list"].([]interface{})
	if !ok {
		return nil
	}

	var ids []string
	seen := map[string]bool{}
	for _, entry := range list {
		var id string
		switch v := entry.(type) {
		case string:
			id = v
		case map[string]interface{}:
			id, _ = v["id"].(string)
		}
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

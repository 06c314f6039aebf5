// Package config holds the daemon-level configuration for the oversight
// plugin suite. Per-plugin settings live in each plugin's workspace
// config.json; the daemon file only carries shared infrastructure blocks and
// minimal {enabled, configPath} pointers per plugin.
package config

import (
	"os"
	"path/filepath"
)

const (
	DefaultListen = "127.0.0.1:8844"

	// OpenClawDir is the agent runtime's dot directory under $HOME.
	OpenClawDir    = ".openclaw"
	PluginsDirName = "plugins"

	ConfigFileName       = "oversight.json"
	PluginConfigFileName = "config.json"
)

// Plugin names, used for workspace directories and child loggers.
const (
	PluginGovernance    = "governance"
	PluginTraceAnalyzer = "trace-analyzer"
	PluginCortex        = "cortex"
	PluginSitrep        = "sitrep"
	PluginReboot        = "reboot"
)

// PluginNames lists the suite in boot order.
var PluginNames = []string{
	PluginGovernance,
	PluginTraceAnalyzer,
	PluginCortex,
	PluginSitrep,
	PluginReboot,
}

// Config is the top-level daemon configuration.
type Config struct {
	Listen         string               `json:"listen" mapstructure:"listen"`
	APIKey         string               `json:"apiKey,omitempty" mapstructure:"api-key"`
	PluginsRoot    string               `json:"pluginsRoot,omitempty" mapstructure:"plugins-root"`
	HostConfigPath string               `json:"hostConfigPath,omitempty" mapstructure:"host-config"`
	Logging        *LogConfig           `json:"logging,omitempty" mapstructure:"logging"`
	EventStore     *EventStoreConfig    `json:"eventStore,omitempty" mapstructure:"event-store"`
	LLM            *LLMConfig           `json:"llm,omitempty" mapstructure:"llm"`
	Observability  *ObservabilityConfig `json:"observability,omitempty" mapstructure:"observability"`
	Plugins        PluginsConfig        `json:"plugins" mapstructure:"plugins"`
}

// LogConfig mirrors the logging block of the daemon file.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enableFile" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enableConsole" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"logDir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"maxSize" mapstructure:"max-size"` // MB
	MaxBackups    int    `json:"maxBackups" mapstructure:"max-backups"`
	MaxAge        int    `json:"maxAge" mapstructure:"max-age"` // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"jsonFormat" mapstructure:"json-format"`
}

// EventStoreConfig points at the JetStream-backed event log the trace
// analyzer reads from. CredentialsRef may be a plain path or a
// ${env:..}/${keyring:..} secret reference.
type EventStoreConfig struct {
	URL              string `json:"url" mapstructure:"url"`
	Stream           string `json:"stream" mapstructure:"stream"`
	Subject          string `json:"subject,omitempty" mapstructure:"subject"`
	CredentialsRef   string `json:"credentialsRef,omitempty" mapstructure:"credentials-ref"`
	ConnectTimeoutMs int    `json:"connectTimeoutMs,omitempty" mapstructure:"connect-timeout-ms"`
	RequestTimeoutMs int    `json:"requestTimeoutMs,omitempty" mapstructure:"request-timeout-ms"`
}

// LLMConfig is the global language-model block. Plugins may carry overrides
// that merge field-by-field over this via MergedWith.
type LLMConfig struct {
	Enabled   *bool  `json:"enabled,omitempty" mapstructure:"enabled"`
	Endpoint  string `json:"endpoint,omitempty" mapstructure:"endpoint"`
	APIKey    string `json:"apiKey,omitempty" mapstructure:"api-key"`
	Model     string `json:"model,omitempty" mapstructure:"model"`
	TimeoutMs int    `json:"timeoutMs,omitempty" mapstructure:"timeout-ms"`
}

// IsEnabled reports whether the block is explicitly enabled.
func (c *LLMConfig) IsEnabled() bool {
	return c != nil && c.Enabled != nil && *c.Enabled
}

// MergedWith overlays the non-zero fields of override onto c and returns the
// result. Neither receiver nor argument is mutated. Merging is per-field:
// an override that only sets model keeps the global endpoint and key.
func (c *LLMConfig) MergedWith(override *LLMConfig) *LLMConfig {
	merged := LLMConfig{}
	if c != nil {
		merged = *c
	}
	if override == nil {
		return &merged
	}
	if override.Enabled != nil {
		merged.Enabled = override.Enabled
	}
	if override.Endpoint != "" {
		merged.Endpoint = override.Endpoint
	}
	if override.APIKey != "" {
		merged.APIKey = override.APIKey
	}
	if override.Model != "" {
		merged.Model = override.Model
	}
	if override.TimeoutMs != 0 {
		merged.TimeoutMs = override.TimeoutMs
	}
	return &merged
}

// ObservabilityConfig gates the metrics and tracing managers.
type ObservabilityConfig struct {
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// MetricsConfig controls the Prometheus registry endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// TracingConfig controls the OTLP trace exporter.
type TracingConfig struct {
	Enabled      bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName  string  `json:"serviceName,omitempty" mapstructure:"service-name"`
	OTLPEndpoint string  `json:"otlpEndpoint,omitempty" mapstructure:"otlp-endpoint"`
	SampleRate   float64 `json:"sampleRate,omitempty" mapstructure:"sample-rate"`
}

// PluginRef is the minimal inline plugin entry: an enable flag and an
// optional path to the plugin's own config file. Full settings live in that
// file; inline enabled overrides it.
type PluginRef struct {
	Enabled    *bool  `json:"enabled,omitempty" mapstructure:"enabled"`
	ConfigPath string `json:"configPath,omitempty" mapstructure:"config-path"`
}

// IsEnabled resolves the enable flag against a default.
func (r PluginRef) IsEnabled(def bool) bool {
	if r.Enabled == nil {
		return def
	}
	return *r.Enabled
}

// PluginsConfig carries one ref per plugin of the suite.
type PluginsConfig struct {
	Governance    PluginRef `json:"governance" mapstructure:"governance"`
	TraceAnalyzer PluginRef `json:"traceAnalyzer" mapstructure:"trace-analyzer"`
	Cortex        PluginRef `json:"cortex" mapstructure:"cortex"`
	Sitrep        PluginRef `json:"sitrep" mapstructure:"sitrep"`
	Reboot        PluginRef `json:"reboot" mapstructure:"reboot"`
}

// RefFor returns the inline ref for a plugin name.
func (p *PluginsConfig) RefFor(name string) PluginRef {
	switch name {
	case PluginGovernance:
		return p.Governance
	case PluginTraceAnalyzer:
		return p.TraceAnalyzer
	case PluginCortex:
		return p.Cortex
	case PluginSitrep:
		return p.Sitrep
	case PluginReboot:
		return p.Reboot
	}
	return PluginRef{}
}

// DefaultConfig returns configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: DefaultListen,
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    true,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
		},
		EventStore: &EventStoreConfig{
			URL:              "nats://127.0.0.1:4222",
			Stream:           "OPENCLAW_EVENTS",
			Subject:          "events.>",
			ConnectTimeoutMs: 5000,
			RequestTimeoutMs: 5000,
		},
		LLM: &LLMConfig{
			TimeoutMs: 15000,
		},
		Observability: &ObservabilityConfig{
			Metrics: MetricsConfig{Enabled: true},
			Tracing: TracingConfig{
				ServiceName: "oversight",
				SampleRate:  1.0,
			},
		},
	}
}

// DefaultPluginsRoot returns $HOME/.openclaw/plugins.
func DefaultPluginsRoot() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, OpenClawDir, PluginsDirName), nil
}

// WorkspaceFor returns the workspace directory for a plugin.
func (c *Config) WorkspaceFor(plugin string) string {
	return filepath.Join(c.PluginsRoot, plugin)
}

// PluginConfigPath returns the effective config file path for a plugin,
// honoring an inline configPath override.
func (c *Config) PluginConfigPath(plugin string) string {
	ref := c.Plugins.RefFor(plugin)
	if ref.ConfigPath != "" {
		return ref.ConfigPath
	}
	return filepath.Join(c.WorkspaceFor(plugin), PluginConfigFileName)
}

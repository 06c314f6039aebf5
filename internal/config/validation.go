package config

import (
	"fmt"
	"strings"
)

// Validate checks the daemon configuration for errors that would surface
// later as confusing runtime failures.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}

	if c.EventStore != nil && c.EventStore.URL != "" {
		if !strings.HasPrefix(c.EventStore.URL, "nats://") && !strings.HasPrefix(c.EventStore.URL, "tls://") && !strings.HasPrefix(c.EventStore.URL, "ws://") && !strings.HasPrefix(c.EventStore.URL, "wss://") {
			return fmt.Errorf("event store URL must use a nats, tls, ws, or wss scheme: %s", c.EventStore.URL)
		}
		if c.EventStore.Stream == "" {
			return fmt.Errorf("event store stream name cannot be empty")
		}
	}

	if c.LLM.IsEnabled() && c.LLM.Endpoint == "" {
		return fmt.Errorf("llm block is enabled but endpoint is empty")
	}

	if c.Observability != nil {
		rate := c.Observability.Tracing.SampleRate
		if rate < 0 || rate > 1 {
			return fmt.Errorf("tracing sample rate must be within [0, 1], got %v", rate)
		}
	}

	return nil
}

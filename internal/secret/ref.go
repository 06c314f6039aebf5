// Package secret resolves ${env:NAME} and ${keyring:NAME} references in
// configuration values, so LLM keys, the gateway API key, and event-store
// credentials never sit in config files in clear.
package secret

import (
	"fmt"
	"regexp"
)

// Provider types accepted in references.
const (
	TypeEnv     = "env"
	TypeKeyring = "keyring"
)

// SecretRef names one secret held by a provider.
type SecretRef struct {
	Type string // env or keyring
	Name string // variable name or keyring alias
}

// String renders the ref back into its config syntax.
func (r SecretRef) String() string {
	return fmt.Sprintf("${%s:%s}", r.Type, r.Name)
}

var refPattern = regexp.MustCompile(`\$\{([^:}]+):([^}]+)\}`)

// ContainsRef reports whether s holds at least one ${type:name} reference.
func ContainsRef(s string) bool {
	return refPattern.MatchString(s)
}

// MaskSecretValue keeps just enough of a secret to recognize it in output.
func MaskSecretValue(value string) string {
	switch {
	case len(value) <= 4:
		return "****"
	case len(value) <= 8:
		return value[:2] + "****"
	default:
		return value[:3] + "****" + value[len(value)-2:]
	}
}

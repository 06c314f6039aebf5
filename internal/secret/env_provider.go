package secret

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider reads secrets from the process environment. It is read-only:
// Store and Delete are refused.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Resolve(_ context.Context, ref SecretRef) (string, error) {
	value := os.Getenv(ref.Name)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not found or empty", ref.Name)
	}
	return value, nil
}

func (p *EnvProvider) Store(_ context.Context, _ SecretRef, _ string) error {
	return fmt.Errorf("env provider does not support storing secrets")
}

func (p *EnvProvider) Delete(_ context.Context, _ SecretRef) error {
	return fmt.Errorf("env provider does not support deleting secrets")
}

// List reports set environment variables whose names suggest they hold
// secrets. Values are never inspected.
func (p *EnvProvider) List(_ context.Context) ([]SecretRef, error) {
	var refs []SecretRef
	for _, entry := range os.Environ() {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || value == "" {
			continue
		}
		if looksLikeSecretName(name) {
			refs = append(refs, SecretRef{Type: TypeEnv, Name: name})
		}
	}
	return refs, nil
}

func (p *EnvProvider) IsAvailable() bool { return true }

var secretNameHints = []string{"password", "secret", "token", "api_key", "apikey", "credential"}

func looksLikeSecretName(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range secretNameHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

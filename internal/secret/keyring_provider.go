package secret

import (
	"context"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService namespaces our entries in the OS keyring.
	keyringService = "oversight"

	// registryEntry tracks the names written through this provider, since
	// go-keyring cannot enumerate a service's entries.
	registryEntry = "_oversight_secret_registry"
)

// KeyringProvider stores secrets in the OS keyring (Keychain on macOS,
// Secret Service on Linux, WinCred on Windows).
type KeyringProvider struct {
	service string
}

func NewKeyringProvider() *KeyringProvider {
	return &KeyringProvider{service: keyringService}
}

func (p *KeyringProvider) Resolve(_ context.Context, ref SecretRef) (string, error) {
	value, err := keyring.Get(p.service, ref.Name)
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s from keyring: %w", ref.Name, err)
	}
	return value, nil
}

func (p *KeyringProvider) Store(_ context.Context, ref SecretRef, value string) error {
	if err := keyring.Set(p.service, ref.Name, value); err != nil {
		return fmt.Errorf("failed to store secret %s in keyring: %w", ref.Name, err)
	}
	if err := p.rememberName(ref.Name); err != nil {
		return fmt.Errorf("failed to update secret registry: %w", err)
	}
	return nil
}

func (p *KeyringProvider) Delete(_ context.Context, ref SecretRef) error {
	if err := keyring.Delete(p.service, ref.Name); err != nil {
		return fmt.Errorf("failed to delete secret %s from keyring: %w", ref.Name, err)
	}
	if err := p.forgetName(ref.Name); err != nil {
		return fmt.Errorf("failed to update secret registry: %w", err)
	}
	return nil
}

// List returns the names recorded in the registry entry. A missing registry
// just means nothing was stored yet.
func (p *KeyringProvider) List(_ context.Context) ([]SecretRef, error) {
	var refs []SecretRef
	for _, name := range p.registeredNames() {
		refs = append(refs, SecretRef{Type: TypeKeyring, Name: name})
	}
	return refs, nil
}

// IsAvailable probes the keyring with a throwaway round trip. Headless Linux
// hosts without a Secret Service answer false here, and the resolver then
// reports the provider unavailable instead of failing each ref.
func (p *KeyringProvider) IsAvailable() bool {
	const probe = "_oversight_availability_probe"
	if err := keyring.Set(p.service, probe, "ok"); err != nil {
		return false
	}
	if _, err := keyring.Get(p.service, probe); err != nil {
		return false
	}
	_ = keyring.Delete(p.service, probe)
	return true
}

func (p *KeyringProvider) registeredNames() []string {
	registry, err := keyring.Get(p.service, registryEntry)
	if err != nil {
		return nil
	}
	var names []string
	for _, name := range strings.Split(registry, "\n") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func (p *KeyringProvider) rememberName(name string) error {
	names := p.registeredNames()
	for _, existing := range names {
		if existing == name {
			return nil
		}
	}
	names = append(names, name)
	return keyring.Set(p.service, registryEntry, strings.Join(names, "\n"))
}

func (p *KeyringProvider) forgetName(name string) error {
	names := p.registeredNames()
	if names == nil {
		return nil
	}
	kept := names[:0]
	for _, existing := range names {
		if existing != name {
			kept = append(kept, existing)
		}
	}
	return keyring.Set(p.service, registryEntry, strings.Join(kept, "\n"))
}

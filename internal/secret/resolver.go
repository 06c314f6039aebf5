package secret

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// Provider supplies secrets of one type. Store and Delete may return an
// error for read-only providers.
type Provider interface {
	Resolve(ctx context.Context, ref SecretRef) (string, error)
	Store(ctx context.Context, ref SecretRef, value string) error
	Delete(ctx context.Context, ref SecretRef) error
	List(ctx context.Context) ([]SecretRef, error)
	IsAvailable() bool
}

// Resolver routes refs to providers by type and expands references embedded
// in strings and config structs.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver returns a resolver with the env and keyring providers wired.
func NewResolver() *Resolver {
	return &Resolver{providers: map[string]Provider{
		TypeEnv:     NewEnvProvider(),
		TypeKeyring: NewKeyringProvider(),
	}}
}

func (r *Resolver) providerFor(refType string) (Provider, error) {
	p, ok := r.providers[refType]
	if !ok {
		return nil, fmt.Errorf("no provider for secret type: %s", refType)
	}
	if !p.IsAvailable() {
		return nil, fmt.Errorf("provider for %s is not available on this system", refType)
	}
	return p, nil
}

// Resolve returns the value behind a single reference.
func (r *Resolver) Resolve(ctx context.Context, ref SecretRef) (string, error) {
	p, err := r.providerFor(ref.Type)
	if err != nil {
		return "", err
	}
	return p.Resolve(ctx, ref)
}

// Store writes a secret through the ref's provider.
func (r *Resolver) Store(ctx context.Context, ref SecretRef, value string) error {
	p, err := r.providerFor(ref.Type)
	if err != nil {
		return err
	}
	return p.Store(ctx, ref, value)
}

// Delete removes a secret through the ref's provider.
func (r *Resolver) Delete(ctx context.Context, ref SecretRef) error {
	p, err := r.providerFor(ref.Type)
	if err != nil {
		return err
	}
	return p.Delete(ctx, ref)
}

// ListAll collects refs from every available provider. A provider that fails
// to list is skipped; the others still report.
func (r *Resolver) ListAll(ctx context.Context) ([]SecretRef, error) {
	var all []SecretRef
	for _, p := range r.providers {
		if !p.IsAvailable() {
			continue
		}
		refs, err := p.List(ctx)
		if err != nil {
			continue
		}
		all = append(all, refs...)
	}
	return all, nil
}

// ExpandString replaces every reference in s with its resolved value. An
// unresolvable ref fails the whole expansion so a half-substituted
// credential never reaches a transport.
func (r *Resolver) ExpandString(ctx context.Context, s string) (string, error) {
	if !ContainsRef(s) {
		return s, nil
	}

	var firstErr error
	out := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := refPattern.FindStringSubmatch(match)
		ref := SecretRef{
			Type: strings.TrimSpace(sub[1]),
			Name: strings.TrimSpace(sub[2]),
		}
		value, err := r.Resolve(ctx, ref)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to resolve secret %s: %w", ref, err)
			}
			return match
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// ExpandStructSecrets walks v (a pointer to a config struct) and expands
// references in every settable string it can reach, including slices and
// string-valued map entries.
func (r *Resolver) ExpandStructSecrets(ctx context.Context, v interface{}) error {
	return r.expand(ctx, reflect.ValueOf(v))
}

func (r *Resolver) expand(ctx context.Context, v reflect.Value) error {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return r.expand(ctx, v.Elem())

	case reflect.String:
		if !v.CanSet() || !ContainsRef(v.String()) {
			return nil
		}
		expanded, err := r.ExpandString(ctx, v.String())
		if err != nil {
			return err
		}
		v.SetString(expanded)

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Field(i).CanInterface() {
				continue
			}
			if err := r.expand(ctx, v.Field(i)); err != nil {
				return err
			}
		}

	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := r.expand(ctx, v.Index(i)); err != nil {
				return err
			}
		}

	case reflect.Map:
		// Map values are not addressable; strings are replaced by key.
		for _, key := range v.MapKeys() {
			elem := v.MapIndex(key)
			if elem.Kind() == reflect.Interface {
				elem = elem.Elem()
			}
			if elem.Kind() != reflect.String || !ContainsRef(elem.String()) {
				continue
			}
			expanded, err := r.ExpandString(ctx, elem.String())
			if err != nil {
				return err
			}
			v.SetMapIndex(key, reflect.ValueOf(expanded))
		}
	}

	return nil
}

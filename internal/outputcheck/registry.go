package outputcheck

import (
	"strings"
	"sync"
)

// Fact is one known triple the validator can check claims against.
type Fact struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

// Registry is the in-memory fact lookup used during validation. Keys are
// lowercased `subject|predicate` pairs, with a secondary subject-only index
// for fallback probes.
type Registry struct {
	mu        sync.RWMutex
	byKey     map[string]string
	bySubject map[string][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:     make(map[string]string),
		bySubject: make(map[string][]string),
	}
}

// Replace swaps the registry contents for facts, typically after a sync from
// the fact store.
func (r *Registry) Replace(facts []Fact) {
	byKey := make(map[string]string, len(facts))
	bySubject := make(map[string][]string)
	for _, f := range facts {
		subject := strings.ToLower(strings.TrimSpace(f.Subject))
		predicate := strings.ToLower(strings.TrimSpace(f.Predicate))
		if subject == "" {
			continue
		}
		byKey[subject+"|"+predicate] = f.Object
		bySubject[subject] = append(bySubject[subject], f.Object)
	}

	r.mu.Lock()
	r.byKey = byKey
	r.bySubject = bySubject
	r.mu.Unlock()
}

// Add inserts or overwrites a single fact.
func (r *Registry) Add(f Fact) {
	subject := strings.ToLower(strings.TrimSpace(f.Subject))
	predicate := strings.ToLower(strings.TrimSpace(f.Predicate))
	if subject == "" {
		return
	}
	r.mu.Lock()
	r.byKey[subject+"|"+predicate] = f.Object
	r.bySubject[subject] = append(r.bySubject[subject], f.Object)
	r.mu.Unlock()
}

// Len reports how many subject|predicate keys are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

func (r *Registry) lookup(subject, predicate string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byKey[strings.ToLower(subject)+"|"+strings.ToLower(predicate)]
	return v, ok
}

func (r *Registry) subjectValues(subject string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySubject[strings.ToLower(subject)]
}

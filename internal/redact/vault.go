package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultVaultTTL is how long a stored original stays resolvable.
	DefaultVaultTTL = time.Hour

	// DefaultEvictInterval is the cadence of the background eviction tick.
	DefaultEvictInterval = 5 * time.Minute

	prefixShort = 8
	prefixLong  = 12
)

// placeholderRe matches the placeholder syntax emitted by the redactor.
var placeholderRe = regexp.MustCompile(`\[REDACTED:([a-z]+):([0-9a-f]{8,64})\]`)

type vaultEntry struct {
	original  string
	category  Category
	digest    string
	slice     string
	createdAt time.Time
	expiresAt time.Time
}

// Vault is the in-memory TTL map from placeholder hash slice to original
// secret. Entries are never logged, persisted, or transmitted; Clear wipes
// everything on plugin stop.
type Vault struct {
	logger *zap.Logger

	mu       sync.Mutex
	byDigest map[string]*vaultEntry
	byPrefix map[string]string // hash slice → full digest
	ttl      time.Duration
	interval time.Duration

	stopCh  chan struct{}
	stopped sync.Once

	now func() time.Time
}

// VaultConfig tunes entry lifetime and eviction cadence. Zero fields take the
// defaults.
type VaultConfig struct {
	TTL           time.Duration
	EvictInterval time.Duration
}

// NewVault creates a vault. Start launches the eviction ticker.
func NewVault(cfg VaultConfig, logger *zap.Logger) *Vault {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultVaultTTL
	}
	interval := cfg.EvictInterval
	if interval <= 0 {
		interval = DefaultEvictInterval
	}
	return &Vault{
		logger:   logger,
		byDigest: make(map[string]*vaultEntry),
		byPrefix: make(map[string]string),
		ttl:      ttl,
		interval: interval,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Store records original and returns its placeholder. Storing the same
// secret again while its entry is live returns the existing placeholder.
// When two distinct secrets would share an 8-char hash slice, the newcomer
// gets a 12-char slice instead.
func (v *Vault) Store(original string, category Category) string {
	sum := sha256.Sum256([]byte(original))
	digest := hex.EncodeToString(sum[:])

	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	if existing, ok := v.byDigest[digest]; ok && existing.expiresAt.After(now) {
		// Refresh the lifetime; the secret is evidently still in play.
		existing.expiresAt = now.Add(v.ttl)
		return placeholderText(existing.category, existing.slice)
	}

	slice := digest[:prefixShort]
	if holder, taken := v.byPrefix[slice]; taken && holder != digest {
		if e, live := v.byDigest[holder]; live && e.expiresAt.After(now) {
			slice = digest[:prefixLong]
			if holder, taken = v.byPrefix[slice]; taken && holder != digest {
				// A 12-char collision between distinct secrets is not
				// realistically reachable; fall back to the full digest.
				slice = digest
			}
		}
	}

	entry := &vaultEntry{
		original:  original,
		category:  category,
		digest:    digest,
		slice:     slice,
		createdAt: now,
		expiresAt: now.Add(v.ttl),
	}
	v.byDigest[digest] = entry
	v.byPrefix[slice] = digest

	return placeholderText(category, slice)
}

// Lookup returns the original for a hash slice while its entry is live.
func (v *Vault) Lookup(slice string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	digest, ok := v.byPrefix[slice]
	if !ok {
		return "", false
	}
	entry, ok := v.byDigest[digest]
	if !ok || !entry.expiresAt.After(v.now()) {
		return "", false
	}
	return entry.original, true
}

// Resolve scans text for placeholders and substitutes each original that is
// still live. The second return lists the hash slices that could not be
// resolved (expired, cleared, or never stored here).
func (v *Vault) Resolve(text string) (string, []string) {
	var unresolved []string
	resolved := placeholderRe.ReplaceAllStringFunc(text, func(ph string) string {
		groups := placeholderRe.FindStringSubmatch(ph)
		if len(groups) != 3 {
			return ph
		}
		original, ok := v.Lookup(groups[2])
		if !ok {
			unresolved = append(unresolved, groups[2])
			return ph
		}
		return original
	})
	return resolved, unresolved
}

// Len returns the number of entries currently held, expired or not.
func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.byDigest)
}

// Start launches the background eviction loop.
func (v *Vault) Start() {
	go func() {
		ticker := time.NewTicker(v.interval)
		defer ticker.Stop()
		for {
			select {
			case <-v.stopCh:
				return
			case <-ticker.C:
				v.evictExpired()
			}
		}
	}()
}

// Stop halts eviction and wipes all entries.
func (v *Vault) Stop() {
	v.stopped.Do(func() { close(v.stopCh) })
	v.Clear()
}

// Clear drops every entry immediately.
func (v *Vault) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.byDigest = make(map[string]*vaultEntry)
	v.byPrefix = make(map[string]string)
}

func (v *Vault) evictExpired() {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	evicted := 0
	for digest, entry := range v.byDigest {
		if entry.expiresAt.After(now) {
			continue
		}
		delete(v.byDigest, digest)
		if v.byPrefix[entry.slice] == digest {
			delete(v.byPrefix, entry.slice)
		}
		evicted++
	}
	if evicted > 0 {
		v.logger.Debug("vault eviction pass", zap.Int("evicted", evicted), zap.Int("remaining", len(v.byDigest)))
	}
}

func placeholderText(category Category, slice string) string {
	return fmt.Sprintf("[REDACTED:%s:%s]", category, slice)
}

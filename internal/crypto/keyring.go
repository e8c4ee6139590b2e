package crypto

import (
	"context"
	"fmt"
	"sync"
)

// Keyring caches data-encryption keys per process. Keys are fetched from the
// source on first use and held for the process lifetime; rotation happens
// out of band by bumping the configured active version and restarting.
type Keyring struct {
	mu     sync.RWMutex
	source KeySource
	active int
	cache  map[int][]byte
}

// NewKeyring wraps a source with a cache and an active write version.
func NewKeyring(source KeySource, activeVersion int) (*Keyring, error) {
	if activeVersion < 1 {
		return nil, fmt.Errorf("active key version must be >= 1, got %d", activeVersion)
	}
	return &Keyring{
		source: source,
		active: activeVersion,
		cache:  make(map[int][]byte),
	}, nil
}

// ActiveVersion returns the version new ciphertext is written under.
func (r *Keyring) ActiveVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// SetActiveVersion moves the write key forward. Old versions stay readable.
func (r *Keyring) SetActiveVersion(version int) error {
	if version < 1 {
		return fmt.Errorf("active key version must be >= 1, got %d", version)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = version
	return nil
}

// Preload fetches the given versions eagerly so that the first request does
// not pay the fetch latency. Typically called at startup with the active
// version.
func (r *Keyring) Preload(ctx context.Context, versions ...int) error {
	for _, v := range versions {
		if _, err := r.key(ctx, v); err != nil {
			return fmt.Errorf("preload key v%d: %w", v, err)
		}
	}
	return nil
}

// key returns the raw key for a version, consulting the cache first.
func (r *Keyring) key(ctx context.Context, version int) ([]byte, error) {
	r.mu.RLock()
	key, ok := r.cache[version]
	r.mu.RUnlock()
	if ok {
		return key, nil
	}

	// Fetch outside the lock; concurrent fetches of the same version are
	// harmless and the double check below keeps the cache consistent.
	fetched, err := r.source.Key(ctx, version)
	if err != nil {
		return nil, err
	}
	if len(fetched) != KeySize {
		return nil, fmt.Errorf("key v%d is %d bytes, need %d", version, len(fetched), KeySize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[version]; ok {
		return cached, nil
	}
	r.cache[version] = fetched
	return fetched, nil
}

package relay

import (
	"sort"
	"sync"
)

// KeyRegistry is the set of public keys the relay advertises on
// /.well-known/keys. Keys are never removed.
type KeyRegistry struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[string]struct{})}
}

// Register adds key. Registering a key twice is a no-op.
func (r *KeyRegistry) Register(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key] = struct{}{}
}

// Keys returns a sorted snapshot. The result is never nil.
func (r *KeyRegistry) Keys() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.keys))
	for k := range r.keys {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *KeyRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

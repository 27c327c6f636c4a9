package instrument

import (
	"sync"

	"github.com/chainforge/contester/internal/types"
	"github.com/chainforge/contester/pkg/vm"
	"github.com/zeebo/blake3"
)

// moduleRef hashes raw module bytes into a module reference.
func moduleRef(raw []byte) types.ModuleRef {
	return types.ModuleRef(blake3.Sum256(raw))
}

// cacheKey identifies an instrumented module. The same raw bytes
// instrument differently under different protocol versions.
type cacheKey struct {
	ref     types.ModuleRef
	version vm.ProtocolVersion
}

// Cache memoizes instrumentation results. Safe for concurrent use so
// independent top-level invocations can share it across workers.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]*Instrumented
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey]*Instrumented)}
}

// Get returns the instrumented form of raw for the given protocol
// version, validating and instrumenting on first use. Validation
// failures are not cached; a later call with the same bytes revalidates.
func (c *Cache) Get(raw []byte, pv vm.ProtocolVersion, limits vm.Limits) (*Instrumented, error) {
	key := cacheKey{ref: moduleRef(raw), version: pv}

	c.mu.RLock()
	inst, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return inst, nil
	}

	inst, err := ValidateAndInstrument(raw, pv, limits)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// A concurrent caller may have won the race; keep the first entry
	// so every invocation shares one instance.
	if prior, ok := c.entries[key]; ok {
		inst = prior
	} else {
		c.entries[key] = inst
	}
	c.mu.Unlock()

	return inst, nil
}

// Lookup returns a cached entry by module reference without
// instrumenting.
func (c *Cache) Lookup(ref types.ModuleRef, pv vm.ProtocolVersion) (*Instrumented, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.entries[cacheKey{ref: ref, version: pv}]
	return inst, ok
}

// Len returns the number of cached modules.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

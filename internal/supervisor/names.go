package supervisor

import (
	"encoding/hex"
	"sync"
)

// nameRegistry implements identity.NameResolver by remembering the
// identity->name bindings tracker events reveal (spec.md §4.1: resolving a
// peer's name is "asking the tracker indirectly, via cached
// identity->name bindings").
type nameRegistry struct {
	mu sync.RWMutex
	m  map[string]string // trackerName + "/" + hex(identity) -> name
}

func newNameRegistry() *nameRegistry {
	return &nameRegistry{m: make(map[string]string)}
}

func regKey(trackerName string, identity []byte) string {
	return trackerName + "/" + hex.EncodeToString(identity)
}

// Remember records that identity is known to tracker trackerName by name.
func (r *nameRegistry) Remember(trackerName string, identity []byte, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[regKey(trackerName, identity)] = name
}

// LookupPeerName implements identity.NameResolver.
func (r *nameRegistry) LookupPeerName(trackerName string, identity []byte) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.m[regKey(trackerName, identity)]
	return name, ok
}

package coordinator

import (
	"sort"
	"sync"
	"time"

	"dali-go-home/internal/dali"
)

// GearInfo is the live view of one piece of gear on the bus. It is rebuilt
// from the bus on every scan; only the friendly name comes from the store.
type GearInfo struct {
	UniqueID     string              `json:"unique_id"`
	Short        uint8               `json:"short"`
	FriendlyName string              `json:"friendly_name,omitempty"`
	Identity     dali.DeviceIdentity `json:"identity"`
	Level        uint8               `json:"level"`
	LampOn       bool                `json:"lamp_on"`
	LastSeen     time.Time           `json:"last_seen"`
}

// Registry is the authoritative in-memory map of gear currently on the bus,
// indexed both by short address and by unique ID. A scan replaces its
// contents; snooped traffic and queries keep the level fields current.
type Registry struct {
	mu      sync.RWMutex
	byShort map[uint8]*GearInfo
	byID    map[string]*GearInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byShort: make(map[uint8]*GearInfo),
		byID:    make(map[string]*GearInfo),
	}
}

// Upsert inserts or replaces the entry for g.Short and g.UniqueID. A stale
// entry holding the same short address under a different unique ID (or the
// same unique ID under a different short address) is removed first.
func (r *Registry) Upsert(g *GearInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byShort[g.Short]; ok && prev.UniqueID != g.UniqueID {
		delete(r.byID, prev.UniqueID)
	}
	if prev, ok := r.byID[g.UniqueID]; ok && prev.Short != g.Short {
		delete(r.byShort, prev.Short)
	}
	r.byShort[g.Short] = g
	r.byID[g.UniqueID] = g
}

// Remove deletes the entry for a unique ID. It reports whether an entry was
// present.
func (r *Registry) Remove(uniqueID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byID[uniqueID]
	if !ok {
		return false
	}
	delete(r.byID, uniqueID)
	delete(r.byShort, g.Short)
	return true
}

// Clear empties the registry, returning the unique IDs that were present.
func (r *Registry) Clear() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.byShort = make(map[uint8]*GearInfo)
	r.byID = make(map[string]*GearInfo)
	return ids
}

// ByShort returns a copy of the entry at a short address.
func (r *Registry) ByShort(short uint8) (GearInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byShort[short]
	if !ok {
		return GearInfo{}, false
	}
	return *g, true
}

// ByUniqueID returns a copy of the entry for a unique ID.
func (r *Registry) ByUniqueID(id string) (GearInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byID[id]
	if !ok {
		return GearInfo{}, false
	}
	return *g, true
}

// List returns copies of all entries ordered by short address.
func (r *Registry) List() []GearInfo {
	r.mu.RLock()
	out := make([]GearInfo, 0, len(r.byShort))
	for _, g := range r.byShort {
		out = append(out, *g)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Short < out[j].Short })
	return out
}

// UsedAddresses returns the set of short addresses currently assigned, in
// the shape an incremental addressing run wants it.
func (r *Registry) UsedAddresses() map[uint8]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	used := make(map[uint8]bool, len(r.byShort))
	for a := range r.byShort {
		used[a] = true
	}
	return used
}

// SetLevel updates the cached level of the gear at a short address. It
// reports whether an entry existed and the level actually changed.
func (r *Registry) SetLevel(short uint8, level uint8) (GearInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byShort[short]
	if !ok || g.Level == level {
		return GearInfo{}, false
	}
	g.Level = level
	g.LampOn = level > 0
	g.LastSeen = time.Now()
	return *g, true
}

// SetName updates the cached friendly name for a unique ID.
func (r *Registry) SetName(uniqueID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byID[uniqueID]
	if !ok {
		return false
	}
	g.FriendlyName = name
	return true
}

// Affected returns copies of all entries a bus message changes state for.
func (r *Registry) Affected(m dali.Message) []GearInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []GearInfo
	for _, g := range r.byShort {
		if m.AffectsGear(g.Short, g.Identity.Groups) {
			out = append(out, *g)
		}
	}
	return out
}

// Len returns the number of registered gear.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Package state holds the synchronized view of the account: a tree of
// entities mutated only by snapshots and merge patches, the change signal
// raised after every mutation, and a small event bus for lifecycle events.
package state

import (
	"sort"
	"sync"
)

// Kind identifies the collection an entity lives in on the server.
type Kind string

const (
	KindStructure    Kind = "structures"
	KindThermostat   Kind = "devices/thermostats"
	KindSmokeCOAlarm Kind = "devices/smoke_co_alarms"
	KindCamera       Kind = "devices/cameras"
	KindMetadata     Kind = "metadata"
)

// MetadataID is the entity id under which the document metadata is kept.
const MetadataID = "metadata"

// Entity is one structure, device or the metadata record.
type Entity struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Attributes map[string]any `json:"attributes"`
}

// Path is the REST path of the entity, used for write-back requests.
func (e Entity) Path() string {
	if e.Kind == KindMetadata {
		return "/" + string(KindMetadata)
	}
	return "/" + string(e.Kind) + "/" + e.ID
}

// Patch is a partial update to a single entity.
type Patch struct {
	EntityID string
	// Kind is used when the patch creates the entity.
	Kind       Kind
	Attributes map[string]any
	// Remove drops the entity instead of merging.
	Remove bool
}

// Tree is the in-memory view of the account. Only the stream worker writes
// to it; readers always receive deep copies.
type Tree struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

// NewTree creates an empty tree.
func NewTree() *Tree {
	return &Tree{entities: make(map[string]*Entity)}
}

// Replace swaps the whole tree for the given entities.
func (t *Tree) Replace(entities []Entity) {
	next := make(map[string]*Entity, len(entities))
	for _, e := range entities {
		next[e.ID] = &Entity{
			ID:         e.ID,
			Kind:       e.Kind,
			Attributes: copyMap(e.Attributes),
		}
	}

	t.mu.Lock()
	t.entities = next
	t.mu.Unlock()
}

// Apply merges patches in order. Unknown entity ids create new entities.
func (t *Tree) Apply(patches ...Patch) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range patches {
		if p.Remove {
			delete(t.entities, p.EntityID)
			continue
		}
		e, ok := t.entities[p.EntityID]
		if !ok {
			e = &Entity{ID: p.EntityID, Kind: p.Kind, Attributes: make(map[string]any)}
			t.entities[p.EntityID] = e
		} else if e.Kind == "" {
			e.Kind = p.Kind
		}
		Merge(e.Attributes, p.Attributes)
	}
}

// Get returns a copy of one entity.
func (t *Tree) Get(id string) (Entity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entities[id]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// Snapshot returns a copy of every entity keyed by id.
func (t *Tree) Snapshot() map[string]Entity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Entity, len(t.entities))
	for id, e := range t.entities {
		out[id] = e.clone()
	}
	return out
}

// Entities returns copies of all entities of kind, ordered by id.
func (t *Tree) Entities(kind Kind) []Entity {
	t.mu.RLock()
	var out []Entity
	for _, e := range t.entities {
		if e.Kind == kind {
			out = append(out, e.clone())
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of entities.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entities)
}

func (e *Entity) clone() Entity {
	return Entity{ID: e.ID, Kind: e.Kind, Attributes: copyMap(e.Attributes)}
}

// Merge applies src onto dst: keys whose old and new values are both maps
// are merged recursively, everything else is replaced. Values taken from src
// are deep-copied.
func Merge(dst, src map[string]any) {
	for k, v := range src {
		newMap, newIsMap := v.(map[string]any)
		oldMap, oldIsMap := dst[k].(map[string]any)
		if newIsMap && oldIsMap {
			Merge(oldMap, newMap)
			continue
		}
		dst[k] = copyValue(v)
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return copyMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

package crdt

import (
	"encoding/json"
	"sort"
)

// Value is the content of a map key: a nested *Map, a *List, or a
// json.RawMessage leaf.
type Value interface{}

type mapEntry struct {
	id      ID
	value   Value
	deleted bool
}

// Map is a keyed replicated map. Concurrent writes to the same key resolve
// last-writer-wins by op identity; deletes keep clocked tombstones so that
// set/delete races resolve identically on every replica.
type Map struct {
	doc     *Doc
	root    string
	path    []string
	entries map[string]*mapEntry
}

func (m *Map) childPath(key string) []string {
	path := make([]string, 0, len(m.path)+1)
	path = append(path, m.path...)
	return append(path, key)
}

// EnsureMap returns the nested map at key, creating it if absent. Unlike
// SetList, concurrent creations of the same key merge: both replicas end up
// sharing one map whose contents union. Must be called inside a transaction.
func (m *Map) EnsureMap(key string) *Map {
	if entry, ok := m.entries[key]; ok && !entry.deleted {
		if child, ok := entry.value.(*Map); ok {
			return child
		}
	}

	o := op{Kind: opEnsureMap, Root: m.root, Path: m.path, Key: key, ID: m.doc.nextID()}
	ev, applied := m.applyMapOp(o)
	m.doc.record(o, ev, applied)

	child, _ := m.entries[key].value.(*Map)
	return child
}

// SetList replaces the entry at key with a fresh empty list and returns it.
// A concurrent SetList for the same key resolves last-writer-wins: one
// replica's entire entry survives. Must be called inside a transaction.
func (m *Map) SetList(key string) *List {
	o := op{Kind: opSetList, Root: m.root, Path: m.path, Key: key, ID: m.doc.nextID()}
	ev, applied := m.applyMapOp(o)
	m.doc.record(o, ev, applied)

	list, _ := m.entries[key].value.(*List)
	return list
}

// SetValue sets key to a leaf value. Must be called inside a transaction.
func (m *Map) SetValue(key string, value json.RawMessage) {
	o := op{Kind: opSetValue, Root: m.root, Path: m.path, Key: key, ID: m.doc.nextID(), Value: value}
	ev, applied := m.applyMapOp(o)
	m.doc.record(o, ev, applied)
}

// Delete removes the entry at key. A no-op if the key is absent. Must be
// called inside a transaction.
func (m *Map) Delete(key string) {
	entry, ok := m.entries[key]
	if !ok || entry.deleted {
		return
	}

	o := op{Kind: opDelKey, Root: m.root, Path: m.path, Key: key, ID: m.doc.nextID()}
	ev, applied := m.applyMapOp(o)
	m.doc.record(o, ev, applied)
}

// Get returns the live value at key. Must be called inside a transaction.
func (m *Map) Get(key string) (Value, bool) {
	entry, ok := m.entries[key]
	if !ok || entry.deleted {
		return nil, false
	}
	return entry.value, true
}

// Len returns the number of live entries. Must be called inside a
// transaction.
func (m *Map) Len() int {
	n := 0
	for _, entry := range m.entries {
		if !entry.deleted {
			n++
		}
	}
	return n
}

// Keys returns the live keys in sorted order. Must be called inside a
// transaction.
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for key, entry := range m.entries {
		if !entry.deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// applyMapOp applies a map-level op to this map and reports the resulting
// event and whether visible state changed. Shared by local mutation and
// remote application so both sides resolve conflicts identically.
func (m *Map) applyMapOp(o op) (Event, bool) {
	ev := Event{Root: m.root, Path: m.path, Key: o.Key}
	entry := m.entries[o.Key]

	switch o.Kind {
	case opEnsureMap:
		if entry == nil {
			m.entries[o.Key] = &mapEntry{
				id:    o.ID,
				value: &Map{doc: m.doc, root: m.root, path: m.childPath(o.Key), entries: make(map[string]*mapEntry)},
			}
			ev.Action = ActionAdd
			return ev, true
		}
		if !entry.deleted {
			if _, isMap := entry.value.(*Map); isMap {
				// Concurrent creation: converge on the earliest identity.
				if o.ID.Less(entry.id) {
					entry.id = o.ID
				}
				return ev, false
			}
		}
		if entry.id.Less(o.ID) {
			wasLive := !entry.deleted
			entry.id = o.ID
			entry.deleted = false
			entry.value = &Map{doc: m.doc, root: m.root, path: m.childPath(o.Key), entries: make(map[string]*mapEntry)}
			if wasLive {
				ev.Action = ActionUpdate
			} else {
				ev.Action = ActionAdd
			}
			return ev, true
		}
		return ev, false

	case opSetList:
		return m.applySet(o, &List{doc: m.doc, root: m.root, path: m.childPath(o.Key), id: o.ID})

	case opSetValue:
		return m.applySet(o, o.Value)

	case opDelKey:
		if entry == nil {
			// Delete raced ahead of the entry it targets: keep the tombstone
			// so a slower set with an older identity cannot resurrect it.
			m.entries[o.Key] = &mapEntry{id: o.ID, deleted: true}
			return ev, false
		}
		if entry.deleted {
			if entry.id.Less(o.ID) {
				entry.id = o.ID
			}
			return ev, false
		}
		if entry.id.Less(o.ID) {
			entry.id = o.ID
			entry.deleted = true
			entry.value = nil
			ev.Action = ActionDelete
			return ev, true
		}
		return ev, false
	}

	return ev, false
}

func (m *Map) applySet(o op, value Value) (Event, bool) {
	ev := Event{Root: m.root, Path: m.path, Key: o.Key}
	entry := m.entries[o.Key]

	if entry == nil {
		m.entries[o.Key] = &mapEntry{id: o.ID, value: value}
		ev.Action = ActionAdd
		return ev, true
	}
	if entry.id == o.ID {
		return ev, false
	}
	if entry.id.Less(o.ID) {
		wasLive := !entry.deleted
		entry.id = o.ID
		entry.deleted = false
		entry.value = value
		if wasLive {
			ev.Action = ActionUpdate
		} else {
			ev.Action = ActionAdd
		}
		return ev, true
	}
	return ev, false
}

package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Snapshot format. Opaque to callers: the persistence cycle and initial sync
// treat the encoded state as a byte blob.

type docState struct {
	Roots map[string]*mapState `json:"roots"`
}

type mapState struct {
	Entries map[string]*entryState `json:"entries"`
}

type entryState struct {
	ID      ID              `json:"id"`
	Deleted bool            `json:"del,omitempty"`
	Map     *mapState       `json:"map,omitempty"`
	List    *listState      `json:"list,omitempty"`
	Value   json.RawMessage `json:"v,omitempty"`
}

type listState struct {
	ID    ID          `json:"id"`
	Elems []elemState `json:"elems"`
}

type elemState struct {
	ID      ID              `json:"id"`
	Pos     []int           `json:"pos"`
	Deleted bool            `json:"del,omitempty"`
	Value   json.RawMessage `json:"v,omitempty"`
}

// EncodeState serializes the full document state, tombstones included, for
// persistence or initial sync.
func (d *Doc) EncodeState() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	state := docState{Roots: make(map[string]*mapState, len(d.roots))}
	for name, m := range d.roots {
		state.Roots[name] = encodeMap(m)
	}

	data, err := json.Marshal(state)
	if err != nil {
		panic(err)
	}
	return data
}

func encodeMap(m *Map) *mapState {
	state := &mapState{Entries: make(map[string]*entryState, len(m.entries))}
	for key, entry := range m.entries {
		es := &entryState{ID: entry.id, Deleted: entry.deleted}
		switch value := entry.value.(type) {
		case *Map:
			es.Map = encodeMap(value)
		case *List:
			es.List = encodeList(value)
		case json.RawMessage:
			es.Value = value
		}
		state.Entries[key] = es
	}
	return state
}

func encodeList(l *List) *listState {
	state := &listState{ID: l.id, Elems: make([]elemState, 0, len(l.elems))}
	for i := range l.elems {
		elem := &l.elems[i]
		state.Elems = append(state.Elems, elemState{
			ID:      elem.id,
			Pos:     elem.pos,
			Deleted: elem.deleted,
			Value:   elem.value,
		})
	}
	return state
}

// ApplyState merges an encoded snapshot into the document. Merging is
// idempotent: entries resolve by the same last-writer-wins rules as ops,
// concurrently created maps union their contents, and lists union their
// elements. Observers are notified of the resulting changes as remote
// events.
func (d *Doc) ApplyState(data []byte) error {
	var state docState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("crdt: malformed snapshot: %w", err)
	}

	d.mu.Lock()
	var events []Event
	for name, ms := range state.Roots {
		if ms == nil {
			continue
		}
		events = append(events, d.mergeMap(d.rootLocked(name), ms)...)
	}
	events = append(events, d.retryDeferred()...)
	d.mu.Unlock()

	d.notify(events)
	return nil
}

func (d *Doc) mergeMap(m *Map, state *mapState) []Event {
	var events []Event

	keys := make([]string, 0, len(state.Entries))
	for key := range state.Entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		es := state.Entries[key]
		if es == nil {
			continue
		}
		d.witness(es.ID)

		switch {
		case es.Deleted:
			if ev, applied := m.applyMapOp(op{Kind: opDelKey, Root: m.root, Key: key, ID: es.ID}); applied {
				events = append(events, ev)
			}

		case es.Map != nil:
			if ev, applied := m.applyMapOp(op{Kind: opEnsureMap, Root: m.root, Key: key, ID: es.ID}); applied {
				events = append(events, ev)
			}
			if child, ok := m.entries[key].value.(*Map); ok && !m.entries[key].deleted {
				events = append(events, d.mergeMap(child, es.Map)...)
			}

		case es.List != nil:
			events = append(events, d.mergeList(m, key, es)...)

		default:
			if ev, applied := m.applyMapOp(op{Kind: opSetValue, Root: m.root, Key: key, ID: es.ID, Value: es.Value}); applied {
				events = append(events, ev)
			}
		}
	}
	return events
}

func (d *Doc) mergeList(m *Map, key string, es *entryState) []Event {
	var events []Event
	entry := m.entries[key]

	existing, isList := Value(nil), false
	if entry != nil && !entry.deleted {
		existing, isList = entry.value, false
		if l, ok := existing.(*List); ok && l.id == es.List.ID {
			isList = true
		}
	}

	if !isList {
		// Unknown or replaced list: last writer wins on the whole entry.
		ev, applied := m.applyMapOp(op{Kind: opSetList, Root: m.root, Key: key, ID: es.ID})
		if !applied && (entry == nil || m.entries[key].id != es.ID) {
			return events
		}
		if applied {
			events = append(events, ev)
		}
		entry = m.entries[key]
	}

	list, ok := entry.value.(*List)
	if !ok {
		return events
	}

	changed := false
	for i := range es.List.Elems {
		elem := &es.List.Elems[i]
		d.witness(elem.ID)
		if at := list.find(elem.ID); at >= 0 {
			if elem.Deleted && !list.elems[at].deleted {
				list.elems[at].deleted = true
				list.elems[at].value = nil
				changed = true
			}
			continue
		}
		if _, applied, _ := list.applyListOp(op{
			Kind:  opListIns,
			Root:  list.root,
			Path:  list.path,
			List:  list.id,
			Elem:  elem.ID,
			Pos:   elem.Pos,
			Value: elem.Value,
		}); applied {
			changed = true
		}
		if elem.Deleted {
			if at := list.find(elem.ID); at >= 0 {
				list.elems[at].deleted = true
				list.elems[at].value = nil
			}
		}
	}

	if changed {
		events = append(events, Event{Root: list.root, Path: list.path, Action: ActionUpdate})
	}
	return events
}

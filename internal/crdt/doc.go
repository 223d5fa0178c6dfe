// Package crdt provides the replicated-document primitive the annotation
// store is built on: named root maps holding nested keyed maps and ordered
// lists, with automatic conflict resolution for concurrent edits. Map keys
// resolve last-writer-wins by (logical clock, replica id); list elements
// carry dense position identifiers so concurrent inserts order
// deterministically on every replica. Local mutations happen inside
// origin-tagged transactions and produce encoded op batches for the
// transport; remote batches are applied with ApplyUpdate. Full-state
// snapshots (EncodeState/ApplyState) merge idempotently and back the
// persistence cycle.
package crdt

import (
	"errors"
	"log"
	"sync"
)

// Origin tags the source of a transaction: a write made by this process or
// one received from a remote replica.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

// ID is the identity of an entry, element or op: a lamport clock paired with
// the replica that produced it.
type ID struct {
	Clock   uint64 `json:"c"`
	Replica string `json:"r"`
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool {
	return id.Clock == 0 && id.Replica == ""
}

// Less orders IDs by clock, replica id breaking ties. Used for
// last-writer-wins resolution; the ordering is identical on every replica.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Replica < other.Replica
}

// Action classifies a change to a map key.
type Action int

const (
	ActionAdd Action = iota
	ActionUpdate
	ActionDelete
)

// Event describes one observed change. Root names the root map; Path is the
// key path to the container that changed (empty for the root map itself; for
// list-internal changes it is the full path to the list entry and Key is
// empty). Local distinguishes changes made by this process from remote ones.
type Event struct {
	Root   string
	Path   []string
	Key    string
	Action Action
	Local  bool
}

// maxDeferred bounds the buffer of remote ops whose target container has not
// arrived yet (out-of-order delivery across connections).
const maxDeferred = 4096

var errNoTransaction = errors.New("crdt: mutation outside transaction")

// Doc is a replica-local document.
type Doc struct {
	mu       sync.RWMutex
	replica  string
	clock    uint64
	roots    map[string]*Map
	deferred []op

	inTxn     bool
	txnOrigin Origin
	txnOps    []op
	txnEvents []Event

	nextSub    int
	observers  map[int]func([]Event)
	updateSubs map[int]func([]byte)
}

// NewDoc creates an empty document for the given replica id.
func NewDoc(replica string) *Doc {
	return &Doc{
		replica:    replica,
		roots:      make(map[string]*Map),
		observers:  make(map[int]func([]Event)),
		updateSubs: make(map[int]func([]byte)),
	}
}

// Replica returns the document's replica id.
func (d *Doc) Replica() string {
	return d.replica
}

// Map returns the named root map, creating it if absent. Root maps exist
// implicitly on every replica and are not part of the op stream. Must be
// called inside a Transact (creation mutates the document).
func (d *Doc) Map(name string) *Map {
	return d.rootLocked(name)
}

func (d *Doc) rootLocked(name string) *Map {
	if m, ok := d.roots[name]; ok {
		return m
	}
	m := &Map{doc: d, root: name, entries: make(map[string]*mapEntry)}
	d.roots[name] = m
	return m
}

// Transact runs fn as a single origin-tagged transaction. All mutations of
// the document's maps and lists must happen inside one. For local
// transactions the resulting op batch is handed to OnUpdate subscribers;
// deep observers are notified either way.
func (d *Doc) Transact(origin Origin, fn func()) {
	d.mu.Lock()
	d.inTxn = true
	d.txnOrigin = origin
	d.txnOps = nil
	d.txnEvents = nil

	fn()

	ops := d.txnOps
	events := d.txnEvents
	d.inTxn = false
	d.txnOps = nil
	d.txnEvents = nil
	d.mu.Unlock()

	var update []byte
	if origin == OriginLocal && len(ops) > 0 {
		update = encodeOps(ops)
	}
	if update != nil {
		for _, fn := range d.updateSnapshot() {
			fn(update)
		}
	}
	d.notify(events)
}

// ReadTransact runs fn with shared read access to the document. All reads of
// the document's maps and lists must happen inside either a Transact or a
// ReadTransact.
func (d *Doc) ReadTransact(fn func()) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn()
}

// ApplyUpdate applies a remote op batch. Application is idempotent and
// commutative within the document's merge semantics; ops addressing a
// container that has not arrived yet are buffered and retried after the next
// batch.
func (d *Doc) ApplyUpdate(data []byte) error {
	ops, err := decodeOps(data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	var events []Event
	for _, o := range ops {
		d.witness(o.ID)
		d.witness(o.Elem)
		if ev, applied, resolved := d.applyOp(o); resolved {
			if applied {
				events = append(events, ev)
			}
		} else {
			d.defer_(o)
		}
	}
	events = append(events, d.retryDeferred()...)
	d.mu.Unlock()

	d.notify(events)
	return nil
}

// ObserveDeep registers an observer for all changes, local and remote, at
// every nesting level. Observers run synchronously after the transaction
// that produced the change. The returned function unsubscribes; it is safe
// to call from within the observer itself.
func (d *Doc) ObserveDeep(fn func([]Event)) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.observers[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// OnUpdate registers a subscriber for encoded op batches produced by local
// transactions, for the transport to broadcast. Returns an unsubscribe
// function.
func (d *Doc) OnUpdate(fn func([]byte)) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.updateSubs[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.updateSubs, id)
		d.mu.Unlock()
	}
}

func (d *Doc) notify(events []Event) {
	if len(events) == 0 {
		return
	}
	d.mu.RLock()
	fns := make([]func([]Event), 0, len(d.observers))
	for _, fn := range d.observers {
		fns = append(fns, fn)
	}
	d.mu.RUnlock()

	for _, fn := range fns {
		fn(events)
	}
}

func (d *Doc) updateSnapshot() []func([]byte) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fns := make([]func([]byte), 0, len(d.updateSubs))
	for _, fn := range d.updateSubs {
		fns = append(fns, fn)
	}
	return fns
}

// nextID advances the lamport clock and mints a fresh op identity.
func (d *Doc) nextID() ID {
	d.clock++
	return ID{Clock: d.clock, Replica: d.replica}
}

// witness advances the clock past a remotely observed identity.
func (d *Doc) witness(id ID) {
	if id.Clock > d.clock {
		d.clock = id.Clock
	}
}

// record captures an op generated by a local mutation, together with the
// event it produced.
func (d *Doc) record(o op, ev Event, changed bool) {
	if !d.inTxn {
		panic(errNoTransaction)
	}
	d.txnOps = append(d.txnOps, o)
	if changed {
		ev.Local = d.txnOrigin == OriginLocal
		d.txnEvents = append(d.txnEvents, ev)
	}
}

func (d *Doc) defer_(o op) {
	if len(d.deferred) >= maxDeferred {
		log.Printf("[CRDT] Deferred op buffer full, dropping %s op for %v", o.Kind, o.Path)
		return
	}
	d.deferred = append(d.deferred, o)
}

// retryDeferred re-applies buffered ops whose container may have arrived in
// the meantime. Runs until a pass makes no progress.
func (d *Doc) retryDeferred() []Event {
	var events []Event
	for {
		if len(d.deferred) == 0 {
			return events
		}
		pending := d.deferred
		d.deferred = nil
		progress := false
		for _, o := range pending {
			if ev, applied, resolved := d.applyOp(o); resolved {
				progress = true
				if applied {
					events = append(events, ev)
				}
			} else {
				d.deferred = append(d.deferred, o)
			}
		}
		if !progress {
			return events
		}
	}
}

// applyOp applies a single remote op. It returns the resulting event, whether
// the op changed state, and whether it could be resolved at all (false means
// the target container is unknown and the op should be deferred).
func (d *Doc) applyOp(o op) (Event, bool, bool) {
	switch o.Kind {
	case opEnsureMap, opSetList, opSetValue, opDelKey:
		parent := d.resolveMap(o.Root, o.Path)
		if parent == nil {
			return Event{}, false, false
		}
		ev, applied := parent.applyMapOp(o)
		return ev, applied, true
	case opListIns, opListDel:
		list := d.resolveList(o.Root, o.Path, o.List)
		if list == nil {
			return Event{}, false, false
		}
		return list.applyListOp(o)
	default:
		// Unknown op kind from a newer peer: skip rather than defer.
		log.Printf("[CRDT] Skipping unknown op kind %q", o.Kind)
		return Event{}, false, true
	}
}

// resolveMap walks the key path from the named root down to a nested map.
func (d *Doc) resolveMap(root string, path []string) *Map {
	m := d.rootLocked(root)
	for _, key := range path {
		entry, ok := m.entries[key]
		if !ok || entry.deleted {
			return nil
		}
		child, ok := entry.value.(*Map)
		if !ok {
			return nil
		}
		m = child
	}
	return m
}

// resolveList resolves the list entry at path (the last path element is the
// map key holding the list). The list identity must match: ops addressed to
// a list that has since been replaced do not apply to its successor.
func (d *Doc) resolveList(root string, path []string, listID ID) *List {
	if len(path) == 0 {
		return nil
	}
	parent := d.resolveMap(root, path[:len(path)-1])
	if parent == nil {
		return nil
	}
	entry, ok := parent.entries[path[len(path)-1]]
	if !ok || entry.deleted {
		return nil
	}
	list, ok := entry.value.(*List)
	if !ok || list.id != listID {
		return nil
	}
	return list
}

package store

import (
	"encoding/json"
	"sync"

	"github.com/rsimon/liiive/internal/crdt"
	"github.com/rsimon/liiive/internal/model"
)

// rootMap is the name of the root map holding per-canvas annotation maps.
const rootMap = "annotations"

// Store is the replicated annotation store: all reads and writes of shared
// annotation state go through it. Mutations propagate to every connected
// replica; remote changes surface as per-canvas StoreChange notifications.
// The store does not filter by change origin - that is the router's job.
type Store struct {
	doc  *crdt.Doc
	root *crdt.Map

	mu        sync.Mutex
	observers map[string][]*canvasObserver
	counts    map[string]int
	countSubs map[int]func(map[string]int)
	nextSub   int

	unobserveDoc func()
}

type canvasObserver struct {
	fn func(model.StoreChange)
}

// New creates a store over the given document and starts observing it.
func New(doc *crdt.Doc) *Store {
	s := &Store{
		doc:       doc,
		observers: make(map[string][]*canvasObserver),
		counts:    make(map[string]int),
		countSubs: make(map[int]func(map[string]int)),
	}
	doc.Transact(crdt.OriginLocal, func() {
		s.root = doc.Map(rootMap)
	})
	s.unobserveDoc = doc.ObserveDeep(s.onDeepChange)
	return s
}

// Close detaches the store from the document.
func (s *Store) Close() {
	s.unobserveDoc()
}

// AddAnnotation inserts an annotation into a canvas, creating the canvas map
// if absent. Adding an id that already exists overwrites the whole entry, so
// the call is idempotent. The entry is always written target-first: an
// annotation with bodies but no target is not constructible through this
// interface.
func (s *Store) AddAnnotation(canvasID string, a model.Annotation) {
	s.doc.Transact(crdt.OriginLocal, func() {
		s.addLocked(canvasID, a)
	})
}

func (s *Store) addLocked(canvasID string, a model.Annotation) {
	canvas := s.root.EnsureMap(canvasID)
	entry := canvas.SetList(a.ID)
	for _, item := range EncodeAnnotation(a) {
		entry.Push(item)
	}
}

// UpdateAnnotation applies an edit described by an old/new pair. Target
// replacement removes the old target slot and prepends the new one; created
// bodies append; body updates are modeled as delete-old-then-append, which
// keeps "oldest surviving first" only approximately under concurrent edits
// to the same thread. Reply deletion must be handed in as a tombstoned body
// update by the caller, not as a deletion. An update for an id not in the
// store yet is an implicit create - this happens for annotations embedded in
// the source content.
func (s *Store) UpdateAnnotation(canvasID string, u model.Update) {
	s.doc.Transact(crdt.OriginLocal, func() {
		canvasVal, ok := s.root.Get(canvasID)
		if !ok {
			s.addLocked(canvasID, u.New)
			return
		}
		canvas, ok := canvasVal.(*crdt.Map)
		if !ok {
			return
		}
		entryVal, ok := canvas.Get(u.Old.ID)
		if !ok {
			s.addLocked(canvasID, u.New)
			return
		}
		entry, ok := entryVal.(*crdt.List)
		if !ok {
			return
		}

		if u.TargetUpdated != nil {
			if i := findTarget(entry.Values()); i >= 0 {
				entry.Delete(i)
			}
			entry.Unshift(encodeTarget(u.TargetUpdated.New))
		}

		for _, b := range u.BodiesCreated {
			entry.Push(encodeBody(b))
		}

		for _, b := range u.BodiesDeleted {
			if i := findBody(entry.Values(), b.ID); i >= 0 {
				entry.Delete(i)
			}
		}

		for _, bu := range u.BodiesUpdated {
			if i := findBody(entry.Values(), bu.Old.ID); i >= 0 {
				entry.Delete(i)
			}
		}
		for _, bu := range u.BodiesUpdated {
			entry.Push(encodeBody(bu.New))
		}
	})
}

// DeleteAnnotation removes the whole entry from the canvas map. Unlike reply
// deletion (a tombstoned body), annotation removal is a true delete.
func (s *Store) DeleteAnnotation(canvasID, annotationID string) {
	s.doc.Transact(crdt.OriginLocal, func() {
		if canvasVal, ok := s.root.Get(canvasID); ok {
			if canvas, ok := canvasVal.(*crdt.Map); ok {
				canvas.Delete(annotationID)
			}
		}
	})
}

// GetAnnotation returns one annotation as a domain object. Structurally
// incomplete entries read as absent.
func (s *Store) GetAnnotation(canvasID, annotationID string) (model.Annotation, bool) {
	var (
		a  model.Annotation
		ok bool
	)
	s.doc.ReadTransact(func() {
		a, ok = s.getLocked(canvasID, annotationID)
	})
	return a, ok
}

func (s *Store) getLocked(canvasID, annotationID string) (model.Annotation, bool) {
	canvasVal, found := s.root.Get(canvasID)
	if !found {
		return model.Annotation{}, false
	}
	canvas, found := canvasVal.(*crdt.Map)
	if !found {
		return model.Annotation{}, false
	}
	entryVal, found := canvas.Get(annotationID)
	if !found {
		return model.Annotation{}, false
	}
	entry, found := entryVal.(*crdt.List)
	if !found {
		return model.Annotation{}, false
	}
	return DecodeAnnotation(entry.Values())
}

// GetAnnotations returns all annotations on a canvas. Malformed entries are
// skipped silently: they are an expected transient state during concurrent
// edits, not an error.
func (s *Store) GetAnnotations(canvasID string) []model.Annotation {
	var annotations []model.Annotation
	s.doc.ReadTransact(func() {
		canvasVal, ok := s.root.Get(canvasID)
		if !ok {
			return
		}
		canvas, ok := canvasVal.(*crdt.Map)
		if !ok {
			return
		}
		for _, id := range canvas.Keys() {
			if a, ok := s.getLocked(canvasID, id); ok {
				annotations = append(annotations, a)
			}
		}
	})
	return annotations
}

// ListCanvasIDs returns the ids of all canvases present in the store.
func (s *Store) ListCanvasIDs() []string {
	var ids []string
	s.doc.ReadTransact(func() {
		ids = s.root.Keys()
	})
	return ids
}

// ObserveCanvas registers a callback for changes to one canvas. Multiple
// observers per canvas are supported. The returned function unsubscribes; it
// is safe to call at any time, including from within the callback itself,
// and does not affect other observers of the same canvas.
func (s *Store) ObserveCanvas(canvasID string, fn func(model.StoreChange)) func() {
	obs := &canvasObserver{fn: fn}

	s.mu.Lock()
	s.observers[canvasID] = append(s.observers[canvasID], obs)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		callbacks := s.observers[canvasID]
		for i, o := range callbacks {
			if o == obs {
				s.observers[canvasID] = append(callbacks[:i], callbacks[i+1:]...)
				break
			}
		}
		if len(s.observers[canvasID]) == 0 {
			delete(s.observers, canvasID)
		}
	}
}

// Counts returns the current per-canvas annotation counts.
func (s *Store) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		counts[k] = v
	}
	return counts
}

// OnCountsChanged registers a callback invoked whenever the per-canvas
// annotation counts change, local and remote edits alike. Consumed by
// thumbnail badges without subscribing per canvas. Returns an unsubscribe
// function.
func (s *Store) OnCountsChanged(fn func(map[string]int)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.countSubs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.countSubs, id)
		s.mu.Unlock()
	}
}

// onDeepChange classifies replication events by nesting level - root map
// (canvas added), canvas map (annotation added/updated/deleted), or inside
// an annotation entry (slot changed) - and emits the matching per-canvas
// notification for remote changes. Counts update on every change, local
// ones included.
func (s *Store) onDeepChange(events []crdt.Event) {
	// One logical edit arrives as several replication events: a canvas-level
	// entry event plus one event per touched slot inside it, or a root-level
	// canvas event plus everything the canvas merge produced. Announce each
	// canvas (addAll) and each annotation at most once per batch; the state
	// read for the first event already reflects the whole batch.
	announcedCanvas := make(map[string]bool)
	announcedAnnotation := make(map[string]bool)

	for _, e := range events {
		if e.Root != rootMap || e.Local {
			continue
		}

		switch len(e.Path) {
		case 0:
			if e.Action == crdt.ActionAdd {
				announcedCanvas[e.Key] = true
				s.emit(e.Key, model.StoreChange{AddAll: s.GetAnnotations(e.Key)})
			}

		case 1:
			canvasID := e.Path[0]
			if announcedCanvas[canvasID] || announcedAnnotation[canvasID+"\x00"+e.Key] {
				continue
			}
			announcedAnnotation[canvasID+"\x00"+e.Key] = true
			switch e.Action {
			case crdt.ActionAdd:
				if a, ok := s.GetAnnotation(canvasID, e.Key); ok {
					s.emit(canvasID, model.StoreChange{Add: &a})
				}
			case crdt.ActionUpdate:
				if a, ok := s.GetAnnotation(canvasID, e.Key); ok {
					s.emit(canvasID, model.StoreChange{Update: &a})
				}
			case crdt.ActionDelete:
				s.emit(canvasID, model.StoreChange{Delete: e.Key})
			}

		case 2:
			canvasID, annotationID := e.Path[0], e.Path[1]
			if announcedCanvas[canvasID] || announcedAnnotation[canvasID+"\x00"+annotationID] {
				continue
			}
			announcedAnnotation[canvasID+"\x00"+annotationID] = true
			if a, ok := s.GetAnnotation(canvasID, annotationID); ok {
				s.emit(canvasID, model.StoreChange{Update: &a})
			}
		}
	}

	s.updateCounts()
}

func (s *Store) emit(canvasID string, change model.StoreChange) {
	s.mu.Lock()
	callbacks := make([]*canvasObserver, len(s.observers[canvasID]))
	copy(callbacks, s.observers[canvasID])
	s.mu.Unlock()

	for _, obs := range callbacks {
		obs.fn(change)
	}
}

func (s *Store) updateCounts() {
	next := make(map[string]int)
	s.doc.ReadTransact(func() {
		for _, canvasID := range s.root.Keys() {
			if canvasVal, ok := s.root.Get(canvasID); ok {
				if canvas, ok := canvasVal.(*crdt.Map); ok {
					next[canvasID] = canvas.Len()
				}
			}
		}
	})

	s.mu.Lock()
	if countsEqual(s.counts, next) {
		s.mu.Unlock()
		return
	}
	s.counts = next
	subs := make([]func(map[string]int), 0, len(s.countSubs))
	for _, fn := range s.countSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
}

func countsEqual(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func findTarget(items []json.RawMessage) int {
	for i, raw := range items {
		if isTarget(raw) {
			return i
		}
	}
	return -1
}

func findBody(items []json.RawMessage, id string) int {
	for i, raw := range items {
		if !isBody(raw) {
			continue
		}
		var p probe
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if p.ID == id {
			return i
		}
	}
	return -1
}

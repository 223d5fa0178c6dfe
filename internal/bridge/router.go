// Package bridge keeps the local annotation UI state and the replicated
// store in sync without feedback loops. Every mutation crossing the bridge
// carries an origin tag; the router is the single place where origin is
// filtered, so a logical edit propagates exactly once per direction.
package bridge

import (
	"github.com/rsimon/liiive/internal/model"
	"github.com/rsimon/liiive/internal/store"
)

// Origin tags where a UI-level change came from: a local user edit or a
// change applied on behalf of a remote replica.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

// ChangeSet is one batch of changes emitted by the annotation UI store.
type ChangeSet struct {
	Created []model.Annotation
	Updated []model.Update
	Deleted []model.Annotation
}

// UIStore is the annotation UI state the router bridges to. Implementations
// must tag the changes they emit from Observe with the origin the mutation
// was called with, so remote applications do not come back as local edits.
type UIStore interface {
	// AddAnnotation inserts a single annotation.
	AddAnnotation(a model.Annotation, origin Origin)
	// BulkAddAnnotations inserts annotations not already present; ids the
	// store already holds are left untouched.
	BulkAddAnnotations(annotations []model.Annotation, origin Origin)
	// UpsertAnnotation replaces the annotation with the same id, inserting
	// if absent.
	UpsertAnnotation(a model.Annotation, origin Origin)
	// DeleteAnnotation removes by id. A no-op if absent.
	DeleteAnnotation(id string, origin Origin)
	// Observe registers a change observer and returns an unsubscribe
	// function.
	Observe(fn func(ChangeSet, Origin)) func()
}

// Router translates between one canvas's UI store and the replicated store.
type Router struct {
	store *store.Store
	ui    UIStore
}

func NewRouter(s *store.Store, ui UIStore) *Router {
	return &Router{store: s, ui: ui}
}

// Attach wires the canvas in both directions and performs the initial load:
// annotations already replicated for the canvas are bulk-inserted into the
// UI as remote, without clobbering ids the UI already holds. The returned
// function detaches both observers; callers must invoke it before discarding
// the UI store.
func (r *Router) Attach(canvasID string) func() {
	if existing := r.store.GetAnnotations(canvasID); len(existing) > 0 {
		r.ui.BulkAddAnnotations(existing, OriginRemote)
	}

	unsubUI := r.ui.Observe(func(changes ChangeSet, origin Origin) {
		if origin != OriginLocal {
			return
		}
		for _, a := range changes.Created {
			r.store.AddAnnotation(canvasID, a)
		}
		for _, u := range changes.Updated {
			r.store.UpdateAnnotation(canvasID, u)
		}
		for _, a := range changes.Deleted {
			r.store.DeleteAnnotation(canvasID, a.ID)
		}
	})

	unsubStore := r.store.ObserveCanvas(canvasID, func(change model.StoreChange) {
		switch {
		case change.Add != nil:
			r.ui.UpsertAnnotation(*change.Add, OriginRemote)
		case change.AddAll != nil:
			r.ui.BulkAddAnnotations(change.AddAll, OriginRemote)
		case change.Update != nil:
			r.ui.UpsertAnnotation(*change.Update, OriginRemote)
		case change.Delete != "":
			r.ui.DeleteAnnotation(change.Delete, OriginRemote)
		}
	})

	return func() {
		unsubUI()
		unsubStore()
	}
}

// AddEmbedded handles annotations that arrive already embedded in the source
// content rather than through the replicated store: they enter the UI as
// remote, then write through to the store so late joiners receive them too.
// Ids the store already replicates are not written again.
func (r *Router) AddEmbedded(canvasID string, annotations []model.Annotation) {
	r.ui.BulkAddAnnotations(annotations, OriginRemote)
	for _, a := range annotations {
		if _, ok := r.store.GetAnnotation(canvasID, a.ID); !ok {
			r.store.AddAnnotation(canvasID, a)
		}
	}
}

package model

import (
	"encoding/json"
	"time"
)

// Purpose classifies an annotation body.
type Purpose string

const (
	PurposeCommenting  Purpose = "commenting"
	PurposeReplying    Purpose = "replying"
	PurposeTombstoning Purpose = "tombstoning"
)

// User identifies a participant. Identity comes from the room token (or a
// generated guest identity), never from the replicated document.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Target holds the geometry of an annotation plus creator/time metadata.
// The Annotation field is the id of the owning annotation; Selector is the
// opaque shape payload produced by the drawing UI. The presence of a selector
// is what structurally distinguishes a target from a body in the replicated
// entry.
type Target struct {
	Annotation string          `json:"annotation"`
	Selector   json.RawMessage `json:"selector"`
	Creator    User            `json:"creator"`
	Created    time.Time       `json:"created"`
	Updated    time.Time       `json:"updated,omitempty"`
}

// Body is one comment or reply attached to an annotation. Value carries the
// serialized rich-text payload; a body with purpose "tombstoning" is a
// soft-deleted reply that keeps its id and created time.
type Body struct {
	ID      string    `json:"id"`
	Purpose Purpose   `json:"purpose,omitempty"`
	Value   string    `json:"value,omitempty"`
	Creator User      `json:"creator"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated,omitempty"`
}

// IsTombstone reports whether the body is a soft-deleted reply.
func (b Body) IsTombstone() bool {
	return b.Purpose == PurposeTombstoning
}

// Annotation is one user-visible markup unit on one canvas.
type Annotation struct {
	ID     string `json:"id"`
	Target Target `json:"target"`
	Bodies []Body `json:"bodies"`
}

// ActiveBodies returns the bodies excluding tombstoned replies, in stored
// order.
func (a Annotation) ActiveBodies() []Body {
	active := make([]Body, 0, len(a.Bodies))
	for _, b := range a.Bodies {
		if !b.IsTombstone() {
			active = append(active, b)
		}
	}
	return active
}

// PrimaryComment returns the first body with purpose "commenting" (or no
// purpose at all), which by convention is the annotation's main comment.
func (a Annotation) PrimaryComment() (Body, bool) {
	for _, b := range a.Bodies {
		if b.Purpose == PurposeCommenting || b.Purpose == "" {
			return b, true
		}
	}
	return Body{}, false
}

// Tombstone returns a soft-deleted copy of the body: same id and created
// time, updated set to the deletion time, value cleared.
func (b Body) Tombstone(deletedAt time.Time) Body {
	return Body{
		ID:      b.ID,
		Purpose: PurposeTombstoning,
		Creator: b.Creator,
		Created: b.Created,
		Updated: deletedAt,
	}
}

// BodyUpdate describes a single body replaced by an edit.
type BodyUpdate struct {
	Old Body
	New Body
}

// TargetUpdate describes a target replaced by an edit (shape moved/resized).
type TargetUpdate struct {
	Old Target
	New Target
}

// Update describes, relative to an old/new annotation pair, which parts of
// the annotation changed. Produced by the annotation UI layer and consumed by
// the replicated store.
type Update struct {
	Old Annotation
	New Annotation

	TargetUpdated *TargetUpdate
	BodiesCreated []Body
	BodiesUpdated []BodyUpdate
	BodiesDeleted []Body
}

// StoreChange is the discriminated per-canvas change notification emitted by
// the replicated annotation store. Exactly one field is set.
type StoreChange struct {
	Add    *Annotation
	AddAll []Annotation
	Update *Annotation
	Delete string
}

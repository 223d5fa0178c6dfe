// Package store owns the replicated annotation structure: a root map keyed
// by canvas id, holding per-canvas maps keyed by annotation id, each entry an
// ordered list whose elements are the serialized target and bodies. It
// exposes CRUD plus per-canvas change observation to the rest of the system;
// nothing else touches the replicated document directly.
package store

import (
	"encoding/json"
	"time"

	"github.com/rsimon/liiive/internal/model"
)

// Replicated representations. The replicated document stores timestamps as
// ISO 8601 strings; the conversion to and from native time.Time happens here
// and nowhere else.

type replicatedTarget struct {
	Annotation string          `json:"annotation"`
	Selector   json.RawMessage `json:"selector"`
	Creator    model.User      `json:"creator"`
	Created    string          `json:"created,omitempty"`
	Updated    string          `json:"updated,omitempty"`
}

type replicatedBody struct {
	ID      string          `json:"id"`
	Purpose model.Purpose   `json:"purpose,omitempty"`
	Value   string          `json:"value,omitempty"`
	Creator model.User      `json:"creator"`
	Created string          `json:"created,omitempty"`
	Updated string          `json:"updated,omitempty"`
}

// probe is the structural tag used to tell targets and bodies apart:
// a target carries a selector, a body carries an id without one. Position in
// the entry is deliberately not used, since concurrent edits can shift
// slot order.
type probe struct {
	ID       string          `json:"id"`
	Selector json.RawMessage `json:"selector"`
}

func isTarget(raw json.RawMessage) bool {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	return len(p.Selector) > 0 && string(p.Selector) != "null"
}

func isBody(raw json.RawMessage) bool {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	return p.ID != "" && (len(p.Selector) == 0 || string(p.Selector) == "null")
}

func serializeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func reviveTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeTarget(t model.Target) json.RawMessage {
	data, _ := json.Marshal(replicatedTarget{
		Annotation: t.Annotation,
		Selector:   t.Selector,
		Creator:    t.Creator,
		Created:    serializeTime(t.Created),
		Updated:    serializeTime(t.Updated),
	})
	return data
}

func encodeBody(b model.Body) json.RawMessage {
	data, _ := json.Marshal(replicatedBody{
		ID:      b.ID,
		Purpose: b.Purpose,
		Value:   b.Value,
		Creator: b.Creator,
		Created: serializeTime(b.Created),
		Updated: serializeTime(b.Updated),
	})
	return data
}

func decodeTarget(raw json.RawMessage) (model.Target, bool) {
	var rt replicatedTarget
	if err := json.Unmarshal(raw, &rt); err != nil {
		return model.Target{}, false
	}
	return model.Target{
		Annotation: rt.Annotation,
		Selector:   rt.Selector,
		Creator:    rt.Creator,
		Created:    reviveTime(rt.Created),
		Updated:    reviveTime(rt.Updated),
	}, true
}

func decodeBody(raw json.RawMessage) (model.Body, bool) {
	var rb replicatedBody
	if err := json.Unmarshal(raw, &rb); err != nil {
		return model.Body{}, false
	}
	return model.Body{
		ID:      rb.ID,
		Purpose: rb.Purpose,
		Value:   rb.Value,
		Creator: rb.Creator,
		Created: reviveTime(rb.Created),
		Updated: reviveTime(rb.Updated),
	}, true
}

// EncodeAnnotation serializes an annotation into replicated entry elements:
// the target first, then the bodies in their stored order.
func EncodeAnnotation(a model.Annotation) []json.RawMessage {
	items := make([]json.RawMessage, 0, len(a.Bodies)+1)
	items = append(items, encodeTarget(a.Target))
	for _, b := range a.Bodies {
		items = append(items, encodeBody(b))
	}
	return items
}

// DecodeAnnotation reconstructs an annotation from replicated entry
// elements. The target is found by its structural tag, not by position. An
// empty entry, or one without a target, is structurally incomplete and
// decodes to ok=false; callers treat that the same as an absent entry.
func DecodeAnnotation(items []json.RawMessage) (model.Annotation, bool) {
	var (
		target model.Target
		found  bool
		bodies []model.Body
	)
	for _, raw := range items {
		switch {
		case isTarget(raw):
			if found {
				continue
			}
			if t, ok := decodeTarget(raw); ok {
				target = t
				found = true
			}
		case isBody(raw):
			if b, ok := decodeBody(raw); ok {
				bodies = append(bodies, b)
			}
		}
	}
	if !found {
		return model.Annotation{}, false
	}
	return model.Annotation{
		ID:     target.Annotation,
		Target: target,
		Bodies: bodies,
	}, true
}

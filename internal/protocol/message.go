// Package protocol defines the wire messages exchanged between the sync
// server and its clients over one room websocket.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/rsimon/liiive/internal/model"
)

// Type discriminates the message envelope.
type Type string

const (
	// TypeSync carries a full document snapshot. The server sends one on
	// join; the client replies with its own state so offline edits merge in.
	TypeSync Type = "sync"
	// TypeUpdate carries one incremental op batch.
	TypeUpdate Type = "update"
	// TypeAwareness carries ephemeral presence entries. A nil entry state
	// clears that client's presence.
	TypeAwareness Type = "awareness"
	// TypeStateless carries out-of-band signals that are not part of the
	// document, such as the save lifecycle.
	TypeStateless Type = "stateless"
)

// Stateless payloads.
const (
	StatelessSaving    = "saving"
	StatelessSaved     = "saved"
	StatelessSaveError = "saveError"
	StatelessLoadError = "loadError"
)

// AwarenessEntry is one client's presence state. State is nil when the
// client's presence has been cleared (disconnect or explicit reset).
type AwarenessEntry struct {
	ClientID string               `json:"clientId"`
	State    *model.PresenceState `json:"state"`
}

// Message is the envelope for all room traffic. Exactly one payload field is
// set, selected by Type. State and Update are opaque document bytes.
type Message struct {
	Type      Type             `json:"type"`
	State     []byte           `json:"state,omitempty"`
	Update    []byte           `json:"update,omitempty"`
	Awareness []AwarenessEntry `json:"awareness,omitempty"`
	Payload   string           `json:"payload,omitempty"`
}

// Encode serializes a message for the wire.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses a wire message. Unknown types are returned as-is; the caller
// decides whether to skip them.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("protocol: decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("protocol: message without type")
	}
	return m, nil
}

// Sync builds a snapshot message.
func Sync(state []byte) Message {
	return Message{Type: TypeSync, State: state}
}

// Update builds an op batch message.
func Update(update []byte) Message {
	return Message{Type: TypeUpdate, Update: update}
}

// Awareness builds a presence message.
func Awareness(entries []AwarenessEntry) Message {
	return Message{Type: TypeAwareness, Awareness: entries}
}

// Stateless builds an out-of-band signal message.
func Stateless(payload string) Message {
	return Message{Type: TypeStateless, Payload: payload}
}

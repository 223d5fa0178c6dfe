package model

// PresenceState is the ephemeral per-connection awareness record exchanged
// over the transport. It is never written to the replicated document. The
// Timestamp string is used for last-writer-wins de-duplication across
// multiple tabs of the same user.
type PresenceState struct {
	ID        string      `json:"id"`
	Name      string      `json:"name,omitempty"`
	Color     string      `json:"color,omitempty"`
	Avatar    string      `json:"avatar,omitempty"`
	Canvas    string      `json:"canvas,omitempty"`
	Cursor    *[2]float64 `json:"cursor,omitempty"`
	Selected  []string    `json:"selected,omitempty"`
	IsTyping  bool        `json:"isTyping,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// Cursor is a peer pointer position in image space, ready for the cursor
// rendering layer to re-project into the local viewport.
type Cursor struct {
	Color  string     `json:"color"`
	Name   string     `json:"name"`
	Pos    [2]float64 `json:"pos"`
	Typing bool       `json:"typing,omitempty"`
}

// CanvasPresence groups peers relative to the canvas the local user is
// viewing, for navigation affordances.
type CanvasPresence struct {
	Before       []PresenceState
	After        []PresenceState
	OnThisCanvas []PresenceState
}

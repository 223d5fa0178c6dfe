// Package awareness manages the ephemeral presence channel: the local user's
// broadcast state and the de-duplicated view of connected peers. Presence is
// best-effort and independent of the replicated document; nothing here is
// persisted.
package awareness

import (
	"sync"
	"time"

	"github.com/rsimon/liiive/internal/model"
)

// DefaultCursorDebounce bounds pointer-move broadcast volume.
const DefaultCursorDebounce = 50 * time.Millisecond

// Manager holds the local presence state and the last known state of every
// peer connection. Peer states are keyed by connection id: one logical user
// with several tabs appears as several connections and is collapsed to the
// latest-timestamp record on read.
type Manager struct {
	mu    sync.Mutex
	local model.PresenceState
	peers map[string]model.PresenceState

	broadcast func(model.PresenceState)
	now       func() time.Time

	cursorDebounce time.Duration
	cursorTimer    *time.Timer
	pendingCursor  *[2]float64

	nextSub int
	subs    map[int]func()
}

// New creates a manager for the local user. broadcast is invoked with the
// full local state whenever a field changes; the sync provider sends it over
// the wire.
func New(me model.PresenceState, broadcast func(model.PresenceState)) *Manager {
	m := &Manager{
		local:          me,
		peers:          make(map[string]model.PresenceState),
		broadcast:      broadcast,
		now:            time.Now,
		cursorDebounce: DefaultCursorDebounce,
		subs:           make(map[int]func()),
	}
	m.mu.Lock()
	m.touchLocked()
	m.mu.Unlock()
	m.announce()
	return m
}

// Local returns a copy of the local broadcast state.
func (m *Manager) Local() model.PresenceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// SetCanvas records the canvas the local user navigated to.
func (m *Manager) SetCanvas(canvasID string) {
	m.mu.Lock()
	m.local.Canvas = canvasID
	m.local.Cursor = nil
	m.touchLocked()
	m.mu.Unlock()
	m.announce()
}

// SetSelected records the local selection.
func (m *Manager) SetSelected(annotationIDs []string) {
	m.mu.Lock()
	m.local.Selected = annotationIDs
	m.touchLocked()
	m.mu.Unlock()
	m.announce()
}

// SetTyping records whether the local user is typing a comment.
func (m *Manager) SetTyping(typing bool) {
	m.mu.Lock()
	m.local.IsTyping = typing
	m.touchLocked()
	m.mu.Unlock()
	m.announce()
}

// SetCursor records a pointer position in image space. Updates are debounced:
// a burst of moves broadcasts once, with the last position.
func (m *Manager) SetCursor(pos [2]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := pos
	m.pendingCursor = &p
	if m.cursorTimer != nil {
		return
	}
	m.cursorTimer = time.AfterFunc(m.cursorDebounce, m.flushCursor)
}

// ClearCursor removes the local pointer from peers' views, immediately.
func (m *Manager) ClearCursor() {
	m.mu.Lock()
	if m.cursorTimer != nil {
		m.cursorTimer.Stop()
		m.cursorTimer = nil
	}
	m.pendingCursor = nil
	m.local.Cursor = nil
	m.touchLocked()
	m.mu.Unlock()
	m.announce()
}

func (m *Manager) flushCursor() {
	m.mu.Lock()
	m.cursorTimer = nil
	if m.pendingCursor == nil {
		m.mu.Unlock()
		return
	}
	m.local.Cursor = m.pendingCursor
	m.pendingCursor = nil
	m.touchLocked()
	m.mu.Unlock()
	m.announce()
}

// Apply records a peer connection's state. A nil state clears the
// connection (disconnect or explicit reset).
func (m *Manager) Apply(connID string, state *model.PresenceState) {
	m.mu.Lock()
	if state == nil {
		delete(m.peers, connID)
	} else {
		m.peers[connID] = *state
	}
	m.mu.Unlock()
	m.notify()
}

// Peers returns the connected peers, one entry per logical user: multiple
// tabs of the same user collapse to the record with the latest timestamp.
// The local user is excluded.
func (m *Manager) Peers() []model.PresenceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peersLocked()
}

func (m *Manager) peersLocked() []model.PresenceState {
	latest := make(map[string]model.PresenceState)
	for _, state := range m.peers {
		if state.ID == "" || state.ID == m.local.ID {
			continue
		}
		if prev, ok := latest[state.ID]; !ok || timestampBefore(prev.Timestamp, state.Timestamp) {
			latest[state.ID] = state
		}
	}
	peers := make([]model.PresenceState, 0, len(latest))
	for _, state := range latest {
		peers = append(peers, state)
	}
	return peers
}

// PresenceByCanvas groups peers by the canvas they are on. Peers without a
// canvas are omitted.
func (m *Manager) PresenceByCanvas() map[string][]model.PresenceState {
	byCanvas := make(map[string][]model.PresenceState)
	for _, peer := range m.Peers() {
		if peer.Canvas == "" {
			continue
		}
		byCanvas[peer.Canvas] = append(byCanvas[peer.Canvas], peer)
	}
	return byCanvas
}

// Cursors returns the peer pointers on one canvas, for the cursor rendering
// layer. Coordinates are image space; the receiver re-projects them.
func (m *Manager) Cursors(canvasID string) []model.Cursor {
	var cursors []model.Cursor
	for _, peer := range m.Peers() {
		if peer.Canvas != canvasID || peer.Cursor == nil {
			continue
		}
		cursors = append(cursors, model.Cursor{
			Color:  peer.Color,
			Name:   peer.Name,
			Pos:    *peer.Cursor,
			Typing: peer.IsTyping,
		})
	}
	return cursors
}

// Around splits peers into before/after/on-this-canvas relative to the
// current canvas in document order, for navigation affordances. Peers on
// canvases not in the order are omitted.
func (m *Manager) Around(canvasOrder []string, current string) model.CanvasPresence {
	index := make(map[string]int, len(canvasOrder))
	for i, id := range canvasOrder {
		index[id] = i
	}
	here, ok := index[current]
	if !ok {
		return model.CanvasPresence{}
	}

	var presence model.CanvasPresence
	for _, peer := range m.Peers() {
		at, ok := index[peer.Canvas]
		if !ok {
			continue
		}
		switch {
		case at < here:
			presence.Before = append(presence.Before, peer)
		case at > here:
			presence.After = append(presence.After, peer)
		default:
			presence.OnThisCanvas = append(presence.OnThisCanvas, peer)
		}
	}
	return presence
}

// OnChange registers a callback invoked whenever the peer set changes.
// Returns an unsubscribe function.
func (m *Manager) OnChange(fn func()) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// timestampBefore compares presence timestamps as instants. Malformed
// timestamps fall back to string comparison rather than being dropped.
func timestampBefore(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil || errB != nil {
		return a < b
	}
	return ta.Before(tb)
}

func (m *Manager) touchLocked() {
	m.local.Timestamp = m.now().UTC().Format(time.RFC3339Nano)
}

func (m *Manager) announce() {
	m.mu.Lock()
	state := m.local
	fn := m.broadcast
	m.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (m *Manager) notify() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

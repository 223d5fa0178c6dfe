package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rsimon/liiive/internal/crdt"
	"github.com/rsimon/liiive/internal/model"
	"github.com/rsimon/liiive/internal/protocol"
	"github.com/rsimon/liiive/internal/store"
)

const sendBuffer = 64

// Client is one websocket connection's server-side handle. The connection
// handler drains Send into the socket; messages are dropped when the client
// cannot keep up, which is safe: the document resyncs via snapshots and
// awareness is continuously overwritten.
type Client struct {
	ID   string
	send chan protocol.Message
}

func NewClient(id string) *Client {
	return &Client{ID: id, send: make(chan protocol.Message, sendBuffer)}
}

// Send returns the channel of outbound messages for this client.
func (c *Client) Send() <-chan protocol.Message {
	return c.send
}

// Room is one replicated document plus its connected clients.
type Room struct {
	ID  string
	hub *Hub

	doc   *crdt.Doc
	store *store.Store

	mu        sync.RWMutex
	clients   map[string]*Client
	awareness map[string]*model.PresenceState

	dirty  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	dirtySinceSave bool
	saveFailures   int
}

func newRoom(roomID string, h *Hub, doc *crdt.Doc) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		ID:        roomID,
		hub:       h,
		doc:       doc,
		store:     store.New(doc),
		clients:   make(map[string]*Client),
		awareness: make(map[string]*model.PresenceState),
		dirty:     make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	go r.runPersistLoop()
	return r
}

// Join registers a client and sends it the current document snapshot plus
// the awareness state of everyone already present.
func (r *Room) Join(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	entries := r.awarenessEntriesLocked()
	total := len(r.clients)
	r.mu.Unlock()

	log.Printf("[Room %s] Client joined: %s, total: %d", r.ID, client.ID, total)

	r.sendTo(client, protocol.Sync(r.doc.EncodeState()))
	if len(entries) > 0 {
		r.sendTo(client, protocol.Awareness(entries))
	}
}

// Leave removes a client, clears its awareness for the remaining peers, and
// tears the room down (after a final persist) when it was the last one.
func (r *Room) Leave(clientID string) {
	r.mu.Lock()
	delete(r.clients, clientID)
	delete(r.awareness, clientID)
	remaining := len(r.clients)
	r.mu.Unlock()

	log.Printf("[Room %s] Client left: %s, remaining: %d", r.ID, clientID, remaining)

	clear := []protocol.AwarenessEntry{{ClientID: clientID, State: nil}}
	r.broadcastExcept(clientID, protocol.Awareness(clear))
	r.publishToRelay(clear)

	if remaining == 0 {
		// Durability ends with the last connection: persist before teardown.
		r.persistNow(context.Background())
		r.hub.removeRoom(r.ID)
	}
}

// HandleMessage processes one inbound client message.
func (r *Room) HandleMessage(clientID string, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSync:
		// The client's reply to the join snapshot: merge its offline state
		// and pass it on, merging is idempotent on every replica.
		if err := r.doc.ApplyState(msg.State); err != nil {
			log.Printf("[Room %s] Rejecting sync from %s: %v", r.ID, clientID, err)
			return
		}
		r.broadcastExcept(clientID, msg)
		r.markDirty()

	case protocol.TypeUpdate:
		if err := r.doc.ApplyUpdate(msg.Update); err != nil {
			log.Printf("[Room %s] Rejecting update from %s: %v", r.ID, clientID, err)
			return
		}
		r.broadcastExcept(clientID, msg)
		r.markDirty()

	case protocol.TypeAwareness:
		r.mu.Lock()
		for _, entry := range msg.Awareness {
			if entry.State == nil {
				delete(r.awareness, entry.ClientID)
			} else {
				r.awareness[entry.ClientID] = entry.State
			}
		}
		r.mu.Unlock()
		r.broadcastExcept(clientID, msg)
		r.publishToRelay(msg.Awareness)

	default:
		log.Printf("[Room %s] Ignoring %q message from %s", r.ID, msg.Type, clientID)
	}
}

// Annotations returns the canvas's annotations as domain objects, for the
// export path.
func (r *Room) Annotations(canvasID string) []model.Annotation {
	return r.store.GetAnnotations(canvasID)
}

// CanvasIDs returns the ids of all canvases with annotations in this room.
func (r *Room) CanvasIDs() []string {
	return r.store.ListCanvasIDs()
}

func (r *Room) awarenessEntriesLocked() []protocol.AwarenessEntry {
	entries := make([]protocol.AwarenessEntry, 0, len(r.awareness))
	for connID, state := range r.awareness {
		entries = append(entries, protocol.AwarenessEntry{ClientID: connID, State: state})
	}
	return entries
}

// applyRelayed merges awareness entries from another server instance and
// forwards them to the local clients.
func (r *Room) applyRelayed(entries []protocol.AwarenessEntry) {
	r.mu.Lock()
	for _, entry := range entries {
		if entry.State == nil {
			delete(r.awareness, entry.ClientID)
		} else {
			r.awareness[entry.ClientID] = entry.State
		}
	}
	r.mu.Unlock()
	r.broadcastExcept("", protocol.Awareness(entries))
}

func (r *Room) publishToRelay(entries []protocol.AwarenessEntry) {
	if r.hub.relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.hub.relay.Publish(ctx, r.ID, entries); err != nil {
		log.Printf("[Room %s] Awareness relay publish failed: %v", r.ID, err)
	}
}

func (r *Room) broadcastExcept(clientID string, msg protocol.Message) {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c.ID != clientID {
			clients = append(clients, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range clients {
		r.sendTo(c, msg)
	}
}

func (r *Room) sendTo(c *Client, msg protocol.Message) {
	select {
	case c.send <- msg:
	default:
		log.Printf("[Room %s] Send buffer full, dropping %s message for %s", r.ID, msg.Type, c.ID)
	}
}

func (r *Room) markDirty() {
	r.mu.Lock()
	r.dirtySinceSave = true
	r.mu.Unlock()

	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

// runPersistLoop coalesces mutation bursts into debounced saves, with a
// ceiling so continuous editing still persists regularly. It also reaps the
// room when no client has connected for the idle timeout, which happens for
// rooms loaded only for an HTTP read.
func (r *Room) runPersistLoop() {
	debounce := newStoppedTimer()
	ceiling := newStoppedTimer()
	ceilingArmed := false

	idle := time.NewTicker(r.hub.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return

		case <-idle.C:
			r.mu.RLock()
			clients := len(r.clients)
			r.mu.RUnlock()
			if clients == 0 {
				r.persistNow(r.ctx)
				if r.hub.removeRoomIfIdle(r.ID) {
					return
				}
			}

		case <-r.dirty:
			stopTimer(debounce)
			debounce.Reset(r.hub.persist.Debounce)
			if !ceilingArmed {
				ceilingArmed = true
				ceiling.Reset(r.hub.persist.MaxDebounce)
			}

		case <-debounce.C:
			stopTimer(ceiling)
			ceilingArmed = false
			r.persistNow(r.ctx)

		case <-ceiling.C:
			stopTimer(debounce)
			ceilingArmed = false
			r.persistNow(r.ctx)
		}
	}
}

// persistNow uploads the current document snapshot if it changed since the
// last successful save. The dirty flag is cleared before the snapshot is
// taken: edits arriving while the upload is in flight set it again and get
// their own cycle. A failed upload restores the flag and re-arms the loop so
// the next cycle retries with then-current state.
func (r *Room) persistNow(ctx context.Context) {
	r.mu.Lock()
	if !r.dirtySinceSave {
		r.mu.Unlock()
		return
	}
	r.dirtySinceSave = false
	r.mu.Unlock()

	r.broadcastExcept("", protocol.Stateless(protocol.StatelessSaving))

	data := r.doc.EncodeState()
	if err := r.hub.objects.Upload(ctx, r.ID, data); err != nil {
		r.mu.Lock()
		r.dirtySinceSave = true
		r.saveFailures++
		failures := r.saveFailures
		r.mu.Unlock()
		select {
		case r.dirty <- struct{}{}:
		default:
		}
		log.Printf("[Room %s] Persist failed (attempt %d): %v", r.ID, failures, err)
		r.broadcastExcept("", protocol.Stateless(protocol.StatelessSaveError))
		return
	}

	r.mu.Lock()
	r.saveFailures = 0
	r.mu.Unlock()
	r.broadcastExcept("", protocol.Stateless(protocol.StatelessSaved))
	log.Printf("[Room %s] Persisted snapshot (%d bytes)", r.ID, len(data))
}

func (r *Room) shutdown() {
	r.cancel()
	r.store.Close()
	log.Printf("[Room %s] Shutdown complete", r.ID)
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	stopTimer(t)
	return t
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// Package hub hosts the server side of room synchronization: one replicated
// document per room, a registry of connected clients, broadcast of document
// updates and awareness, and the debounced persistence cycle against the
// object store.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rsimon/liiive/internal/config"
	"github.com/rsimon/liiive/internal/crdt"
	"github.com/rsimon/liiive/internal/protocol"
	"github.com/rsimon/liiive/internal/relay"
	"github.com/rsimon/liiive/internal/storage"
)

// ErrRoomLoadFailed marks a room whose stored snapshot could not be applied.
// Starting such a room from empty would silently discard existing
// annotations, so the join is refused instead.
var ErrRoomLoadFailed = errors.New("hub: room failed to load")

// Rooms loaded for an HTTP read (export) may never see a websocket client;
// they are torn down again after this long without one.
const defaultRoomIdleTimeout = 5 * time.Minute

// Hub manages all active rooms.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]*Room
	objects     storage.ObjectStore
	persist     config.PersistConfig
	relay       *relay.Relay
	idleTimeout time.Duration
}

func New(objects storage.ObjectStore, persist config.PersistConfig) *Hub {
	return &Hub{
		rooms:       make(map[string]*Room),
		objects:     objects,
		persist:     persist,
		idleTimeout: defaultRoomIdleTimeout,
	}
}

// SetRelay wires the cross-instance awareness relay: incoming entries are
// delivered to the matching local room, local awareness is published on
// broadcast. Must be called before the first room is created.
func (h *Hub) SetRelay(ctx context.Context, r *relay.Relay) {
	h.relay = r
	r.Subscribe(ctx, func(roomID string, entries []protocol.AwarenessEntry) {
		h.mu.RLock()
		room := h.rooms[roomID]
		h.mu.RUnlock()
		if room != nil {
			room.applyRelayed(entries)
		}
	})
}

// GetOrLoadRoom returns the active room, loading its persisted snapshot
// first if the room is not in memory. A missing snapshot means a new room; a
// snapshot that fails to apply fails the load.
func (h *Hub) GetOrLoadRoom(ctx context.Context, roomID string) (*Room, error) {
	h.mu.Lock()
	if room, exists := h.rooms[roomID]; exists {
		h.mu.Unlock()
		return room, nil
	}
	h.mu.Unlock()

	// Download outside the hub lock; a slow object store must not block
	// other rooms.
	doc := crdt.NewDoc("server:" + roomID)
	data, err := h.objects.Download(ctx, roomID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Printf("[Hub] No snapshot for room %s, starting fresh", roomID)
	case err != nil:
		return nil, fmt.Errorf("hub: load room %s: %w", roomID, err)
	default:
		if err := doc.ApplyState(data); err != nil {
			log.Printf("[Hub] Snapshot for room %s is malformed: %v", roomID, err)
			return nil, fmt.Errorf("%w: %s", ErrRoomLoadFailed, roomID)
		}
		log.Printf("[Hub] Loaded snapshot for room %s (%d bytes)", roomID, len(data))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if room, exists := h.rooms[roomID]; exists {
		// Lost the load race; the first loader's room wins.
		return room, nil
	}
	room := newRoom(roomID, h, doc)
	h.rooms[roomID] = room
	log.Printf("[Hub] Created room: %s", roomID)
	return room, nil
}

func (h *Hub) removeRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, exists := h.rooms[roomID]; exists {
		room.shutdown()
		delete(h.rooms, roomID)
		log.Printf("[Hub] Removed room: %s", roomID)
	}
}

// removeRoomIfIdle tears a room down only if it still has no clients, so an
// idle check cannot race a join that happened in the meantime. Reports
// whether the room is gone.
func (h *Hub) removeRoomIfIdle(roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.rooms[roomID]
	if !exists {
		return true
	}
	room.mu.RLock()
	clients := len(room.clients)
	room.mu.RUnlock()
	if clients > 0 {
		return false
	}
	room.shutdown()
	delete(h.rooms, roomID)
	log.Printf("[Hub] Removed idle room: %s", roomID)
	return true
}

// RoomCount returns the number of active rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Shutdown persists and tears down every active room.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.rooms = make(map[string]*Room)
	h.mu.Unlock()

	for _, room := range rooms {
		room.persistNow(ctx)
		room.shutdown()
	}
	log.Printf("[Hub] Shutdown complete (%d rooms persisted)", len(rooms))
}

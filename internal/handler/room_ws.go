package handler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"github.com/rsimon/liiive/internal/hub"
	"github.com/rsimon/liiive/internal/protocol"
)

// RoomWSHandler bridges room websocket connections and the hub.
type RoomWSHandler struct {
	hub          *hub.Hub
	writeTimeout time.Duration
}

func NewRoomWSHandler(h *hub.Hub, writeTimeout time.Duration) *RoomWSHandler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &RoomWSHandler{hub: h, writeTimeout: writeTimeout}
}

// HandleWebSocket runs one room connection to completion. The upgrade
// middleware has already validated the room token and stored the room id and
// user identity in Locals.
func (h *RoomWSHandler) HandleWebSocket(c *websocket.Conn) {
	roomID, ok1 := c.Locals("roomId").(string)
	userID, ok2 := c.Locals("userId").(string)
	if !ok1 || !ok2 {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"invalid session"}`))
		c.Close()
		return
	}

	var writeMu sync.Mutex

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	room, err := h.hub.GetOrLoadRoom(ctx, roomID)
	cancel()
	if err != nil {
		log.Printf("[RoomWS] Room %s load failed for user %s: %v", roomID, userID, err)
		if errors.Is(err, hub.ErrRoomLoadFailed) {
			h.writeMessage(c, &writeMu, protocol.Stateless(protocol.StatelessLoadError))
		}
		c.Close()
		return
	}

	client := hub.NewClient(uuid.NewString())

	// Writer drains the hub's outbound channel into the socket until the
	// read loop ends.
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case msg := <-client.Send():
				if err := h.writeMessage(c, &writeMu, msg); err != nil {
					return
				}
			case <-quit:
				return
			}
		}
	}()

	room.Join(client)
	log.Printf("[RoomWS] User %s connected to room %s (conn %s)", userID, roomID, client.ID)

	defer func() {
		close(quit)
		room.Leave(client.ID)
		c.Close()
		log.Printf("[RoomWS] User %s disconnected from room %s", userID, roomID)
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("[RoomWS] Dropping malformed message from %s: %v", client.ID, err)
			continue
		}
		room.HandleMessage(client.ID, msg)
	}
}

func (h *RoomWSHandler) writeMessage(c *websocket.Conn, mu *sync.Mutex, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	c.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return c.WriteMessage(websocket.TextMessage, data)
}

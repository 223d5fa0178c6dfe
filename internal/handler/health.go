package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/rsimon/liiive/internal/hub"
)

// HealthHandler reports process health.
type HealthHandler struct {
	hub *hub.Hub
}

func NewHealthHandler(h *hub.Hub) *HealthHandler {
	return &HealthHandler{hub: h}
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Rooms     int    `json:"rooms"`
}

// Check reports overall status plus the number of active rooms.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Rooms:     h.hub.RoomCount(),
	})
}

// Liveness is the bare probe endpoint.
func (h *HealthHandler) Liveness(c *fiber.Ctx) error {
	return c.SendString("OK")
}

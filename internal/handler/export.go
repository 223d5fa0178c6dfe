package handler

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/rsimon/liiive/internal/export"
	"github.com/rsimon/liiive/internal/hub"
)

// ExportHandler serves annotation downloads per canvas.
type ExportHandler struct {
	hub *hub.Hub
}

func NewExportHandler(h *hub.Hub) *ExportHandler {
	return &ExportHandler{hub: h}
}

// DownloadCanvas returns the annotation page for one canvas of a room.
// Canvas ids are URIs, so the canvas is passed as a query parameter.
func (h *ExportHandler) DownloadCanvas(c *fiber.Ctx) error {
	roomID := c.Params("roomId")
	canvasID := c.Query("canvas")
	if canvasID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "canvas query parameter is required",
		})
	}

	room, err := h.hub.GetOrLoadRoom(c.Context(), roomID)
	if err != nil {
		if errors.Is(err, hub.ErrRoomLoadFailed) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": "room data could not be loaded",
			})
		}
		log.Printf("[Export] Room %s load failed: %v", roomID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to load room",
		})
	}

	page := export.CanvasPage(canvasID, room.Annotations(canvasID))
	c.Set("Content-Disposition", `attachment; filename="annotations.json"`)
	return c.JSON(page)
}

// ListCanvases returns the ids of all canvases with annotations in a room.
func (h *ExportHandler) ListCanvases(c *fiber.Ctx) error {
	roomID := c.Params("roomId")
	room, err := h.hub.GetOrLoadRoom(c.Context(), roomID)
	if err != nil {
		if errors.Is(err, hub.ErrRoomLoadFailed) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": "room data could not be loaded",
			})
		}
		log.Printf("[Export] Room %s load failed: %v", roomID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to load room",
		})
	}
	return c.JSON(fiber.Map{"canvases": room.CanvasIDs()})
}

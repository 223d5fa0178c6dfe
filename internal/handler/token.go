package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/rsimon/liiive/internal/auth"
)

// TokenHandler issues room tokens. A request without a user id gets a fresh
// guest identity; color assignment is deterministic per user id either way.
type TokenHandler struct {
	tokens *auth.TokenManager
}

func NewTokenHandler(tokens *auth.TokenManager) *TokenHandler {
	return &TokenHandler{tokens: tokens}
}

// TokenRequest is the join request payload.
type TokenRequest struct {
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// TokenResponse carries the signed room token plus the resolved identity.
type TokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Color  string `json:"color"`
}

// IssueToken mints a token for joining the room named in the path.
func (h *TokenHandler) IssueToken(c *fiber.Ctx) error {
	roomID := c.Params("roomId")

	var req TokenRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	userID := req.UserID
	name := req.Name
	if userID == "" {
		guest := auth.NewGuest(name)
		userID = guest.ID
		name = guest.Name
	}

	color := auth.UserColor(userID)
	token, err := h.tokens.GenerateRoomToken(roomID, userID, name, req.Avatar, color)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to issue token",
		})
	}

	return c.JSON(TokenResponse{
		Token:  token,
		UserID: userID,
		Name:   name,
		Color:  color,
	})
}

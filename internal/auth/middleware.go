package auth

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// RoomTokenMiddleware guards HTTP routes under /:roomId with a room token,
// taken from the Authorization header or the token query parameter. The
// resolved identity is stored in Locals.
func RoomTokenMiddleware(tokens *TokenManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roomID := c.Params("roomId")

		token := c.Get("Authorization")
		if token == "" {
			token = c.Query("token")
			if token == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "missing room token",
				})
			}
		} else {
			parts := strings.Split(token, " ")
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "invalid authorization header format",
				})
			}
			token = parts[1]
		}

		claims, err := tokens.ValidateRoomToken(token, roomID)
		if err != nil {
			if errors.Is(err, ErrExpiredToken) {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "token expired",
					"code":  "TOKEN_EXPIRED",
				})
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid token",
			})
		}

		c.Locals("roomId", roomID)
		c.Locals("userId", claims.Subject)
		c.Locals("userName", claims.Name)

		return c.Next()
	}
}

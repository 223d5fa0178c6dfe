// Package server wires the Fiber application: middleware, health and token
// endpoints, the room websocket upgrade path and the export routes.
package server

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/rsimon/liiive/internal/auth"
	"github.com/rsimon/liiive/internal/config"
	"github.com/rsimon/liiive/internal/handler"
	"github.com/rsimon/liiive/internal/hub"
)

// Server wraps the Fiber app.
type Server struct {
	app           *fiber.App
	cfg           *config.Config
	hub           *hub.Hub
	tokens        *auth.TokenManager
	healthHandler *handler.HealthHandler
	tokenHandler  *handler.TokenHandler
	exportHandler *handler.ExportHandler
	roomWSHandler *handler.RoomWSHandler
}

func New(cfg *config.Config, h *hub.Hub) *Server {
	app := fiber.New(fiber.Config{
		AppName:        "liiive sync server",
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		Prefork:        false, // incompatible with websockets
		ReadBufferSize: 16384,
	})

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.RoomTokenExpiry)

	return &Server{
		app:           app,
		cfg:           cfg,
		hub:           h,
		tokens:        tokens,
		healthHandler: handler.NewHealthHandler(h),
		tokenHandler:  handler.NewTokenHandler(tokens),
		exportHandler: handler.NewExportHandler(h),
		roomWSHandler: handler.NewRoomWSHandler(h, cfg.WebSocket.WriteTimeout),
	}
}

// SetupMiddleware installs panic recovery, request logging and CORS.
func (s *Server) SetupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     s.cfg.CORS.AllowHeaders,
		AllowMethods:     "GET, POST, OPTIONS",
		AllowCredentials: true,
	}))
}

// SetupRoutes installs all endpoints.
func (s *Server) SetupRoutes() {
	s.app.Get("/health", s.healthHandler.Check)
	s.app.Get("/health/live", s.healthHandler.Liveness)

	s.app.Post("/api/rooms/:roomId/tokens", s.tokenHandler.IssueToken)

	roomAuth := auth.RoomTokenMiddleware(s.tokens)
	s.app.Get("/api/rooms/:roomId/canvases", roomAuth, s.exportHandler.ListCanvases)
	s.app.Get("/api/rooms/:roomId/export", roomAuth, s.exportHandler.DownloadCanvas)

	// Room websocket: the token arrives as a query parameter because
	// browsers cannot set headers on websocket upgrades.
	s.app.Get("/ws/rooms/:roomId", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		roomID := c.Params("roomId")
		token := c.Query("token")
		if token == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		claims, err := s.tokens.ValidateRoomToken(token, roomID)
		if err != nil {
			log.Printf("[Server] Rejected websocket for room %s: %v", roomID, err)
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		c.Locals("roomId", roomID)
		c.Locals("userId", claims.Subject)
		c.Locals("userName", claims.Name)
		c.Locals("userColor", claims.Color)

		return c.Next()
	}, websocket.New(s.roomWSHandler.HandleWebSocket, websocket.Config{
		ReadBufferSize:   s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:  s.cfg.WebSocket.WriteBufferSize,
		HandshakeTimeout: s.cfg.WebSocket.HandshakeTimeout,
	}))
}

// Start runs the server with graceful shutdown on SIGINT/SIGTERM.
func (s *Server) Start() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("🛑 Shutting down server...")
		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 liiive sync server starting on %s", s.cfg.Server.Port)
	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown stops the server.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(30 * time.Second)
}

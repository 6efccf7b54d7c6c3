package server

import (
	"traveltracker/internal/config"
	"traveltracker/internal/session"
	"traveltracker/internal/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

type Server struct {
	App     *fiber.App
	Cfg     config.Config
	Session *session.Service
	Stream  *stream.Hub
}

func NewServer(cfg config.Config, svc *session.Service, hub *stream.Hub) *Server {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:     app,
		Cfg:     cfg,
		Session: svc,
		Stream:  hub,
	}

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	if s.Session != nil {
		session.RegisterRoutes(s.App, s.Session)
	}
	if s.Stream != nil {
		stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
	}
}

package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"floodtwin/internal/broker"
	"floodtwin/internal/config"
	"floodtwin/internal/metrics"
	"floodtwin/internal/store"
)

type Server struct {
	app    *fiber.App
	config *config.Config
	store  store.Store
	broker broker.Broker
	logger *slog.Logger
}

// pinger is implemented by brokers with a reachable backend.
type pinger interface {
	Ping(ctx context.Context) error
}

func NewServer(cfg *config.Config, st store.Store, br broker.Broker, logger *slog.Logger) *Server {
	app := fiber.New()

	// Inject config, store, and broker into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		c.Locals("store", st)
		c.Locals("broker", br)
		return c.Next()
	})

	// Request logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		// Ensure a request ID exists
		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		if logger != nil {
			c.Locals("logger", logger)
		}

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		path := c.Path()

		metrics.RecordRequest(method, path, status, latency.Milliseconds())

		if logger != nil {
			logger.Info("request",
				"request_id", reqID,
				"method", method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}

		return err
	})

	// Health endpoints
	app.Get("/healthz", func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		// Deep health: check store and broker connectivity.
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "ok"
		if err := st.Ping(ctx); err != nil {
			dbStatus = "error"
		}

		brokerStatus := "ok"
		if p, ok := br.(pinger); ok {
			if err := p.Ping(ctx); err != nil {
				brokerStatus = "error"
			}
		}

		status := "ok"
		if dbStatus != "ok" || brokerStatus != "ok" {
			status = "error"
		}

		return c.JSON(fiber.Map{
			"status": status,
			"db":     dbStatus,
			"broker": brokerStatus,
		})
	})

	// Prometheus-style metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	v1 := app.Group("/v1")
	registerV1Routes(v1)

	return &Server{
		app:    app,
		config: cfg,
		store:  st,
		broker: br,
		logger: logger,
	}
}

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	return s.app.Listen(addr)
}

// App exposes the underlying fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func registerV1Routes(group fiber.Router) {
	group.Post("/simulations", submitHandler)
	group.Get("/simulations/:id", statusHandler)
	group.Get("/simulations/:id/result", resultHandler)
	group.Delete("/simulations/:id", cancelHandler)
}

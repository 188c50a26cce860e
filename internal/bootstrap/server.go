package bootstrap

import (
	"github.com/gofiber/fiber/v2"

	"github.com/flowkit/queryserver/common"
	"github.com/flowkit/queryserver/common/mlog"
	"github.com/flowkit/queryserver/common/mopentelemetry"
	httpserver "github.com/flowkit/queryserver/common/net/http"
	"github.com/flowkit/queryserver/internal/adapters/http/in"
)

// Server represents the HTTP server hosting the gateway adapter (C7).
type Server struct {
	app           *fiber.App
	serverAddress string
	mlog.Logger
	mopentelemetry.Telemetry
}

// ServerAddress returns the server's listen address.
func (s *Server) ServerAddress() string {
	return s.serverAddress
}

// NewServer builds the fiber app, mounts the gateway's middleware chain
// and routes, and wraps it as a Server (spec.md §4.7, teacher's
// components/*/internal/bootstrap/http/routes.go convention).
func NewServer(cfg *Config, gateway *in.Gateway, logger mlog.Logger, telemetry *mopentelemetry.Telemetry) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	tm := httpserver.NewTelemetryMiddleware(telemetry)

	app.Use(httpserver.WithCORS())
	app.Use(httpserver.WithCorrelationID())
	app.Use(tm.WithTelemetry(telemetry))
	app.Use(tm.EndTracingSpans)
	app.Use(httpserver.WithHTTPLogging(httpserver.WithCustomLogger(logger)))

	app.Get("/health", httpserver.Ping)
	httpserver.DocAPI(ApplicationName, "Query Execution Server", app)

	gateway.Register(app)

	return &Server{
		app:           app,
		serverAddress: cfg.ServerAddress,
		Logger:        logger,
		Telemetry:     *telemetry,
	}
}

// Run starts the HTTP listener, blocking until it exits.
func (s *Server) Run(l *common.Launcher) error {
	s.InitializeTelemetry()
	defer s.ShutdownTelemetry()

	defer func() {
		if err := s.Logger.Sync(); err != nil {
			s.Logger.Fatalf("failed to sync logger: %s", err)
		}
	}()

	if err := s.app.Listen(s.ServerAddress()); err != nil {
		return err
	}

	return nil
}

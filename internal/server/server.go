// Package server exposes the diagnostics core over HTTP.
//
// Echo router, standard middleware, Prometheus metrics, and graceful
// context-aware shutdown. Every /v1 route is tenant-scoped through the
// X-Org-ID header.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/diagnostd/internal/confidence"
	"github.com/fyrsmithlabs/diagnostd/internal/events"
	"github.com/fyrsmithlabs/diagnostd/internal/importer"
	"github.com/fyrsmithlabs/diagnostd/internal/logging"
	"github.com/fyrsmithlabs/diagnostd/internal/matching"
	"github.com/fyrsmithlabs/diagnostd/internal/patterns"
)

// orgHeader carries the tenant on every /v1 request.
const orgHeader = "X-Org-ID"

// Services bundles the domain services the HTTP layer fronts.
type Services struct {
	Pipeline *matching.Pipeline
	Engine   *confidence.Engine
	Router   *events.Router
	Detector *patterns.Detector
	Patterns patterns.Store
	Importer *importer.Importer
	Jobs     importer.JobStore
}

// Config is the subset of daemon configuration the server needs.
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
}

// Server is the HTTP API.
type Server struct {
	echo     *echo.Echo
	services Services
	logger   *zap.Logger
	port     int
	shutdown time.Duration
}

// NewServer creates the HTTP server over the given services.
func NewServer(cfg Config, services Services, logger *zap.Logger) (*Server, error) {
	if services.Pipeline == nil || services.Engine == nil || services.Router == nil {
		return nil, fmt.Errorf("pipeline, engine, and router are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 10 * time.Second
	}
	s := &Server{
		echo:     e,
		services: services,
		logger:   logger,
		port:     cfg.Port,
		shutdown: shutdown,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1", s.requireOrg)
	v1.POST("/match", s.handleMatch)
	v1.POST("/tickets/:id/resolution", s.handleTicketResolution)
	v1.POST("/cards/:id/approve", s.handleCardApprove)
	v1.POST("/cards/:id/deprecate", s.handleCardDeprecate)
	v1.POST("/imports", s.handleImport)
	v1.GET("/imports/:id", s.handleImportStatus)
	v1.POST("/patterns/detect", s.handlePatternDetect)
	v1.GET("/patterns", s.handlePatternList)
}

// requireOrg extracts the tenant from X-Org-ID and rejects requests
// without one.
func (s *Server) requireOrg(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		orgID := c.Request().Header.Get(orgHeader)
		if orgID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, orgHeader+" header is required")
		}

		ctx := logging.WithOrgID(c.Request().Context(), orgID)
		if requestID := c.Response().Header().Get(echo.HeaderXRequestID); requestID != "" {
			ctx = logging.WithRequestID(ctx, requestID)
		}
		c.SetRequest(c.Request().WithContext(ctx))
		c.Set("org_id", orgID)
		return next(c)
	}
}

func orgID(c echo.Context) string {
	v, _ := c.Get("org_id").(string)
	return v
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "diagnostd",
	})
}

// Start runs the server until ctx is cancelled, then shuts down
// gracefully. Returns http.ErrServerClosed on clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	errCh := make(chan error, 1)

	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying router, for tests and extra routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

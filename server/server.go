// Package server hosts the HTTP surface in front of the query pipeline:
// the JSON API under /api/v1, the Prometheus scrape endpoint and a
// liveness probe.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/sangamhq/sangam/internal/profile"
	apiv1 "github.com/sangamhq/sangam/server/router/api/v1"
	"github.com/sangamhq/sangam/store"
)

type Server struct {
	profile *profile.Profile
	store   *store.Store

	echoServer *echo.Echo
	apiService *apiv1.APIV1Service
}

// NewServer assembles the pipeline and mounts the routes. The store must
// already be migrated; LLM and embedding backends are allowed to be absent.
func NewServer(ctx context.Context, profile *profile.Profile, store *store.Store) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.Gzip())

	s := &Server{
		profile:    profile,
		store:      store,
		echoServer: e,
	}

	apiService, err := apiv1.NewAPIV1Service(ctx, profile, store)
	if err != nil {
		return nil, errors.Wrap(err, "create api v1 service")
	}
	s.apiService = apiService
	apiService.Register(e)

	e.GET("/healthz", s.healthz)

	return s, nil
}

// Start begins serving in the background. Listener failures other than a
// graceful close are logged, not returned.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	go func() {
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server: listener failed", slog.Any("error", err))
		}
	}()
	return nil
}

// Shutdown drains in-flight requests and closes the store. The incoming
// context is typically already canceled, so the drain runs on its own
// deadline.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("server: failed to shut down gracefully", slog.Any("error", err))
	}

	if err := s.store.Close(); err != nil {
		slog.Error("server: failed to close store", slog.Any("error", err))
	}

	slog.Info("server: stopped")
}

// healthz reports store reachability plus the circuit state of each LLM
// provider. A failing store ping flips the status to 503 so orchestrators
// can rotate the instance.
func (s *Server) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	body := map[string]any{
		"status":    "ok",
		"mode":      s.profile.Mode,
		"providers": s.apiService.ProviderStatuses(),
	}
	if err := s.store.Ping(ctx); err != nil {
		slog.Warn("server: store ping failed", slog.Any("error", err))
		body["status"] = "unavailable"
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	return c.JSON(http.StatusOK, body)
}

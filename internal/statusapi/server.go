// Package statusapi serves read-only project state over HTTP while `run`
// drives a project, so dashboards can poll progress without touching the
// state files.
package statusapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	recovermw "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/phasedrive/phasedrive/internal/engine"
	perrors "github.com/phasedrive/phasedrive/internal/errors"
	"github.com/phasedrive/phasedrive/internal/health"
	"github.com/phasedrive/phasedrive/internal/state"
)

// Server is the read-only status API.
type Server struct {
	app     *fiber.App
	engine  *engine.Engine
	store   *state.Store
	checker *health.Checker
	logger  zerolog.Logger

	metricsAddr string
	metricsSrv  *http.Server
}

// New creates the status server. metricsAddr may be empty; the fiber
// /metrics route then answers with a pointer to nothing being exported.
func New(eng *engine.Engine, st *state.Store, checker *health.Checker, metricsAddr string, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:         app,
		engine:      eng,
		store:       st,
		checker:     checker,
		logger:      logger.With().Str("component", "statusapi").Logger(),
		metricsAddr: metricsAddr,
	}

	app.Use(recovermw.New())
	app.Get("/healthz", s.handleHealthz)
	app.Get("/metrics", s.handleMetricsStub)
	app.Get("/projects", s.handleProjects)
	app.Get("/projects/:id", s.handleProject)
	return s
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	if s.checker != nil && !s.checker.Healthy(c.Context()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "down"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// Prometheus metrics live on their own listener; this route only points
// there.
func (s *Server) handleMetricsStub(c *fiber.Ctx) error {
	if s.metricsAddr == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "metrics exporter not configured"})
	}
	return c.JSON(fiber.Map{"metrics_addr": s.metricsAddr})
}

func (s *Server) handleProjects(c *fiber.Ctx) error {
	ids, err := s.store.List()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"projects": ids})
}

func (s *Server) handleProject(c *fiber.Ctx) error {
	st, err := s.store.Read(c.Params("id"))
	if err != nil {
		if errors.Is(err, perrors.ErrStateNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "project not found")
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(st)
}

// Start serves the API on addr and, when configured, the Prometheus
// exporter on its own listener. Both block until Shutdown.
func (s *Server) Start(addr string) error {
	if s.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.engine.Metrics().Handler())
		s.metricsSrv = &http.Server{Addr: s.metricsAddr, Handler: mux}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}
	s.logger.Info().Str("addr", addr).Msg("status server listening")
	return s.app.Listen(addr)
}

// Shutdown stops both listeners.
func (s *Server) Shutdown() error {
	if s.metricsSrv != nil {
		s.metricsSrv.Close()
	}
	return s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

// Package adminapi exposes the runner's operational control surface: a
// read-only status endpoint, pause/resume/cancel controls, a live event
// WebSocket, and Prometheus metrics.
package adminapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maumercado/taskrunner/internal/adminapi/websocket"
	apimiddleware "github.com/maumercado/taskrunner/internal/adminapi/middleware"
	"github.com/maumercado/taskrunner/internal/config"
	"github.com/maumercado/taskrunner/internal/eventbus"
	"github.com/maumercado/taskrunner/internal/runner"
)

// RunnerControl is the subset of *runner.Runner the admin surface depends
// on — narrowed to an interface so tests can substitute a fake.
type RunnerControl interface {
	Status() runner.Snapshot
	Pause(ctx context.Context, projectID string) error
	Resume(ctx context.Context, projectID string) error
	PauseAll(ctx context.Context) error
	ResumeAll(ctx context.Context) error
	CancelTask(ctx context.Context, projectID, taskID string) error
}

// Server is the admin HTTP server. It never mutates Runner state directly —
// every handler delegates to RunnerControl, which is the only writer.
type Server struct {
	router  *chi.Mux
	control RunnerControl
	bus     *eventbus.Bus
	hub     *websocket.Hub
	wsHandler *websocket.Handler
	cfg     config.AdminConfig
}

// NewServer builds the admin router and wires the WebSocket hub to bus.
func NewServer(cfg config.AdminConfig, control RunnerControl, bus *eventbus.Bus) *Server {
	hub := websocket.NewHub(bus)

	s := &Server{
		router:    chi.NewRouter(),
		control:   control,
		bus:       bus,
		hub:       hub,
		wsHandler: websocket.NewHandler(hub),
		cfg:       cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apimiddleware.RequestLogger())
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Heartbeat("/health"))
}

func (s *Server) setupRoutes() {
	h := &handlers{control: s.control}

	s.router.Route("/", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		if s.cfg.AuthEnabled {
			r.Use(apimiddleware.Auth(&apimiddleware.AuthConfig{
				Enabled:   s.cfg.AuthEnabled,
				JWTSecret: s.cfg.JWTSecret,
			}))
		}
		r.Use(apimiddleware.RateLimit(50))

		r.Get("/status", h.getStatus)

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Post("/pause", h.pauseProject)
			r.Post("/resume", h.resumeProject)
		})

		r.Post("/pause", h.pauseAll)
		r.Post("/resume", h.resumeAll)

		r.Post("/tasks/{projectID}/{taskID}/cancel", h.cancelTask)
	})

	s.router.Get("/ws", s.wsHandler.ServeWS)
	s.router.Handle("/metrics", promhttp.Handler())
}

// Start runs the WebSocket hub's event-forwarding loop until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run(ctx)
}

// Stop stops the WebSocket hub.
func (s *Server) Stop() {
	s.hub.Stop()
}

func (s *Server) Router() *chi.Mux { return s.router }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

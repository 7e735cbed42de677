package api

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rendis/crewflow/internal/catalog"
	"github.com/rendis/crewflow/internal/engine"
	"github.com/rendis/crewflow/internal/metrics"
	"github.com/rendis/crewflow/internal/scheduler"
	"github.com/rendis/crewflow/internal/store"
	"github.com/rendis/crewflow/internal/streaming"
)

const defaultKeepAlive = 15 * time.Second

// Deps holds the dependencies of the HTTP server. Engine and Catalog are
// required; Metrics and Scheduler are optional.
type Deps struct {
	Engine    *engine.Engine
	Catalog   *catalog.Catalog
	Metrics   *metrics.Metrics
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger
	Version   string

	// KeepAlive is the interval of SSE comments and websocket pings on idle streams.
	KeepAlive time.Duration
}

// Server exposes workflow execution and event streams over HTTP.
type Server struct {
	deps     Deps
	upgrader websocket.Upgrader
	started  time.Time
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.KeepAlive <= 0 {
		deps.KeepAlive = defaultKeepAlive
	}
	return &Server{
		deps: deps,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /workflow/execute", s.handleExecute)
	mux.HandleFunc("GET /workflow/stream/{id}", s.handleStream)
	mux.HandleFunc("GET /workflow/ws/{id}", s.handleWebSocket)
	mux.HandleFunc("POST /workflow/stop/{id}", s.handleStop)
	mux.HandleFunc("GET /workflow/status/{id}", s.handleStatus)
	mux.HandleFunc("GET /workflow/events/{id}", s.handleEvents)
	mux.HandleFunc("GET /workflow/diagram/{id}", s.handleDiagram)
	mux.HandleFunc("DELETE /workflow/{id}", s.handleDelete)

	mux.HandleFunc("GET /workflows", s.handleList)
	mux.HandleFunc("GET /workflow-types", s.handleTypes)
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("GET /schedules", s.handleSchedules)
	mux.HandleFunc("GET /events/stream", s.handleFirehose)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	return s.logRequests(mux)
}

func (s *Server) bus() *streaming.Bus { return s.deps.Engine.Bus() }

func (s *Server) store() store.Store { return s.deps.Engine.Store() }

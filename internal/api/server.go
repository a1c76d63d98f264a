package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/real2ai/contract-cli/internal/model"
	"github.com/real2ai/contract-cli/internal/monitoring"
	"github.com/real2ai/contract-cli/internal/store"
	"github.com/real2ai/contract-cli/internal/workflow"
)

// Runner starts analysis runs. workflow.Orchestrator implements it.
type Runner interface {
	Preflight(actx model.AnalysisContext) error
	Run(ctx context.Context, runID string, actx model.AnalysisContext) (*model.WorkflowResult, error)
}

// RunReader is the store subset the read endpoints use.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	GetResult(ctx context.Context, runID string) (*model.WorkflowResult, error)
	ListNodeRecords(ctx context.Context, runID string) ([]model.NodeExecutionRecord, error)
}

// StatsCollector produces monitoring snapshots. monitoring.Collector
// implements it.
type StatsCollector interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.MetricsSnapshot, error)
}

// Dependencies holds everything the HTTP layer needs.
type Dependencies struct {
	Runner Runner
	Store  RunReader
	Events *workflow.Broadcaster
	Stats  StatsCollector

	// Authenticate guards every /v1 route. Nil disables authentication.
	Authenticate   func(http.Handler) http.Handler
	AllowedOrigins []string

	// RunContext is the parent of every accepted run, so runs outlive the
	// request that started them. Defaults to context.Background().
	RunContext    context.Context
	LookbackHours int
	NewID         func() string
}

// Server routes API requests and tracks runs it started.
type Server struct {
	deps Dependencies

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(deps Dependencies) *Server {
	if deps.RunContext == nil {
		deps.RunContext = context.Background()
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.New().String() }
	}
	if deps.LookbackHours <= 0 {
		deps.LookbackHours = 24
	}
	if deps.Events == nil {
		deps.Events = workflow.NewBroadcaster()
	}
	return &Server{deps: deps, active: make(map[string]struct{})}
}

// Router builds the chi router. Health bypasses authentication.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(CORS(s.deps.AllowedOrigins))

	r.Get("/health", handleHealth)

	auth := s.deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(RequestLogging)

		r.Post("/analyses", s.handleSubmit)
		r.Get("/analyses", s.handleList)
		r.Get("/analyses/{runID}", s.handleResult)
		r.Get("/analyses/{runID}/nodes", s.handleNodes)
		r.Get("/analyses/{runID}/events", s.handleEvents)
		r.Get("/stats", s.handleStats)
	})

	return r
}

// Wait blocks until every run started by the server has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) start(runID string) {
	s.mu.Lock()
	s.active[runID] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)
}

func (s *Server) finish(runID string) {
	s.mu.Lock()
	delete(s.active, runID)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) isActive(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[runID]
	return ok
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

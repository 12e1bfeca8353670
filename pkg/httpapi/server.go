// Package httpapi exposes the task manager's HTTP surface (spec.md §6.1):
// create/query/cancel over the composition task lifecycle, a websocket
// progress feed, and an operator diagnostics search endpoint. It is a
// thin JSON translation over pkg/facade — every piece of lifecycle logic
// lives there; this package only maps requests to facade calls and
// facade errors to status codes.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/videocompose/composer/pkg/common/logging"
	"github.com/videocompose/composer/pkg/common/validation"
	"github.com/videocompose/composer/pkg/diagnostics"
	"github.com/videocompose/composer/pkg/dispatcher"
	"github.com/videocompose/composer/pkg/facade"
)

// WorkerFactory builds the dispatcher.WorkerFunc for a newly registered
// task. Kept as a callback so this package never constructs a
// pkg/worker.Worker directly — that wiring (source lookup, encoder,
// repository) belongs to cmd/composer-api/main.go.
type WorkerFactory func() dispatcher.WorkerFunc

// Server wires the Task Manager Facade to an HTTP mux.
type Server struct {
	fac        *facade.Facade
	diag       *diagnostics.Index
	val        *validation.Validator
	rateLimit  *validation.RateLimiter
	newWorker  WorkerFactory
	outputRoot string
	baseURL    string
	log        *logging.Logger
}

// Config controls Server construction.
type Config struct {
	OutputRoot    string
	BaseURL       string
	MaxBodyBytes  int64
	RateLimit     validation.RateLimitConfig
}

// NewServer builds a Server. diag may be nil to run without the
// diagnostics search endpoint.
func NewServer(fac *facade.Facade, diag *diagnostics.Index, newWorker WorkerFactory, cfg Config, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	return &Server{
		fac:        fac,
		diag:       diag,
		val:        validation.NewValidator(),
		rateLimit:  validation.NewRateLimiter(cfg.RateLimit),
		newWorker:  newWorker,
		outputRoot: cfg.OutputRoot,
		baseURL:    cfg.BaseURL,
		log:        log.WithComponent("composer.httpapi"),
	}
}

// Router builds the gorilla/mux router serving spec.md §6.1's surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/videos/composition/create", s.rateLimited(s.handleCreate)).Methods(http.MethodPost)
	r.HandleFunc("/videos/composition/_diagnostics/search", s.rateLimited(s.handleDiagnosticsSearch)).Methods(http.MethodGet)
	r.HandleFunc("/videos/composition/{task_id}/watch", s.handleWatch).Methods(http.MethodGet)
	r.HandleFunc("/videos/composition/{task_id}", s.rateLimited(s.handleQuery)).Methods(http.MethodGet)
	r.HandleFunc("/videos/composition/{task_id}", s.rateLimited(s.handleCancel)).Methods(http.MethodDelete)

	return r
}

// Shutdown releases background resources (rate limiter cleanup loop).
func (s *Server) Shutdown() {
	s.rateLimit.Shutdown()
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return s.rateLimit.Middleware(validation.RequestSizeLimiter(1 << 20)(next))
}

func nowMillis(since time.Time) int64 {
	return time.Since(since).Milliseconds()
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	gootel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"

	"github.com/basket/leadops/internal/audit"
	"github.com/basket/leadops/internal/bus"
	"github.com/basket/leadops/internal/config"
	"github.com/basket/leadops/internal/idempotency"
	"github.com/basket/leadops/internal/identity"
	"github.com/basket/leadops/internal/notify"
	"github.com/basket/leadops/internal/otel"
	"github.com/basket/leadops/internal/persistence"
	"github.com/basket/leadops/internal/planner"
	"github.com/basket/leadops/internal/policy"
	"github.com/basket/leadops/internal/runner"
	"github.com/basket/leadops/internal/shared"
)

const maxRequestBytes = 1 << 20

// LeadPlanner turns an inbound lead into queued tasks.
type LeadPlanner interface {
	HandleLeadIntake(ctx context.Context, lead planner.Lead, createdBy string) planner.IntakeResult
}

// TickRunner runs one synchronous pass over the role queues.
type TickRunner interface {
	Tick(ctx context.Context) (runner.TickSummary, error)
}

type Config struct {
	Store       *persistence.Store
	Identity    *identity.Service
	Policy      policy.Checker
	Planner     LeadPlanner
	Runner      TickRunner
	Notifier    *notify.Notifier
	Idempotency *idempotency.Cache
	Audit       *audit.Logger
	Bus         *bus.Bus
	Logger      *slog.Logger
	Telemetry   *otel.Provider
	Metrics     *otel.Metrics

	// AllowOrigins controls CORS and the accepted Origin patterns for
	// browser WebSocket connections. Empty means same-origin only.
	AllowOrigins []string
	RateLimit    config.RateLimitConfig

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimiter
}

func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Store == nil:
		return nil, shared.NewError(shared.KindConfiguration, "gateway requires a store")
	case cfg.Identity == nil:
		return nil, shared.NewError(shared.KindConfiguration, "gateway requires an identity service")
	case cfg.Policy == nil:
		return nil, shared.NewError(shared.KindConfiguration, "gateway requires a policy checker")
	case cfg.Planner == nil:
		return nil, shared.NewError(shared.KindConfiguration, "gateway requires a planner")
	case cfg.Runner == nil:
		return nil, shared.NewError(shared.KindConfiguration, "gateway requires a runner")
	}
	if cfg.Idempotency == nil {
		cfg.Idempotency = idempotency.New(cfg.Store)
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.New(cfg.Store, cfg.Logger)
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = otel.Noop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		limiter: NewRateLimiter(cfg.RateLimit),
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)
	r.Use(NewCORSMiddleware(s.cfg.AllowOrigins))
	r.Use(RequestSizeLimitMiddleware(maxRequestBytes))

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.limiter.Middleware)

		r.With(s.require("tasks:read")).Get("/ws", s.handleStream)

		r.Route("/api", func(r chi.Router) {
			r.With(s.require("leads:create")).Post("/leads", s.handleLeadIntake)
			r.With(s.require("tasks:run")).Post("/runner/tick", s.handleTick)

			r.Route("/tasks", func(r chi.Router) {
				r.With(s.require("tasks:read")).Get("/", s.handleListTasks)
				r.With(s.require("tasks:read")).Get("/{id}", s.handleGetTask)
				r.With(s.require("tasks:requeue")).Post("/{id}/requeue", s.handleRequeue)
				r.With(s.requireSuperAdmin("tasks:approve")).Post("/{id}/approve", s.handleApprove)
			})

			r.With(s.require("audit:read")).Get("/audit", s.handleAudit)
			r.With(s.require("reports:read")).Get("/digest", s.handleDigest)

			r.Route("/agents", func(r chi.Router) {
				r.With(s.require("agents:create")).Post("/", s.handleCreateAgent)
				r.With(s.require("agents:read")).Get("/", s.handleListAgents)
				r.With(s.require("agents:deactivate")).Post("/{id}/deactivate", s.handleDeactivateAgent)
				r.With(s.require("agents:create")).Post("/{id}/rotate", s.handleRotateAgent)
			})

			r.With(s.require("policy:check")).Post("/policy/check", s.handlePolicyCheck)
		})
	})
	return r
}

// observe attaches a trace id, a server span, and the request duration
// histogram to every request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set("X-Trace-ID", traceID)

		ctx := gootel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx = shared.WithTraceID(ctx, traceID)
		ctx, span := otel.StartServerSpan(ctx, s.cfg.Telemetry.Tracer, "http "+r.Method,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(attribute.String("http.route", route), attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		))
	})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    shared.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind shared.ErrorKind) int {
	switch kind {
	case shared.KindUnauthenticated:
		return http.StatusUnauthorized
	case shared.KindPermissionDenied, shared.KindApprovalRequired:
		return http.StatusForbidden
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindInvalidInput:
		return http.StatusBadRequest
	case shared.KindConflict, shared.KindConcurrencyMiss:
		return http.StatusConflict
	case shared.KindRateLimited:
		return http.StatusTooManyRequests
	case shared.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case shared.KindExecution:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := shared.KindOf(err)
	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "kind", kind, "error", err)
	}
	msg := shared.PublicMessage(err)
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("\n"))
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return shared.WrapError(shared.KindInvalidInput, err, "malformed request body")
	}
	return nil
}

// StartMaintenance evicts idle rate-limit buckets until ctx is done.
func (s *Server) StartMaintenance(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

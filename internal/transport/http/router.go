// Package httptransport exposes the operator HTTP API: document submission,
// the contingency outbox and the status tracker.
package httptransport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"dtesync/internal/contingency/service"
	"dtesync/internal/coordinator"
	"dtesync/internal/dte/models"
	"dtesync/internal/invoice"
	id "dtesync/pkg/domain"
	dErrors "dtesync/pkg/domain-errors"
	"dtesync/pkg/platform/httputil"
	"dtesync/pkg/platform/middleware/admin"
	"dtesync/pkg/platform/middleware/request"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultHealthTimeout = 5 * time.Second
)

// Submitter delivers documents.
type Submitter interface {
	Submit(ctx context.Context, doc models.Document, sc models.SubmissionContext) (*coordinator.Outcome, error)
}

// Invoices reads the application-side document records.
type Invoices interface {
	Get(ctx context.Context, docID id.DocumentID) (*invoice.Record, error)
	List(ctx context.Context) ([]*invoice.Record, error)
}

// Queue is the contingency outbox.
type Queue interface {
	CreateContingencyRequest(ctx context.Context, doc models.Document, sc models.SubmissionContext, reason models.Reason) (*service.CreateResult, error)
	GetRequest(ctx context.Context, reqID id.RequestID) (*models.ContingencyRequest, error)
	ListRequests(ctx context.Context, filter service.ListFilter) ([]*models.ContingencyRequest, error)
	Stats(ctx context.Context) (*service.Stats, error)
	RetryRequest(ctx context.Context, reqID id.RequestID) (*service.SubmitResult, error)
	RemoveRequest(ctx context.Context, reqID id.RequestID, force bool) error
	SubmitPendingRequests(ctx context.Context) (*service.SubmitResult, error)
	CleanupOldRequests(ctx context.Context) (int, error)
	StartAutoSubmission(ctx context.Context) bool
	StopAutoSubmission() bool
	IsAutoSubmissionRunning() bool
	InContingencyMode() bool
}

// Tracker is the status tracker.
type Tracker interface {
	StartTracking(ctx context.Context, target models.TrackingTarget, opts ...models.TrackingOptions) error
	StopTracking(docID id.DocumentID) bool
	StopAllTracking() int
	CheckNow(ctx context.Context, docID id.DocumentID) (bool, error)
	Entry(docID id.DocumentID) (*models.TrackingEntry, bool)
	Entries() []*models.TrackingEntry
}

// HealthChecker probes the authority.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// Handler serves the operator API.
type Handler struct {
	submitter  Submitter
	invoices   Invoices
	queue      Queue
	tracker    Tracker
	health     HealthChecker
	events     http.Handler
	metrics    http.Handler
	adminToken string
	base       context.Context
	timeout    time.Duration
	logger     *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithHealthChecker reports authority health on /status.
func WithHealthChecker(hc HealthChecker) Option {
	return func(h *Handler) {
		h.health = hc
	}
}

// WithEventStream mounts the event stream on /events.
func WithEventStream(stream http.Handler) Option {
	return func(h *Handler) {
		h.events = stream
	}
}

// WithMetricsHandler mounts the metrics handler on /metrics.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithAdminToken requires the X-Admin-Token header on mutating routes.
func WithAdminToken(token string) Option {
	return func(h *Handler) {
		h.adminToken = token
	}
}

// WithBaseContext sets the context the auto-submission sweep runs under
// when started over HTTP. It defaults to context.Background.
func WithBaseContext(ctx context.Context) Option {
	return func(h *Handler) {
		if ctx != nil {
			h.base = ctx
		}
	}
}

// WithTimeout bounds every non-streaming request.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New creates the handler.
func New(submitter Submitter, invoices Invoices, queue Queue, tracker Tracker, opts ...Option) (*Handler, error) {
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if invoices == nil {
		return nil, fmt.Errorf("invoice store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("contingency queue is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	h := &Handler{
		submitter: submitter,
		invoices:  invoices,
		queue:     queue,
		tracker:   tracker,
		base:      context.Background(),
		timeout:   defaultTimeout,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// NewRouter builds the chi router with the shared middleware stack.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(request.Recovery(h.logger))
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(request.Logger(h.logger))
	h.Register(r)
	return r
}

// Register registers every route on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.handleHealthz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	if h.events != nil {
		r.Method(http.MethodGet, "/events", h.events)
	}

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(h.timeout))
		r.Get("/status", h.handleStatus)

		r.Get("/documents", h.handleListDocuments)
		r.Get("/documents/{documentID}", h.handleGetDocument)

		r.Get("/contingency/requests", h.handleListRequests)
		r.Get("/contingency/requests/{requestID}", h.handleGetRequest)
		r.Get("/contingency/stats", h.handleStats)

		r.Get("/tracking", h.handleListTracking)
		r.Get("/tracking/{documentID}", h.handleGetTracking)

		r.Group(func(r chi.Router) {
			r.Use(admin.RequireAdminToken(h.adminToken, h.logger))
			r.Post("/documents", h.handleSubmitDocument)

			r.Post("/contingency/requests", h.handleCreateRequest)
			r.Post("/contingency/requests/{requestID}/retry", h.handleRetryRequest)
			r.Delete("/contingency/requests/{requestID}", h.handleRemoveRequest)
			r.Post("/contingency/sweep", h.handleSweep)
			r.Post("/contingency/cleanup", h.handleCleanup)
			r.Post("/contingency/auto-submission", h.handleStartAutoSubmission)
			r.Delete("/contingency/auto-submission", h.handleStopAutoSubmission)

			r.Post("/tracking", h.handleStartTracking)
			r.Post("/tracking/{documentID}/check", h.handleCheckNow)
			r.Delete("/tracking/{documentID}", h.handleStopTracking)
			r.Delete("/tracking", h.handleStopAllTracking)
		})
	})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse summarises the delivery pipeline.
type StatusResponse struct {
	AuthorityHealthy *bool          `json:"authority_healthy,omitempty"`
	ContingencyMode  bool           `json:"contingency_mode"`
	AutoSubmission   bool           `json:"auto_submission"`
	Tracked          int            `json:"tracked"`
	Queue            *service.Stats `json:"queue"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := h.queue.Stats(ctx)
	if err != nil {
		h.fail(w, r, "failed to read queue stats", err)
		return
	}
	resp := StatusResponse{
		ContingencyMode: h.queue.InContingencyMode(),
		AutoSubmission:  h.queue.IsAutoSubmissionRunning(),
		Tracked:         len(h.tracker.Entries()),
		Queue:           stats,
	}
	if h.health != nil {
		hctx, cancel := context.WithTimeout(ctx, defaultHealthTimeout)
		healthy := h.health.HealthCheck(hctx)
		cancel()
		resp.AuthorityHealthy = &healthy
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// fail logs err at a level matching its status and writes the error body.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	ctx := r.Context()
	attrs := []any{"request_id", chimw.GetReqID(ctx), "error", err}
	switch dErrors.CodeOf(err) {
	case dErrors.CodeInternal, dErrors.CodeUnavailable:
		h.logger.ErrorContext(ctx, msg, attrs...)
	default:
		h.logger.WarnContext(ctx, msg, attrs...)
	}
	httputil.WriteError(w, err)
}

func documentIDParam(r *http.Request) (id.DocumentID, error) {
	return id.ParseDocumentID(chi.URLParam(r, "documentID"))
}

func requestIDParam(r *http.Request) (id.RequestID, error) {
	return id.ParseRequestID(chi.URLParam(r, "requestID"))
}

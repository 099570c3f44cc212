// Package service implements the contingency outbox: documents the
// authority could not take are queued durably and resubmitted by a
// periodic sweep until they are accepted, rejected or out of attempts.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"dtesync/internal/contingency/metrics"
	"dtesync/internal/contingency/store"
	"dtesync/internal/dte/models"
	"dtesync/internal/dte/ports"
	id "dtesync/pkg/domain"
	"dtesync/pkg/platform/circuit"
	"dtesync/pkg/platform/scheduler"
)

// Defaults applied to zero Config fields.
const (
	DefaultSweepInterval   = time.Minute
	DefaultMaxAttempts     = 5
	DefaultRetentionWindow = 7 * 24 * time.Hour
	DefaultRequestTimeout  = 30 * time.Second
)

// Config tunes the outbox.
type Config struct {
	SweepInterval   time.Duration
	MaxAttempts     int
	RetentionWindow time.Duration
	// RequestTimeout bounds one Submit call.
	RequestTimeout time.Duration
	// BackoffBase enables exponential spacing between attempts of one
	// request (base, 2*base, 4*base ... capped at BackoffMax). Zero disables it
	// and every sweep retries every eligible request.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Breaker thresholds for ShouldActivateContingency.
	FailureThreshold int
	SuccessThreshold int
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = DefaultRetentionWindow
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.BackoffBase > 0 && c.BackoffMax < c.BackoffBase {
		c.BackoffMax = 32 * c.BackoffBase
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 1
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	return c
}

// OutboxStore is the persistence the service needs.
type OutboxStore interface {
	List(ctx context.Context) ([]*models.ContingencyRequest, error)
	Get(ctx context.Context, reqID id.RequestID) (*models.ContingencyRequest, error)
	Execute(ctx context.Context, fn func(ob *store.Outbox) error) error
}

// SweepHook receives the result of every sweep that ran.
type SweepHook func(ctx context.Context, res *SubmitResult)

// Service owns the outbox.
type Service struct {
	client  ports.SubmissionClient
	store   OutboxStore
	cfg     Config
	breaker *circuit.Breaker
	sweeper *scheduler.Task
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   func() time.Time
	hooks   []SweepHook

	mu       sync.Mutex
	inFlight map[id.RequestID]struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithTracer overrides the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithSweepHook registers fn to run after each sweep or manual retry.
func WithSweepHook(fn SweepHook) Option {
	return func(s *Service) {
		if fn != nil {
			s.hooks = append(s.hooks, fn)
		}
	}
}

// New creates the outbox service.
func New(client ports.SubmissionClient, st OutboxStore, cfg Config, opts ...Option) (*Service, error) {
	if client == nil {
		return nil, fmt.Errorf("submission client is required")
	}
	if st == nil {
		return nil, fmt.Errorf("outbox store is required")
	}
	cfg = cfg.withDefaults()
	s := &Service{
		client: client,
		store:  st,
		cfg:    cfg,
		breaker: circuit.New("authority",
			circuit.WithFailureThreshold(cfg.FailureThreshold),
			circuit.WithSuccessThreshold(cfg.SuccessThreshold),
		),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:   otel.Tracer("dtesync/contingency"),
		clock:    time.Now,
		inFlight: make(map[id.RequestID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sweeper = scheduler.New("contingency-sweep", cfg.SweepInterval, s.sweepTick)
	return s, nil
}

// AddSweepHook registers fn after construction.
func (s *Service) AddSweepHook(fn SweepHook) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// StartAutoSubmission starts the periodic sweep. Returns false when it was
// already running.
func (s *Service) StartAutoSubmission(ctx context.Context) bool {
	started := s.sweeper.Start(ctx)
	if started {
		s.logger.InfoContext(ctx, "contingency auto-submission started", "interval", s.cfg.SweepInterval)
	}
	return started
}

// StopAutoSubmission stops the sweep. A sweep in progress sees its context
// cancelled and stops before the next request. Returns false when it was
// not running.
func (s *Service) StopAutoSubmission() bool {
	stopped := s.sweeper.Stop()
	if stopped {
		s.logger.Info("contingency auto-submission stopped")
	}
	return stopped
}

// IsAutoSubmissionRunning reports whether the sweep is scheduled.
func (s *Service) IsAutoSubmissionRunning() bool {
	return s.sweeper.Running()
}

// WaitAutoSubmission blocks until a stopped sweep loop has exited.
func (s *Service) WaitAutoSubmission() {
	s.sweeper.Wait()
}

func (s *Service) sweepTick(ctx context.Context) {
	if _, err := s.SubmitPendingRequests(ctx); err != nil {
		s.logger.ErrorContext(ctx, "contingency sweep failed", "error", err)
	}
}

// ShouldActivateContingency probes the authority. An unhealthy probe always
// means contingency; after that, SuccessThreshold consecutive healthy probes
// are needed before normal submission resumes.
func (s *Service) ShouldActivateContingency(ctx context.Context) bool {
	healthy := s.client.HealthCheck(ctx)

	var active bool
	var change circuit.StateChange
	if healthy {
		var usePrimary bool
		usePrimary, change = s.breaker.RecordSuccess()
		active = !usePrimary
	} else {
		_, change = s.breaker.RecordFailure()
		active = true
	}

	switch {
	case change.Opened:
		s.logger.WarnContext(ctx, "entering contingency mode: authority unavailable")
	case change.Closed:
		s.logger.InfoContext(ctx, "leaving contingency mode: authority healthy")
	}
	s.metrics.SetContingencyMode(s.breaker.IsOpen())
	return active
}

// InContingencyMode reports the breaker position without probing.
func (s *Service) InContingencyMode() bool {
	return s.breaker.IsOpen()
}

func (s *Service) claim(reqID id.RequestID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[reqID]; busy {
		return false
	}
	s.inFlight[reqID] = struct{}{}
	return true
}

func (s *Service) release(reqID id.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, reqID)
}

func (s *Service) isInFlight(reqID id.RequestID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.inFlight[reqID]
	return busy
}

func (s *Service) sweepHooks() []SweepHook {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SweepHook(nil), s.hooks...)
}

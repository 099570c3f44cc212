// Package service implements the status tracker: documents the authority
// accepted for processing are polled until they reach a final disposition,
// run out of retries or run out of time.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"dtesync/internal/dte/models"
	"dtesync/internal/dte/ports"
	"dtesync/internal/events"
	"dtesync/internal/tracking/metrics"
	"dtesync/internal/tracking/store"
	id "dtesync/pkg/domain"
	dErrors "dtesync/pkg/domain-errors"
	"dtesync/pkg/platform/scheduler"
	"dtesync/pkg/platform/sentinel"
)

const (
	defaultBatchConcurrency = 8
	storeTimeout            = 5 * time.Second
)

// Bookkeeping persists what is needed to resume polling after a restart.
type Bookkeeping interface {
	Save(ctx context.Context, rec store.Record) error
	Delete(ctx context.Context, docID id.DocumentID) error
	List(ctx context.Context) ([]store.Record, error)
}

// Service tracks documents by polling the authority.
type Service struct {
	client   ports.SubmissionClient
	store    Bookkeeping
	observer events.Observer
	defaults models.TrackingOptions
	batch    int
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	clock    func() time.Time

	mu      sync.Mutex
	entries map[id.DocumentID]*entry
	// closing holds detached entries until their terminal event is out.
	closing map[id.DocumentID]*entry
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

// WithClock overrides time.Now for event timestamps and bookkeeping.
// Timers always run on the wall clock.
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

// WithDefaults sets the options applied to zero per-entry fields.
func WithDefaults(o models.TrackingOptions) Option {
	return func(s *Service) {
		s.defaults = o
	}
}

// WithBatchConcurrency bounds the fan-out of StartBatchTracking.
func WithBatchConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batch = n
		}
	}
}

// New creates the tracker. A nil observer discards events.
func New(client ports.SubmissionClient, st Bookkeeping, observer events.Observer, opts ...Option) (*Service, error) {
	if client == nil {
		return nil, fmt.Errorf("submission client is required")
	}
	if st == nil {
		return nil, fmt.Errorf("tracking store is required")
	}
	if observer == nil {
		observer = events.NopObserver{}
	}
	s := &Service{
		client:   client,
		store:    st,
		observer: observer,
		batch:    defaultBatchConcurrency,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:   otel.Tracer("dtesync/tracking"),
		clock:    time.Now,
		entries:  make(map[id.DocumentID]*entry),
		closing:  make(map[id.DocumentID]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Defaults returns the effective default options.
func (s *Service) Defaults() models.TrackingOptions {
	return models.TrackingOptions{}.WithDefaults(s.defaults)
}

// StartTracking begins polling for target. An existing entry for the same
// document is replaced, so a document never has two pollers. The first poll
// runs immediately. Polling outlives ctx; only its values are kept.
func (s *Service) StartTracking(ctx context.Context, target models.TrackingTarget, opts ...models.TrackingOptions) error {
	if err := validateTarget(target); err != nil {
		return err
	}
	o := s.resolve(opts)
	rec := store.Record{Target: target, Options: o, StartedAt: s.clock()}
	if err := s.store.Save(ctx, rec); err != nil {
		return storeErr(err)
	}
	s.launch(ctx, rec)
	return nil
}

// StopTracking cancels polling for docID and drops its bookkeeping. No event
// for docID is emitted once it returns. It is a no-op for untracked documents;
// when the entry is already finishing it waits for the terminal event.
//
// It must not be called for the same document from inside an observer callback.
func (s *Service) StopTracking(docID id.DocumentID) bool {
	s.mu.Lock()
	e, ok := s.entries[docID]
	if ok {
		delete(s.entries, docID)
	}
	finishing := s.closing[docID]
	n := len(s.entries)
	s.mu.Unlock()
	if !ok {
		if finishing != nil {
			<-finishing.done
		}
		return false
	}
	e.stop()
	s.metrics.SetTracked(n)
	s.forget(e.ctx, docID)
	s.logger.InfoContext(e.ctx, "tracking stopped", "document_id", docID)
	return true
}

// StopAllTracking cancels every poller and emits one AllTrackingStopped
// event. Bookkeeping is kept so that Resume can pick the entries up again.
func (s *Service) StopAllTracking() int {
	s.mu.Lock()
	all := s.entries
	s.entries = make(map[id.DocumentID]*entry)
	finishing := make([]*entry, 0, len(s.closing))
	for _, e := range s.closing {
		finishing = append(finishing, e)
	}
	s.mu.Unlock()

	for _, e := range all {
		e.stop()
	}
	for _, e := range finishing {
		<-e.done
	}
	s.metrics.SetTracked(0)
	ctx := context.Background()
	s.logger.InfoContext(ctx, "all tracking stopped", "count", len(all))
	s.observer.OnAllTrackingStopped(ctx, events.AllTrackingStopped{Count: len(all), Timestamp: s.clock()})
	return len(all)
}

// IsTracking reports whether docID has an active poller.
func (s *Service) IsTracking(docID id.DocumentID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[docID]
	return ok
}

// TrackedDocumentIDs lists tracked documents in ID order.
func (s *Service) TrackedDocumentIDs() []id.DocumentID {
	s.mu.Lock()
	ids := make([]id.DocumentID, 0, len(s.entries))
	for docID := range s.entries {
		ids = append(ids, docID)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Entry returns a snapshot of the entry for docID.
func (s *Service) Entry(docID id.DocumentID) (*models.TrackingEntry, bool) {
	s.mu.Lock()
	e, ok := s.entries[docID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.snapshot(), true
}

// Entries returns snapshots of every tracked entry in ID order.
func (s *Service) Entries() []*models.TrackingEntry {
	ids := s.TrackedDocumentIDs()
	out := make([]*models.TrackingEntry, 0, len(ids))
	for _, docID := range ids {
		if e, ok := s.Entry(docID); ok {
			out = append(out, e)
		}
	}
	return out
}

func (s *Service) resolve(opts []models.TrackingOptions) models.TrackingOptions {
	var o models.TrackingOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return o.WithDefaults(s.defaults)
}

func (s *Service) launch(ctx context.Context, rec store.Record) {
	docID := rec.Target.DocumentID
	ectx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &entry{
		ctx:       ectx,
		cancel:    cancel,
		target:    rec.Target,
		opts:      rec.Options,
		startedAt: rec.StartedAt,
		deadline:  time.Now().Add(rec.Options.Timeout),
		state:     models.TrackingPolling,
		done:      make(chan struct{}),
	}
	e.task = scheduler.New("tracking:"+string(docID), rec.Options.PollingInterval, func(tctx context.Context) {
		s.poll(tctx, e)
	}, scheduler.WithImmediate())

	s.mu.Lock()
	old := s.entries[docID]
	s.entries[docID] = e
	n := len(s.entries)
	e.timer = time.AfterFunc(rec.Options.Timeout, func() { s.expire(e) })
	e.task.Start(ectx)
	s.mu.Unlock()

	if old != nil {
		old.stop()
	}
	s.metrics.SetTracked(n)
	s.logger.InfoContext(ctx, "tracking started",
		"document_id", docID,
		"generation_code", rec.Target.GenerationCode,
		"polling_interval", rec.Options.PollingInterval,
		"timeout", rec.Options.Timeout,
		"replaced", old != nil,
	)
}

// detach removes e if it is still the current entry for its document. The
// caller that detaches an entry owns its terminal event and must call finish
// once the event is out.
func (s *Service) detach(e *entry) bool {
	docID := e.target.DocumentID
	s.mu.Lock()
	cur, ok := s.entries[docID]
	if !ok || cur != e {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, docID)
	s.closing[docID] = e
	n := len(s.entries)
	s.mu.Unlock()

	e.stop()
	s.metrics.SetTracked(n)
	s.forget(e.ctx, docID)
	return true
}

// finish releases stop calls waiting on a detached entry.
func (s *Service) finish(e *entry) {
	s.mu.Lock()
	if s.closing[e.target.DocumentID] == e {
		delete(s.closing, e.target.DocumentID)
	}
	s.mu.Unlock()
	close(e.done)
}

func (s *Service) isCurrent(e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[e.target.DocumentID] == e
}

func (s *Service) forget(ctx context.Context, docID id.DocumentID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := s.store.Delete(ctx, docID); err != nil {
		s.logger.ErrorContext(ctx, "failed to drop tracking bookkeeping", "document_id", docID, "error", err)
	}
}

func validateTarget(t models.TrackingTarget) error {
	if t.DocumentID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "document id is required")
	}
	if t.GenerationCode == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "generation code is required")
	}
	return nil
}

func storeErr(err error) error {
	return dErrors.Wrap(errors.Join(sentinel.ErrUnavailable, err), dErrors.CodeUnavailable, "tracking store unavailable")
}

func notTracked(docID id.DocumentID) error {
	return dErrors.Wrap(sentinel.ErrNotFound, dErrors.CodeNotFound, fmt.Sprintf("document %s is not tracked", docID))
}

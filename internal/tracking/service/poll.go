package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/sync/errgroup"

	"dtesync/internal/authority"
	"dtesync/internal/dte/models"
	"dtesync/internal/events"
	id "dtesync/pkg/domain"
	"dtesync/pkg/platform/scheduler"
)

// Poll results recorded in metrics.
const (
	pollProcessing = "processing"
	pollTerminal   = "terminal"
	pollError      = "error"
	pollDiscarded  = "discarded"
)

type entry struct {
	ctx       context.Context
	cancel    context.CancelFunc
	task      *scheduler.Task
	timer     *time.Timer
	target    models.TrackingTarget
	opts      models.TrackingOptions
	startedAt time.Time
	deadline  time.Time

	mu         sync.Mutex
	busy       bool
	retryCount int
	state      models.TrackingState
	lastStatus models.AuthorityStatusCode
	lastError  string

	// emitMu serialises non-terminal events against stop.
	emitMu  sync.Mutex
	stopped bool

	// done is closed once a detached entry has emitted its terminal event.
	done chan struct{}
}

func (e *entry) acquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy || e.state.IsTerminal() {
		return false
	}
	e.busy = true
	return true
}

func (e *entry) releaseBusy() {
	e.mu.Lock()
	e.busy = false
	e.mu.Unlock()
}

func (e *entry) setState(st models.TrackingState) {
	e.mu.Lock()
	e.state = st
	e.mu.Unlock()
}

func (e *entry) snapshot() *models.TrackingEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &models.TrackingEntry{
		Target:     e.target,
		Options:    e.opts,
		RetryCount: e.retryCount,
		State:      e.state,
		StartedAt:  e.startedAt,
		LastStatus: e.lastStatus,
		LastError:  e.lastError,
	}
}

// emit runs fn unless the entry was stopped. stop waits for a running fn.
func (e *entry) emit(fn func()) bool {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	if e.stopped {
		return false
	}
	fn()
	return true
}

func (e *entry) stop() {
	e.emitMu.Lock()
	e.stopped = true
	e.emitMu.Unlock()
	e.timer.Stop()
	e.task.Stop()
	e.cancel()
}

// CheckNow polls docID immediately. It reports false when a poll for the
// document is already outstanding.
func (s *Service) CheckNow(ctx context.Context, docID id.DocumentID) (bool, error) {
	s.mu.Lock()
	e, ok := s.entries[docID]
	s.mu.Unlock()
	if !ok {
		return false, notTracked(docID)
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return s.poll(e.ctx, e), nil
}

// StartBatchTracking starts every target and returns how many started.
// A failing target does not prevent the others from starting.
func (s *Service) StartBatchTracking(ctx context.Context, targets []models.TrackingTarget, opts ...models.TrackingOptions) (int, error) {
	var (
		mu      sync.Mutex
		started int
	)
	g := new(errgroup.Group)
	g.SetLimit(s.batch)
	for _, t := range targets {
		g.Go(func() error {
			if err := s.StartTracking(ctx, t, opts...); err != nil {
				s.logger.WarnContext(ctx, "batch tracking: start failed", "document_id", t.DocumentID, "error", err)
				return fmt.Errorf("track %s: %w", t.DocumentID, err)
			}
			mu.Lock()
			started++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	s.logger.InfoContext(ctx, "batch tracking started", "requested", len(targets), "started", started)
	return started, err
}

// Resume restarts polling for every persisted entry as a fresh entry.
func (s *Service) Resume(ctx context.Context) (int, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return 0, storeErr(err)
	}
	started := 0
	for _, rec := range recs {
		if s.IsTracking(rec.Target.DocumentID) {
			continue
		}
		if err := s.StartTracking(ctx, rec.Target, rec.Options); err != nil {
			s.logger.WarnContext(ctx, "resume tracking failed", "document_id", rec.Target.DocumentID, "error", err)
			continue
		}
		started++
	}
	return started, nil
}

// poll runs one status query for e. It reports false when skipped.
func (s *Service) poll(ctx context.Context, e *entry) bool {
	if !e.acquire() {
		return false
	}
	defer e.releaseBusy()

	remaining := time.Until(e.deadline)
	if remaining <= 0 {
		s.expire(e)
		return true
	}
	callTimeout := min(e.opts.RequestTimeout, remaining)

	ctx, span := s.tracer.Start(ctx, "tracking.poll", trace.WithAttributes(
		attribute.String("document_id", string(e.target.DocumentID)),
		attribute.String("generation_code", e.target.GenerationCode),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	status, err := s.client.GetStatus(callCtx, e.target)
	cancel()
	if err == nil && status == nil {
		err = authority.NewError(authority.CategoryBadResponse, "empty status response", nil)
	}

	if ctx.Err() != nil || !s.isCurrent(e) {
		s.metrics.ObservePoll(pollDiscarded)
		return true
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "status query failed")
		s.pollFailed(ctx, e, err)
		return true
	}

	span.SetAttributes(attribute.String("status", status.Status.String()))
	e.mu.Lock()
	e.lastStatus = status.Status
	e.lastError = ""
	e.mu.Unlock()

	if !status.Status.IsTerminal() {
		s.metrics.ObservePoll(pollProcessing)
		return true
	}
	s.metrics.ObservePoll(pollTerminal)
	s.complete(ctx, e, status)
	return true
}

func (s *Service) pollFailed(ctx context.Context, e *entry, err error) {
	s.metrics.ObservePoll(pollError)
	e.mu.Lock()
	e.retryCount++
	retries := e.retryCount
	e.lastError = err.Error()
	e.mu.Unlock()

	s.logger.WarnContext(ctx, "status query failed",
		"document_id", e.target.DocumentID,
		"retry_count", retries,
		"max_retries", e.opts.RetryBudget(),
		"error", err,
	)
	emitted := e.emit(func() {
		s.observer.OnStatusError(ctx, events.StatusError{
			DocumentID:     e.target.DocumentID,
			DocumentNumber: e.target.DocumentNumber,
			Error:          err.Error(),
			RetryCount:     retries,
			Timestamp:      s.clock(),
		})
	})
	if !emitted || retries <= e.opts.RetryBudget() {
		return
	}
	if !s.detach(e) {
		return
	}
	defer s.finish(e)
	ctx = context.WithoutCancel(ctx)
	e.setState(models.TrackingFailed)
	s.metrics.ObserveTerminal(string(models.TrackingFailed))
	reason := fmt.Sprintf("max retries (%d) exceeded: %v", e.opts.RetryBudget(), err)
	s.logger.ErrorContext(ctx, "tracking failed", "document_id", e.target.DocumentID, "reason", reason)
	s.observer.OnTrackingFailed(ctx, events.TrackingFailed{
		DocumentID:     e.target.DocumentID,
		DocumentNumber: e.target.DocumentNumber,
		Reason:         reason,
		Timestamp:      s.clock(),
	})
}

func (s *Service) complete(ctx context.Context, e *entry, status *models.AuthorityStatus) {
	if !s.detach(e) {
		return
	}
	defer s.finish(e)
	ctx = context.WithoutCancel(ctx)
	e.setState(models.TrackingCompleted)
	s.metrics.ObserveTerminal(string(models.TrackingCompleted))
	s.logger.InfoContext(ctx, "tracking completed",
		"document_id", e.target.DocumentID,
		"status", status.Status,
		"elapsed", s.clock().Sub(e.startedAt),
	)
	s.observer.OnStatusUpdate(ctx, events.StatusUpdate{
		DocumentID:     e.target.DocumentID,
		DocumentNumber: e.target.DocumentNumber,
		NewStatus:      status.Status,
		GenerationCode: firstNonEmpty(status.GenerationCode, e.target.GenerationCode),
		ControlNumber:  status.ControlNumber,
		ReceptionSeal:  status.ReceptionSeal,
		Message:        status.Message,
		Observations:   status.Observations,
		Timestamp:      s.clock(),
	})
}

func (s *Service) expire(e *entry) {
	if !s.detach(e) {
		return
	}
	defer s.finish(e)
	e.setState(models.TrackingTimedOut)
	s.metrics.ObserveTerminal(string(models.TrackingTimedOut))
	ctx := context.WithoutCancel(e.ctx)
	s.logger.WarnContext(ctx, "tracking timed out", "document_id", e.target.DocumentID, "timeout", e.opts.Timeout)
	s.observer.OnTrackingTimeout(ctx, events.TrackingTimeout{
		DocumentID:     e.target.DocumentID,
		DocumentNumber: e.target.DocumentNumber,
		Timestamp:      s.clock(),
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

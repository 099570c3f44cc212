package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dtesync/internal/authority"
	"dtesync/internal/contingency/metrics"
	"dtesync/internal/contingency/store"
	"dtesync/internal/dte/models"
	id "dtesync/pkg/domain"
	dErrors "dtesync/pkg/domain-errors"
	"dtesync/pkg/platform/sentinel"
)

// SubmitPendingRequests resubmits every eligible request, oldest first, one
// at a time. Exhausted, rejected, in-flight and not-yet-due requests are
// skipped. A failed submission is recorded on its request and never stops
// the batch; only store failures are returned as errors. Cancelling ctx
// stops the sweep before the next request.
func (s *Service) SubmitPendingRequests(ctx context.Context) (*SubmitResult, error) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "contingency.sweep")
	defer span.End()

	res := &SubmitResult{Results: []RequestOutcome{}}
	if ctx.Err() != nil {
		res.Success = true
		return res, nil
	}
	now := s.clock()
	var batch []*models.ContingencyRequest
	err := s.store.Execute(ctx, func(ob *store.Outbox) error {
		for _, r := range ob.All() {
			if !r.IsActive() {
				continue
			}
			if r.IsExhausted(s.cfg.MaxAttempts) || r.IsRejected() || !s.due(r, now) || !s.claim(r.ID) {
				res.Skipped++
				continue
			}
			batch = append(batch, r.Clone())
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load outbox")
		return nil, storeErr(err)
	}

	var persistErr error
	for i, r := range batch {
		if ctx.Err() != nil {
			for _, rest := range batch[i:] {
				s.release(rest.ID)
			}
			res.Skipped += len(batch) - i
			s.logger.InfoContext(ctx, "contingency sweep cancelled", "remaining", len(batch)-i)
			break
		}
		outcome, err := s.submitOne(ctx, r)
		s.release(r.ID)
		if err != nil && persistErr == nil {
			persistErr = err
		}
		res.Results = append(res.Results, outcome)
		if outcome.Submitted {
			res.Submitted++
		} else {
			res.Failed++
		}
	}
	res.Success = res.Failed == 0 && persistErr == nil

	span.SetAttributes(
		attribute.Int("dte.submitted", res.Submitted),
		attribute.Int("dte.failed", res.Failed),
		attribute.Int("dte.skipped", res.Skipped),
	)
	s.metrics.ObserveSweep(started)
	s.refreshDepth(ctx)
	if len(batch) > 0 {
		s.logger.InfoContext(ctx, "contingency sweep finished",
			"submitted", res.Submitted,
			"failed", res.Failed,
			"skipped", res.Skipped,
		)
	}
	s.runHooks(ctx, res)

	if persistErr != nil {
		span.RecordError(persistErr)
		span.SetStatus(codes.Error, "persist outcome")
		return res, storeErr(persistErr)
	}
	return res, nil
}

// RetryRequest submits one request now, bypassing the attempt budget, the
// rejection flag and backoff. Counters follow the same rules as a sweep.
func (s *Service) RetryRequest(ctx context.Context, reqID id.RequestID) (*SubmitResult, error) {
	var target *models.ContingencyRequest
	err := s.store.Execute(ctx, func(ob *store.Outbox) error {
		r := ob.Get(reqID)
		if r == nil {
			return notFound(reqID)
		}
		if r.IsSubmitted {
			return dErrors.Wrap(sentinel.ErrInvalidState, dErrors.CodeInvalidState, "request was already submitted")
		}
		if !s.claim(reqID) {
			return dErrors.Wrap(sentinel.ErrBusy, dErrors.CodeConflict, "request has a submission in flight")
		}
		target = r.Clone()
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}

	outcome, persistErr := s.submitOne(ctx, target)
	s.release(reqID)

	res := &SubmitResult{Results: []RequestOutcome{outcome}}
	if outcome.Submitted {
		res.Submitted = 1
	} else {
		res.Failed = 1
	}
	res.Success = outcome.Submitted && persistErr == nil
	s.refreshDepth(ctx)
	s.runHooks(ctx, res)
	if persistErr != nil {
		return res, storeErr(persistErr)
	}
	return res, nil
}

// submitOne calls the authority for r and records the result. The returned
// outcome is always filled; the error reports a failure to persist it.
func (s *Service) submitOne(ctx context.Context, r *models.ContingencyRequest) (RequestOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "contingency.submit", trace.WithAttributes(
		attribute.String("dte.document_id", r.DocumentID().String()),
		attribute.String("dte.request_id", r.ID.String()),
		attribute.Int("dte.attempt", r.SubmissionAttempts+1),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	acc, callErr := s.client.Submit(callCtx, r.DocumentSnapshot, r.Context)
	cancel()
	if callErr == nil && acc == nil {
		callErr = authority.NewError(authority.CategoryBadResponse, "empty acceptance", nil)
	}
	now := s.clock()
	kind := failureKind(callErr)

	apply := func(live *models.ContingencyRequest) {
		if callErr == nil {
			live.MarkSubmitted(*acc, now)
			return
		}
		live.RecordFailure(kind, callErr.Error(), now)
	}

	// the attempt happened; record it even if the sweep was cancelled meanwhile
	var updated *models.ContingencyRequest
	persistErr := s.store.Execute(context.WithoutCancel(ctx), func(ob *store.Outbox) error {
		ob.Update(r.ID, func(live *models.ContingencyRequest) {
			apply(live)
			updated = live.Clone()
		})
		return nil
	})
	if updated == nil {
		apply(r)
		updated = r
		if persistErr == nil {
			s.logger.WarnContext(ctx, "contingency request vanished during submission", "request_id", r.ID)
		}
	}

	outcome := RequestOutcome{
		RequestID:      r.ID,
		DocumentID:     r.DocumentID(),
		DocumentNumber: r.DocumentSnapshot.Number,
		Submitted:      callErr == nil,
		Attempts:       updated.SubmissionAttempts,
		Request:        updated,
	}
	if callErr == nil {
		outcome.ControlNumber = acc.ControlNumber
		outcome.GenerationCode = acc.GenerationCode
		outcome.ReceptionSeal = acc.ReceptionSeal
		s.metrics.ObserveSubmission(metrics.OutcomeSubmitted)
		s.logger.InfoContext(ctx, "contingency request submitted",
			"request_id", r.ID,
			"document_id", r.DocumentID(),
			"generation_code", acc.GenerationCode,
		)
	} else {
		outcome.FailureKind = kind
		outcome.Error = callErr.Error()
		s.metrics.ObserveSubmission(outcomeLabel(kind))
		span.RecordError(callErr)
		span.SetStatus(codes.Error, string(kind))
		s.logger.WarnContext(ctx, "contingency submission failed",
			"request_id", r.ID,
			"document_id", r.DocumentID(),
			"attempts", updated.SubmissionAttempts,
			"kind", kind,
			"error", callErr,
		)
	}

	if persistErr != nil {
		s.logger.ErrorContext(ctx, "failed to record contingency attempt",
			"request_id", r.ID,
			"submitted", outcome.Submitted,
			"error", persistErr,
		)
		return outcome, fmt.Errorf("record attempt for %s: %w", r.ID, persistErr)
	}
	return outcome, nil
}

// due applies the optional exponential backoff.
func (s *Service) due(r *models.ContingencyRequest, now time.Time) bool {
	if s.cfg.BackoffBase <= 0 || r.LastAttemptAt == nil || r.SubmissionAttempts == 0 {
		return true
	}
	delay := s.cfg.BackoffBase
	for i := 1; i < r.SubmissionAttempts && delay < s.cfg.BackoffMax; i++ {
		delay *= 2
	}
	if delay > s.cfg.BackoffMax {
		delay = s.cfg.BackoffMax
	}
	return !now.Before(r.LastAttemptAt.Add(delay))
}

func (s *Service) runHooks(ctx context.Context, res *SubmitResult) {
	for _, hook := range s.sweepHooks() {
		hook(ctx, res)
	}
}

func failureKind(err error) models.FailureKind {
	if err == nil {
		return models.FailureNone
	}
	switch authority.CategoryOf(err) {
	case authority.CategoryRejected:
		return models.FailureRejected
	case authority.CategoryTimeout:
		return models.FailureTimeout
	default:
		return models.FailureTransient
	}
}

func outcomeLabel(kind models.FailureKind) string {
	switch kind {
	case models.FailureRejected:
		return metrics.OutcomeRejected
	case models.FailureTimeout:
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeFailed
	}
}

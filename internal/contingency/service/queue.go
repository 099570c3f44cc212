package service

import (
	"context"
	"errors"
	"fmt"

	"dtesync/internal/contingency/store"
	"dtesync/internal/dte/models"
	id "dtesync/pkg/domain"
	dErrors "dtesync/pkg/domain-errors"
	"dtesync/pkg/platform/sentinel"
)

// CreateContingencyRequest queues a snapshot of doc. It does not start the
// sweep. The error return is reserved for invalid input and store failures;
// a duplicate yields Success=false.
func (s *Service) CreateContingencyRequest(ctx context.Context, doc models.Document, sc models.SubmissionContext, reason models.Reason) (*CreateResult, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = models.ReasonOther
	}
	if !reason.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown contingency reason %q", reason))
	}

	req := &models.ContingencyRequest{
		ID:               id.NewRequestID(),
		DocumentSnapshot: doc.Snapshot(),
		Context:          sc,
		Reason:           reason,
		CreatedAt:        s.clock(),
	}

	var existing *models.ContingencyRequest
	err := s.store.Execute(ctx, func(ob *store.Outbox) error {
		if active := ob.ActiveFor(doc.ID); active != nil {
			existing = active.Clone()
			return nil
		}
		ob.Add(req)
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}

	if existing != nil {
		s.logger.InfoContext(ctx, "document already queued for contingency",
			"document_id", doc.ID,
			"request_id", existing.ID,
		)
		return &CreateResult{
			Success: false,
			Message: fmt.Sprintf("document %s already has an active contingency request", doc.ID),
			Request: existing,
		}, nil
	}

	s.metrics.IncEnqueued(string(reason))
	s.logger.InfoContext(ctx, "document queued for contingency",
		"document_id", doc.ID,
		"request_id", req.ID,
		"reason", reason,
	)
	s.refreshDepth(ctx)
	return &CreateResult{
		Success: true,
		Message: "contingency request created",
		Request: req.Clone(),
	}, nil
}

// RemoveRequest deletes a request. Submitted requests need force; requests
// with a submission in flight are refused.
func (s *Service) RemoveRequest(ctx context.Context, reqID id.RequestID, force bool) error {
	err := s.store.Execute(ctx, func(ob *store.Outbox) error {
		r := ob.Get(reqID)
		if r == nil {
			return notFound(reqID)
		}
		if s.isInFlight(reqID) {
			return dErrors.Wrap(sentinel.ErrBusy, dErrors.CodeConflict, "request has a submission in flight")
		}
		if r.IsSubmitted && !force {
			return dErrors.Wrap(sentinel.ErrInvalidState, dErrors.CodeInvalidState, "request was already submitted; use force to remove it")
		}
		ob.Remove(reqID)
		return nil
	})
	if err != nil {
		return storeErr(err)
	}
	s.logger.InfoContext(ctx, "contingency request removed", "request_id", reqID, "force", force)
	s.refreshDepth(ctx)
	return nil
}

// CleanupOldRequests removes requests that are submitted or out of attempts
// and older than the retention window.
func (s *Service) CleanupOldRequests(ctx context.Context) (int, error) {
	cutoff := s.clock().Add(-s.cfg.RetentionWindow)
	removed := 0
	err := s.store.Execute(ctx, func(ob *store.Outbox) error {
		removed = ob.RemoveIf(func(r *models.ContingencyRequest) bool {
			if s.isInFlight(r.ID) {
				return false
			}
			finished := r.IsSubmitted || r.IsExhausted(s.cfg.MaxAttempts)
			return finished && !r.CreatedAt.After(cutoff)
		})
		return nil
	})
	if err != nil {
		return 0, storeErr(err)
	}
	if removed > 0 {
		s.logger.InfoContext(ctx, "contingency cleanup removed requests", "count", removed)
		s.metrics.AddCleanupRemoved(removed)
		s.refreshDepth(ctx)
	}
	return removed, nil
}

// GetRequest returns one request.
func (s *Service) GetRequest(ctx context.Context, reqID id.RequestID) (*models.ContingencyRequest, error) {
	r, err := s.store.Get(ctx, reqID)
	if err != nil {
		return nil, storeErr(err)
	}
	return r, nil
}

// ActiveRequest returns the request still awaiting delivery for docID, or
// nil when the document has none.
func (s *Service) ActiveRequest(ctx context.Context, docID id.DocumentID) (*models.ContingencyRequest, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	for _, r := range all {
		if r.IsActive() && r.DocumentID() == docID {
			return r, nil
		}
	}
	return nil, nil
}

// ListRequests returns requests oldest first.
func (s *Service) ListRequests(ctx context.Context, filter ListFilter) ([]*models.ContingencyRequest, error) {
	if filter.State != "" && !validState(filter.State) {
		return nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown state %q", filter.State))
	}
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]*models.ContingencyRequest, 0, len(all))
	for _, r := range all {
		if filter.State != "" && s.stateOf(r) != filter.State {
			continue
		}
		if !filter.DocumentID.IsNil() && r.DocumentID() != filter.DocumentID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Stats counts requests by state.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	st := s.countStates(all)
	s.mu.Lock()
	st.InFlight = len(s.inFlight)
	s.mu.Unlock()
	st.AutoSubmit = s.IsAutoSubmissionRunning()
	st.Contingency = s.InContingencyMode()
	return st, nil
}

func (s *Service) countStates(all []*models.ContingencyRequest) *Stats {
	st := &Stats{Total: len(all)}
	for _, r := range all {
		switch s.stateOf(r) {
		case StateSubmitted:
			st.Submitted++
		case StateExhausted:
			st.Exhausted++
		case StateRejected:
			st.Rejected++
		default:
			st.Pending++
			if st.OldestPending == nil {
				t := r.CreatedAt
				st.OldestPending = &t
			}
		}
	}
	return st
}

func (s *Service) refreshDepth(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	all, err := s.store.List(ctx)
	if err != nil {
		return
	}
	st := s.countStates(all)
	s.metrics.SetDepth(st.Pending, st.Exhausted, st.Rejected, st.Submitted)
}

func (s *Service) stateOf(r *models.ContingencyRequest) string {
	switch {
	case r.IsSubmitted:
		return StateSubmitted
	case r.IsExhausted(s.cfg.MaxAttempts):
		return StateExhausted
	case r.IsRejected():
		return StateRejected
	default:
		return StatePending
	}
}

func validState(state string) bool {
	switch state {
	case StatePending, StateRejected, StateExhausted, StateSubmitted:
		return true
	}
	return false
}

func notFound(reqID id.RequestID) error {
	return dErrors.Wrap(sentinel.ErrNotFound, dErrors.CodeNotFound, fmt.Sprintf("contingency request %s not found", reqID))
}

// storeErr maps store failures to coded errors. Coded errors pass through.
func storeErr(err error) error {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, "contingency request not found")
	}
	return dErrors.Wrap(errors.Join(sentinel.ErrUnavailable, err), dErrors.CodeUnavailable, "outbox store unavailable")
}

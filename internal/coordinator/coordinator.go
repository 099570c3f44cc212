// Package coordinator drives a document through delivery: live submission
// when the authority is reachable, the contingency outbox when it is not,
// and status tracking once the authority has taken the document in.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"dtesync/internal/authority"
	cservice "dtesync/internal/contingency/service"
	"dtesync/internal/dte/models"
	"dtesync/internal/dte/ports"
	"dtesync/internal/invoice"
	id "dtesync/pkg/domain"
	dErrors "dtesync/pkg/domain-errors"
	"dtesync/pkg/platform/sentinel"
)

// Queue is the contingency outbox.
type Queue interface {
	ShouldActivateContingency(ctx context.Context) bool
	CreateContingencyRequest(ctx context.Context, doc models.Document, sc models.SubmissionContext, reason models.Reason) (*cservice.CreateResult, error)
	ActiveRequest(ctx context.Context, docID id.DocumentID) (*models.ContingencyRequest, error)
	RetryRequest(ctx context.Context, reqID id.RequestID) (*cservice.SubmitResult, error)
	StartAutoSubmission(ctx context.Context) bool
	AddSweepHook(fn cservice.SweepHook)
}

// Tracker is the status tracker.
type Tracker interface {
	StartTracking(ctx context.Context, target models.TrackingTarget, opts ...models.TrackingOptions) error
	StartBatchTracking(ctx context.Context, targets []models.TrackingTarget, opts ...models.TrackingOptions) (int, error)
	Resume(ctx context.Context) (int, error)
	IsTracking(docID id.DocumentID) bool
}

// Invoices is the application-side record of each document.
type Invoices interface {
	MarkSubmitting(ctx context.Context, doc models.Document, sc models.SubmissionContext, acc models.Acceptance) (*invoice.Record, error)
	MarkContingency(ctx context.Context, doc models.Document, sc models.SubmissionContext, cause string) (*invoice.Record, error)
	MarkRejected(ctx context.Context, doc models.Document, sc models.SubmissionContext, message string, observations []string) (*invoice.Record, error)
	MarkFailed(ctx context.Context, doc models.Document, sc models.SubmissionContext, cause string) (*invoice.Record, error)
	ListSubmitting(ctx context.Context) ([]*invoice.Record, error)
}

// Validator checks a document before submission.
type Validator interface {
	Validate(doc models.Document) error
}

// Outcome reports what happened to one submitted document.
type Outcome struct {
	DocumentID   id.DocumentID      `json:"document_id"`
	Status       invoice.Status     `json:"status"`
	Queued       bool               `json:"queued"`
	RequestID    *id.RequestID      `json:"request_id,omitempty"`
	Reason       models.Reason      `json:"reason,omitempty"`
	Acceptance   *models.Acceptance `json:"acceptance,omitempty"`
	Message      string             `json:"message,omitempty"`
	Observations []string           `json:"observations,omitempty"`
}

// Coordinator wires the client, outbox, tracker and invoice records.
type Coordinator struct {
	client    ports.SubmissionClient
	queue     Queue
	tracker   Tracker
	invoices  Invoices
	validator Validator
	base      context.Context
	logger    *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithValidator checks every document before it is submitted or queued.
func WithValidator(v Validator) Option {
	return func(c *Coordinator) {
		c.validator = v
	}
}

// WithBaseContext sets the context the auto-submission sweep runs under
// when an enqueue starts it.
func WithBaseContext(ctx context.Context) Option {
	return func(c *Coordinator) {
		if ctx != nil {
			c.base = ctx
		}
	}
}

// New builds the coordinator and registers its sweep hook on q.
func New(client ports.SubmissionClient, q Queue, t Tracker, inv Invoices, opts ...Option) (*Coordinator, error) {
	if client == nil {
		return nil, fmt.Errorf("submission client is required")
	}
	if q == nil {
		return nil, fmt.Errorf("contingency queue is required")
	}
	if t == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if inv == nil {
		return nil, fmt.Errorf("invoice store is required")
	}
	c := &Coordinator{
		client:   client,
		queue:    q,
		tracker:  t,
		invoices: inv,
		base:     context.Background(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	q.AddSweepHook(c.onSweep)
	return c, nil
}

// Submit delivers doc. When the authority is unavailable the document is
// queued and Outcome.Queued is set. A document that already has an active
// outbox request is delivered through that request, never a second time.
// An authority rejection is reported in the outcome, not as an error.
func (c *Coordinator) Submit(ctx context.Context, doc models.Document, sc models.SubmissionContext) (*Outcome, error) {
	if c.validator != nil {
		if err := c.validator.Validate(doc); err != nil {
			return nil, err
		}
	} else if err := doc.Validate(); err != nil {
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	if c.queue.ShouldActivateContingency(ctx) {
		return c.enqueue(ctx, doc, sc, models.ReasonAPIUnavailable, "authority unavailable")
	}

	active, err := c.queue.ActiveRequest(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return c.resubmit(ctx, active)
	}

	acc, err := c.client.Submit(ctx, doc, sc)
	if err != nil {
		return c.submitFailed(ctx, doc, sc, err)
	}
	if _, err := c.invoices.MarkSubmitting(ctx, doc, sc, *acc); err != nil {
		return nil, err
	}
	c.track(ctx, doc, sc, acc.GenerationCode)
	c.logger.InfoContext(ctx, "document accepted for processing",
		"document_id", doc.ID,
		"generation_code", acc.GenerationCode,
	)
	return &Outcome{DocumentID: doc.ID, Status: invoice.StatusSubmitting, Acceptance: acc}, nil
}

func (c *Coordinator) submitFailed(ctx context.Context, doc models.Document, sc models.SubmissionContext, err error) (*Outcome, error) {
	switch {
	case authority.IsRejection(err):
		msg, obs := rejectionDetail(err)
		if _, merr := c.invoices.MarkRejected(ctx, doc, sc, msg, obs); merr != nil {
			return nil, merr
		}
		c.logger.InfoContext(ctx, "document rejected", "document_id", doc.ID, "message", msg)
		return &Outcome{DocumentID: doc.ID, Status: invoice.StatusRejected, Message: msg, Observations: obs}, nil
	case authority.IsRetryable(err):
		c.logger.WarnContext(ctx, "submission failed, queueing for contingency", "document_id", doc.ID, "error", err)
		return c.enqueue(ctx, doc, sc, reasonFor(err), err.Error())
	default:
		if _, merr := c.invoices.MarkFailed(ctx, doc, sc, err.Error()); merr != nil {
			c.logger.ErrorContext(ctx, "failed to record submission error", "document_id", doc.ID, "error", merr)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "authority returned an unusable response")
	}
}

func (c *Coordinator) enqueue(ctx context.Context, doc models.Document, sc models.SubmissionContext, reason models.Reason, cause string) (*Outcome, error) {
	res, err := c.queue.CreateContingencyRequest(ctx, doc, sc, reason)
	if err != nil {
		return nil, err
	}
	out := &Outcome{DocumentID: doc.ID, Status: invoice.StatusContingency, Queued: true, Reason: reason, Message: res.Message}
	if res.Request != nil {
		reqID := res.Request.ID
		out.RequestID = &reqID
	}
	if res.Success {
		if _, err := c.invoices.MarkContingency(ctx, doc, sc, cause); err != nil {
			return nil, err
		}
	}
	if c.queue.StartAutoSubmission(c.base) {
		c.logger.InfoContext(ctx, "auto-submission started by enqueue", "document_id", doc.ID)
	}
	return out, nil
}

// resubmit delivers the queued snapshot of an active request. The sweep hook
// records the invoice and starts tracking on success.
func (c *Coordinator) resubmit(ctx context.Context, req *models.ContingencyRequest) (*Outcome, error) {
	queued := func() *Outcome {
		reqID := req.ID
		return &Outcome{
			DocumentID: req.DocumentID(),
			Status:     invoice.StatusContingency,
			Queued:     true,
			RequestID:  &reqID,
			Reason:     req.Reason,
			Message:    "document already queued for contingency",
		}
	}

	res, err := c.queue.RetryRequest(ctx, req.ID)
	switch {
	case errors.Is(err, sentinel.ErrBusy), errors.Is(err, sentinel.ErrInvalidState):
		// a sweep holds or already delivered the request
		return queued(), nil
	case res == nil || len(res.Results) == 0:
		if err == nil {
			err = dErrors.New(dErrors.CodeInternal, "empty retry result")
		}
		return nil, err
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to persist contingency attempt", "request_id", req.ID, "error", err)
	}

	o := res.Results[0]
	c.logger.InfoContext(ctx, "queued document resubmitted",
		"document_id", o.DocumentID,
		"request_id", o.RequestID,
		"submitted", o.Submitted,
	)
	switch {
	case o.Submitted:
		return &Outcome{
			DocumentID: o.DocumentID,
			Status:     invoice.StatusSubmitting,
			Acceptance: &models.Acceptance{
				ControlNumber:  o.ControlNumber,
				GenerationCode: o.GenerationCode,
				ReceptionSeal:  o.ReceptionSeal,
			},
		}, nil
	case o.FailureKind == models.FailureRejected:
		return &Outcome{DocumentID: o.DocumentID, Status: invoice.StatusRejected, Message: o.Error}, nil
	default:
		out := queued()
		out.Message = o.Error
		c.queue.StartAutoSubmission(c.base)
		return out, nil
	}
}

// onSweep hands every request the sweep delivered to the tracker.
func (c *Coordinator) onSweep(ctx context.Context, res *cservice.SubmitResult) {
	ctx = context.WithoutCancel(ctx)
	for _, o := range res.Results {
		req := o.Request
		if req == nil {
			continue
		}
		doc := req.DocumentSnapshot
		switch {
		case o.Submitted:
			acc := models.Acceptance{
				ControlNumber:  o.ControlNumber,
				GenerationCode: o.GenerationCode,
				ReceptionSeal:  o.ReceptionSeal,
			}
			if _, err := c.invoices.MarkSubmitting(ctx, doc, req.Context, acc); err != nil {
				c.logger.ErrorContext(ctx, "failed to record resubmission", "document_id", doc.ID, "error", err)
				continue
			}
			c.track(ctx, doc, req.Context, o.GenerationCode)
		case o.FailureKind == models.FailureRejected:
			if _, err := c.invoices.MarkRejected(ctx, doc, req.Context, o.Error, nil); err != nil {
				c.logger.ErrorContext(ctx, "failed to record rejection", "document_id", doc.ID, "error", err)
			}
		}
	}
}

func (c *Coordinator) track(ctx context.Context, doc models.Document, sc models.SubmissionContext, generationCode string) {
	target := models.TrackingTarget{
		DocumentID:     doc.ID,
		DocumentNumber: doc.Number,
		DocumentType:   doc.Type,
		GenerationCode: generationCode,
		Context:        sc,
	}
	if err := c.tracker.StartTracking(ctx, target); err != nil {
		// The invoice stays submitting, so Recover picks it up.
		c.logger.ErrorContext(ctx, "failed to start tracking", "document_id", doc.ID, "error", err)
	}
}

// Recover restarts tracking after a restart: persisted tracker entries
// first, then any submitting invoice that has no poller yet.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	resumed, err := c.tracker.Resume(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "tracker bookkeeping unavailable", "error", err)
	}
	recs, err := c.invoices.ListSubmitting(ctx)
	if err != nil {
		return resumed, err
	}
	var targets []models.TrackingTarget
	for _, r := range recs {
		if c.tracker.IsTracking(r.DocumentID) {
			continue
		}
		targets = append(targets, r.TrackingTarget())
	}
	started, err := c.tracker.StartBatchTracking(ctx, targets)
	c.logger.InfoContext(ctx, "tracking recovered", "resumed", resumed, "started", started)
	return resumed + started, err
}

func reasonFor(err error) models.Reason {
	switch authority.CategoryOf(err) {
	case authority.CategoryNetwork, authority.CategoryTimeout:
		return models.ReasonNetworkFailure
	default:
		return models.ReasonAPIUnavailable
	}
}

func rejectionDetail(err error) (string, []string) {
	var ae *authority.Error
	if errors.As(err, &ae) {
		return ae.Message, ae.Observations
	}
	return err.Error(), nil
}

// Package invoice keeps the application's view of each document's delivery
// state. It listens to tracker events and is updated by the coordinator when
// a document is submitted, queued or rejected up front.
package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"dtesync/internal/dte/models"
	"dtesync/internal/events"
	"dtesync/internal/platform/kvstore"
	id "dtesync/pkg/domain"
	dErrors "dtesync/pkg/domain-errors"
	"dtesync/pkg/platform/sentinel"
)

// KeyPrefix namespaces invoice records in the KV store.
const KeyPrefix = "dte:invoice:"

// Status is the delivery state of a document.
type Status string

const (
	StatusSubmitting  Status = "submitting"
	StatusContingency Status = "contingency"
	StatusAccepted    Status = "accepted"
	StatusRejected    Status = "rejected"
	StatusError       Status = "error"
)

// IsFinal reports whether the authority has ruled on the document.
func (s Status) IsFinal() bool {
	return s == StatusAccepted || s == StatusRejected
}

// Record is the persisted invoice state.
type Record struct {
	DocumentID     id.DocumentID   `json:"document_id"`
	DocumentNumber string          `json:"document_number"`
	DocumentType   id.DocumentType `json:"document_type"`
	CompanyID      id.CompanyID    `json:"company_id"`
	TaxID          string          `json:"tax_id"`
	Environment    id.Environment  `json:"environment"`
	Status         Status          `json:"status"`
	GenerationCode string          `json:"generation_code,omitempty"`
	ControlNumber  string          `json:"control_number,omitempty"`
	ReceptionSeal  string          `json:"reception_seal,omitempty"`
	Observations   []string        `json:"observations,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TrackingTarget rebuilds what the tracker needs to poll this document.
func (r *Record) TrackingTarget() models.TrackingTarget {
	return models.TrackingTarget{
		DocumentID:     r.DocumentID,
		DocumentNumber: r.DocumentNumber,
		DocumentType:   r.DocumentType,
		GenerationCode: r.GenerationCode,
		Context: models.SubmissionContext{
			CompanyID:   r.CompanyID,
			TaxID:       r.TaxID,
			Environment: r.Environment,
		},
	}
}

// Service stores invoice records and implements events.Observer.
type Service struct {
	kv     kvstore.Store
	logger *slog.Logger
	clock  func() time.Time
	mu     sync.Mutex
}

var _ events.Observer = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
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

// New creates the invoice service.
func New(kv kvstore.Store, opts ...Option) (*Service, error) {
	if kv == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	s := &Service{
		kv:     kv,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// MarkSubmitting records that the authority took the document in and the
// tracker is resolving its final status.
func (s *Service) MarkSubmitting(ctx context.Context, doc models.Document, sc models.SubmissionContext, acc models.Acceptance) (*Record, error) {
	return s.upsert(ctx, doc.ID, func(r *Record) {
		fillDocument(r, doc, sc)
		r.Status = StatusSubmitting
		r.GenerationCode = acc.GenerationCode
		r.ControlNumber = firstNonEmpty(acc.ControlNumber, r.ControlNumber)
		r.ReceptionSeal = acc.ReceptionSeal
		r.Observations = acc.Observations
		r.LastError = ""
	})
}

// MarkContingency records that the document is waiting in the outbox.
func (s *Service) MarkContingency(ctx context.Context, doc models.Document, sc models.SubmissionContext, cause string) (*Record, error) {
	return s.upsert(ctx, doc.ID, func(r *Record) {
		fillDocument(r, doc, sc)
		r.Status = StatusContingency
		r.LastError = cause
	})
}

// MarkRejected records a rejection returned directly by Submit.
func (s *Service) MarkRejected(ctx context.Context, doc models.Document, sc models.SubmissionContext, message string, observations []string) (*Record, error) {
	return s.upsert(ctx, doc.ID, func(r *Record) {
		fillDocument(r, doc, sc)
		r.Status = StatusRejected
		r.LastError = message
		r.Observations = observations
	})
}

// MarkFailed records a submission error that will not be retried.
func (s *Service) MarkFailed(ctx context.Context, doc models.Document, sc models.SubmissionContext, cause string) (*Record, error) {
	return s.upsert(ctx, doc.ID, func(r *Record) {
		fillDocument(r, doc, sc)
		r.Status = StatusError
		r.LastError = cause
	})
}

// Get returns the record for docID.
func (s *Service) Get(ctx context.Context, docID id.DocumentID) (*Record, error) {
	rec, err := s.load(ctx, docID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, fmt.Sprintf("invoice %s not found", docID))
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return rec, nil
}

// List returns every record in document ID order.
func (s *Service) List(ctx context.Context) ([]*Record, error) {
	keys, err := s.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]*Record, 0, len(keys))
	for _, k := range keys {
		rec, err := s.load(ctx, id.DocumentID(strings.TrimPrefix(k, KeyPrefix)))
		if errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, storeErr(err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListSubmitting returns the records still waiting on a status resolution.
func (s *Service) ListSubmitting(ctx context.Context) ([]*Record, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, r := range all {
		if r.Status == StatusSubmitting && r.GenerationCode != "" {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Service) OnStatusUpdate(ctx context.Context, e events.StatusUpdate) {
	status := StatusAccepted
	if e.NewStatus == models.StatusRejected {
		status = StatusRejected
	}
	s.apply(ctx, e.DocumentID, "status update", func(r *Record) {
		if r.DocumentNumber == "" {
			r.DocumentNumber = e.DocumentNumber
		}
		r.Status = status
		r.GenerationCode = firstNonEmpty(e.GenerationCode, r.GenerationCode)
		r.ControlNumber = firstNonEmpty(e.ControlNumber, r.ControlNumber)
		r.ReceptionSeal = firstNonEmpty(e.ReceptionSeal, r.ReceptionSeal)
		r.Observations = e.Observations
		r.LastError = ""
		if status == StatusRejected {
			r.LastError = e.Message
		}
	})
}

func (s *Service) OnStatusError(ctx context.Context, e events.StatusError) {
	s.apply(ctx, e.DocumentID, "status error", func(r *Record) {
		r.LastError = e.Error
	})
}

func (s *Service) OnTrackingTimeout(ctx context.Context, e events.TrackingTimeout) {
	s.apply(ctx, e.DocumentID, "tracking timeout", func(r *Record) {
		if r.Status.IsFinal() {
			return
		}
		r.Status = StatusError
		r.LastError = "status tracking timed out"
	})
}

func (s *Service) OnTrackingFailed(ctx context.Context, e events.TrackingFailed) {
	s.apply(ctx, e.DocumentID, "tracking failed", func(r *Record) {
		if r.Status.IsFinal() {
			return
		}
		r.Status = StatusError
		r.LastError = e.Reason
	})
}

func (s *Service) OnAllTrackingStopped(ctx context.Context, e events.AllTrackingStopped) {
	s.logger.InfoContext(ctx, "tracking halted; submitting invoices resume on restart", "count", e.Count)
}

func (s *Service) apply(ctx context.Context, docID id.DocumentID, event string, fn func(r *Record)) {
	if _, err := s.upsert(ctx, docID, fn); err != nil {
		s.logger.ErrorContext(ctx, "failed to apply tracking event to invoice",
			"document_id", docID,
			"event", event,
			"error", err,
		)
	}
}

func (s *Service) upsert(ctx context.Context, docID id.DocumentID, fn func(r *Record)) (*Record, error) {
	if docID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "document id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(ctx, docID)
	if errors.Is(err, sentinel.ErrNotFound) {
		rec = &Record{DocumentID: docID}
	} else if err != nil {
		return nil, storeErr(err)
	}
	fn(rec)
	rec.UpdatedAt = s.clock()

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encode invoice")
	}
	if err := s.kv.Set(ctx, key(docID), raw); err != nil {
		return nil, storeErr(err)
	}
	return rec, nil
}

func (s *Service) load(ctx context.Context, docID id.DocumentID) (*Record, error) {
	raw, err := s.kv.Get(ctx, key(docID))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode invoice %s: %w", docID, err)
	}
	return &rec, nil
}

func fillDocument(r *Record, doc models.Document, sc models.SubmissionContext) {
	r.DocumentNumber = doc.Number
	r.DocumentType = doc.Type
	r.CompanyID = sc.CompanyID
	r.TaxID = sc.TaxID
	r.Environment = sc.Environment
}

func key(docID id.DocumentID) string {
	return KeyPrefix + string(docID)
}

func storeErr(err error) error {
	return dErrors.Wrap(errors.Join(sentinel.ErrUnavailable, err), dErrors.CodeUnavailable, "invoice store unavailable")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

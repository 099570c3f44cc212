package service

import (
	"time"

	"dtesync/internal/dte/models"
	id "dtesync/pkg/domain"
)

// CreateResult is returned by CreateContingencyRequest. Success is false
// when the document already has an active request; Request then holds that
// existing request.
type CreateResult struct {
	Success bool                       `json:"success"`
	Message string                     `json:"message"`
	Request *models.ContingencyRequest `json:"request,omitempty"`
}

// RequestOutcome is the result of one submission attempt.
type RequestOutcome struct {
	RequestID      id.RequestID       `json:"request_id"`
	DocumentID     id.DocumentID      `json:"document_id"`
	DocumentNumber string             `json:"document_number"`
	Submitted      bool               `json:"submitted"`
	Attempts       int                `json:"attempts"`
	FailureKind    models.FailureKind `json:"failure_kind,omitempty"`
	Error          string             `json:"error,omitempty"`
	ControlNumber  string             `json:"control_number,omitempty"`
	GenerationCode string             `json:"generation_code,omitempty"`
	ReceptionSeal  string             `json:"reception_seal,omitempty"`

	// Request is a copy of the request after the attempt was recorded.
	Request *models.ContingencyRequest `json:"-"`
}

// SubmitResult aggregates a sweep. Success means no attempted request failed.
type SubmitResult struct {
	Success   bool             `json:"success"`
	Submitted int              `json:"submitted"`
	Failed    int              `json:"failed"`
	Skipped   int              `json:"skipped"`
	Results   []RequestOutcome `json:"results"`
}

// Accepted returns the outcomes that ended in submission.
func (r *SubmitResult) Accepted() []RequestOutcome {
	out := make([]RequestOutcome, 0, r.Submitted)
	for _, o := range r.Results {
		if o.Submitted {
			out = append(out, o)
		}
	}
	return out
}

// Request states reported by Stats and accepted by ListFilter.
const (
	StatePending   = "pending"
	StateRejected  = "rejected"
	StateExhausted = "exhausted"
	StateSubmitted = "submitted"
)

// Stats counts outbox requests by state.
type Stats struct {
	Total         int        `json:"total"`
	Pending       int        `json:"pending"`
	Rejected      int        `json:"rejected"`
	Exhausted     int        `json:"exhausted"`
	Submitted     int        `json:"submitted"`
	InFlight      int        `json:"in_flight"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
	AutoSubmit    bool       `json:"auto_submit"`
	Contingency   bool       `json:"contingency_mode"`
}

// ListFilter narrows ListRequests. Zero fields match everything.
type ListFilter struct {
	State      string
	DocumentID id.DocumentID
}

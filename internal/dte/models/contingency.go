package models

import (
	"time"

	id "dtesync/pkg/domain"
)

// Reason is why a document went to the outbox instead of the authority.
type Reason string

const (
	ReasonAPIUnavailable       Reason = "api_unavailable"
	ReasonEmitterSystemFailure Reason = "emitter_system_failure"
	ReasonNetworkFailure       Reason = "network_failure"
	ReasonPowerFailure         Reason = "power_failure"
	ReasonValidationDeferred   Reason = "validation_deferred"
	ReasonOther                Reason = "other"
)

// contingencyTypes maps reasons to the authority's contingency type codes.
var contingencyTypes = map[Reason]int{
	ReasonAPIUnavailable:       1,
	ReasonEmitterSystemFailure: 2,
	ReasonNetworkFailure:       3,
	ReasonPowerFailure:         4,
	ReasonValidationDeferred:   5,
	ReasonOther:                5,
}

// IsValid checks the reason is known.
func (r Reason) IsValid() bool {
	_, ok := contingencyTypes[r]
	return ok
}

// ContingencyType returns the authority code reported for the contingency event.
func (r Reason) ContingencyType() int {
	if t, ok := contingencyTypes[r]; ok {
		return t
	}
	return contingencyTypes[ReasonOther]
}

// FailureKind classifies the last failed attempt.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureTransient FailureKind = "transient"
	FailureTimeout   FailureKind = "timeout"
	FailureRejected  FailureKind = "rejected"
)

// ContingencyRequest is one outbox entry. Owned by the contingency manager;
// everyone else receives copies.
type ContingencyRequest struct {
	ID                 id.RequestID      `json:"id"`
	DocumentSnapshot   Document          `json:"document_snapshot"`
	Context            SubmissionContext `json:"context"`
	Reason             Reason            `json:"reason"`
	CreatedAt          time.Time         `json:"created_at"`
	LastAttemptAt      *time.Time        `json:"last_attempt_at,omitempty"`
	SubmissionAttempts int               `json:"submission_attempts"`
	LastError          string            `json:"last_error,omitempty"`
	LastFailureKind    FailureKind       `json:"last_failure_kind,omitempty"`
	IsSubmitted        bool              `json:"is_submitted"`
	SubmittedAt        *time.Time        `json:"submitted_at,omitempty"`
	ControlNumber      string            `json:"control_number,omitempty"`
	GenerationCode     string            `json:"generation_code,omitempty"`
	ReceptionSeal      string            `json:"reception_seal,omitempty"`
}

// DocumentID is shorthand for the snapshot's identifier.
func (r *ContingencyRequest) DocumentID() id.DocumentID {
	return r.DocumentSnapshot.ID
}

// IsActive reports whether the request still awaits delivery.
func (r *ContingencyRequest) IsActive() bool {
	return !r.IsSubmitted
}

// IsExhausted reports whether the attempt budget is spent.
func (r *ContingencyRequest) IsExhausted(maxAttempts int) bool {
	return maxAttempts > 0 && r.SubmissionAttempts >= maxAttempts
}

// IsRejected reports whether the authority refused the document on the last attempt.
func (r *ContingencyRequest) IsRejected() bool {
	return r.LastFailureKind == FailureRejected
}

// MarkSubmitted records the authority identifiers. It is a no-op on an
// already submitted request, so the flag flips at most once.
func (r *ContingencyRequest) MarkSubmitted(acc Acceptance, at time.Time) bool {
	if r.IsSubmitted {
		return false
	}
	r.IsSubmitted = true
	r.SubmittedAt = &at
	r.ControlNumber = acc.ControlNumber
	r.GenerationCode = acc.GenerationCode
	r.ReceptionSeal = acc.ReceptionSeal
	return true
}

// RecordFailure counts a failed attempt.
func (r *ContingencyRequest) RecordFailure(kind FailureKind, msg string, at time.Time) {
	r.SubmissionAttempts++
	r.LastAttemptAt = &at
	r.LastError = msg
	r.LastFailureKind = kind
}

// Clone returns a deep copy safe to hand out.
func (r *ContingencyRequest) Clone() *ContingencyRequest {
	cp := *r
	cp.DocumentSnapshot = r.DocumentSnapshot.Snapshot()
	if r.LastAttemptAt != nil {
		t := *r.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	if r.SubmittedAt != nil {
		t := *r.SubmittedAt
		cp.SubmittedAt = &t
	}
	return &cp
}

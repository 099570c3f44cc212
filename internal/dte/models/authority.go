package models

import "time"

// Acceptance is what the authority returns when it takes a document in.
type Acceptance struct {
	ControlNumber  string    `json:"control_number"`
	GenerationCode string    `json:"generation_code"`
	ReceptionSeal  string    `json:"reception_seal,omitempty"`
	ProcessedAt    time.Time `json:"processed_at"`
	Observations   []string  `json:"observations,omitempty"`
}

// AuthorityStatusCode is the authority's disposition of a document.
type AuthorityStatusCode string

const (
	StatusProcessing AuthorityStatusCode = "processing"
	StatusAccepted   AuthorityStatusCode = "accepted"
	StatusRejected   AuthorityStatusCode = "rejected"
)

// IsTerminal reports whether polling can stop.
func (s AuthorityStatusCode) IsTerminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

func (s AuthorityStatusCode) String() string {
	return string(s)
}

// AuthorityStatus is the result of a status query.
type AuthorityStatus struct {
	Status         AuthorityStatusCode `json:"status"`
	GenerationCode string              `json:"generation_code"`
	ControlNumber  string              `json:"control_number,omitempty"`
	ReceptionSeal  string              `json:"reception_seal,omitempty"`
	Message        string              `json:"message,omitempty"`
	Observations   []string            `json:"observations,omitempty"`
}

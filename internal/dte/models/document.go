package models

import (
	"bytes"
	"encoding/json"
	"time"

	id "dtesync/pkg/domain"
	dErrors "dtesync/pkg/domain-errors"
)

// Document is the payload handed to the authority. Payload holds the signed
// DTE JSON exactly as it must be transmitted.
type Document struct {
	ID       id.DocumentID   `json:"id"`
	Number   string          `json:"number"`
	Type     id.DocumentType `json:"type"`
	IssuedAt time.Time       `json:"issued_at"`
	Payload  json.RawMessage `json:"payload"`
}

// Snapshot returns a deep copy so later edits to d never reach the copy.
func (d Document) Snapshot() Document {
	cp := d
	if d.Payload != nil {
		cp.Payload = bytes.Clone(d.Payload)
	}
	return cp
}

// Validate enforces the fields every submission needs.
func (d Document) Validate() error {
	if d.ID.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "document id is required")
	}
	if !d.Type.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, "unsupported document type")
	}
	if len(d.Payload) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "document payload is required")
	}
	if !json.Valid(d.Payload) {
		return dErrors.New(dErrors.CodeInvalidInput, "document payload is not valid JSON")
	}
	return nil
}

// SubmissionContext carries the tenant data needed to submit a document and
// to query its status later.
type SubmissionContext struct {
	CompanyID   id.CompanyID   `json:"company_id"`
	TaxID       string         `json:"tax_id"`
	Environment id.Environment `json:"environment"`
}

// Validate checks the context is complete.
func (c SubmissionContext) Validate() error {
	if c.TaxID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "emitter tax id is required")
	}
	if !c.Environment.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, "invalid environment")
	}
	return nil
}

// Package domain defines the identifier primitives shared by every module.
//
// Documents are identified by the application (string IDs chosen upstream);
// outbox requests are identified by UUIDs generated at enqueue time. Both are
// parsed at trust boundaries so malformed values never reach a store key.
package domain

import (
	"strings"
	"unicode"

	"github.com/google/uuid"

	dErrors "dtesync/pkg/domain-errors"
)

const maxDocumentIDLength = 128

// DocumentID identifies a tax document in the application's invoice state.
type DocumentID string

// ParseDocumentID validates an application document identifier.
// Allowed characters are letters, digits, '-', '_' and '.'.
func ParseDocumentID(s string) (DocumentID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "document id cannot be empty")
	}
	if len(s) > maxDocumentIDLength {
		return "", dErrors.New(dErrors.CodeInvalidInput, "document id too long")
	}
	if strings.Contains(s, "..") {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid document id")
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.') {
			return "", dErrors.New(dErrors.CodeInvalidInput, "invalid document id")
		}
	}
	return DocumentID(s), nil
}

func (id DocumentID) String() string {
	return string(id)
}

// IsNil reports whether the identifier is empty.
func (id DocumentID) IsNil() bool {
	return id == ""
}

// RequestID identifies a contingency request in the outbox.
type RequestID uuid.UUID

// NewRequestID generates a random request identifier.
func NewRequestID() RequestID {
	return RequestID(uuid.New())
}

// ParseRequestID parses a non-nil UUID.
func ParseRequestID(s string) (RequestID, error) {
	if strings.TrimSpace(s) == "" {
		return RequestID{}, dErrors.New(dErrors.CodeInvalidInput, "request id cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return RequestID{}, dErrors.New(dErrors.CodeInvalidInput, "invalid request id")
	}
	if u == uuid.Nil {
		return RequestID{}, dErrors.New(dErrors.CodeInvalidInput, "request id cannot be nil")
	}
	return RequestID(u), nil
}

func (id RequestID) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether the identifier is the nil UUID.
func (id RequestID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

// MarshalText keeps JSON encodings in canonical UUID form.
func (id RequestID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText accepts any parseable UUID, including nil.
func (id *RequestID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = RequestID(u)
	return nil
}

// CompanyID identifies the issuing company (tenant).
type CompanyID string

func (id CompanyID) String() string {
	return string(id)
}

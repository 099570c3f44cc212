package domain

import dErrors "dtesync/pkg/domain-errors"

// DocumentType is the authority catalog code of a tax document.
//
// Usage: construct via ParseDocumentType at trust boundaries; direct casting
// bypasses validation.
type DocumentType string

const (
	DocumentTypeInvoice          DocumentType = "01"
	DocumentTypeTaxCredit        DocumentType = "03"
	DocumentTypeCreditNote       DocumentType = "05"
	DocumentTypeDebitNote        DocumentType = "06"
	DocumentTypeExportInvoice    DocumentType = "11"
	DocumentTypeExcludedSubjects DocumentType = "14"
)

// schemaVersions is the single source of truth for supported types and the
// payload version the authority expects for each.
var schemaVersions = map[DocumentType]int{
	DocumentTypeInvoice:          1,
	DocumentTypeTaxCredit:        3,
	DocumentTypeCreditNote:       3,
	DocumentTypeDebitNote:        3,
	DocumentTypeExportInvoice:    1,
	DocumentTypeExcludedSubjects: 1,
}

// ParseDocumentType validates a catalog code.
func ParseDocumentType(s string) (DocumentType, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "document type cannot be empty")
	}
	t := DocumentType(s)
	if !t.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unsupported document type")
	}
	return t, nil
}

// IsValid checks if the type is supported.
func (t DocumentType) IsValid() bool {
	_, ok := schemaVersions[t]
	return ok
}

// SchemaVersion returns the payload version for the type, or 0 if unsupported.
func (t DocumentType) SchemaVersion() int {
	return schemaVersions[t]
}

func (t DocumentType) String() string {
	return string(t)
}

package testutil

import (
	"encoding/json"
	"fmt"
	"time"

	"dtesync/internal/dte/models"
	id "dtesync/pkg/domain"
)

// Document returns a minimal, schema-valid invoice for docID.
func Document(docID string) models.Document {
	number := "DTE-01-M001P001-" + docID
	payload := fmt.Sprintf(`{
		"identificacion": {
			"version": 1,
			"ambiente": "00",
			"tipoDte": "01",
			"numeroControl": "%s",
			"codigoGeneracion": "",
			"fecEmi": "2026-03-01",
			"horEmi": "10:00:00",
			"tipoMoneda": "USD"
		},
		"emisor": {"nit": "06141234567890", "nombre": "ACME S.A. de C.V."},
		"resumen": {"totalPagar": 11.30}
	}`, number)
	return models.Document{
		ID:       id.DocumentID(docID),
		Number:   number,
		Type:     id.DocumentTypeInvoice,
		IssuedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Payload:  json.RawMessage(payload),
	}
}

// SubmissionContext returns a test-environment context for the ACME emitter.
func SubmissionContext() models.SubmissionContext {
	return models.SubmissionContext{
		CompanyID:   "acme",
		TaxID:       "06141234567890",
		Environment: id.EnvironmentTest,
	}
}

// Acceptance returns authority identifiers derived from docID.
func Acceptance(docID string) models.Acceptance {
	return models.Acceptance{
		ControlNumber:  "CN-" + docID,
		GenerationCode: "GC-" + docID,
		ReceptionSeal:  "SEAL-" + docID,
		ProcessedAt:    time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC),
	}
}

package httptransport

import (
	"net/http"

	"dtesync/internal/dte/models"
	"dtesync/pkg/platform/httputil"
)

// SubmitDocumentRequest is the body of POST /documents.
type SubmitDocumentRequest struct {
	Document models.Document          `json:"document"`
	Context  models.SubmissionContext `json:"context"`
}

func (h *Handler) handleSubmitDocument(w http.ResponseWriter, r *http.Request) {
	req, err := httputil.DecodeJSON[SubmitDocumentRequest](r)
	if err != nil {
		h.fail(w, r, "invalid submit request", err)
		return
	}
	out, err := h.submitter.Submit(r.Context(), req.Document, req.Context)
	if err != nil {
		h.fail(w, r, "document submission failed", err)
		return
	}
	status := http.StatusOK
	if out.Queued {
		status = http.StatusAccepted
	}
	httputil.WriteJSON(w, status, out)
}

func (h *Handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	recs, err := h.invoices.List(r.Context())
	if err != nil {
		h.fail(w, r, "failed to list documents", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, recs)
}

func (h *Handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	docID, err := documentIDParam(r)
	if err != nil {
		h.fail(w, r, "invalid document id", err)
		return
	}
	rec, err := h.invoices.Get(r.Context(), docID)
	if err != nil {
		h.fail(w, r, "failed to load document", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

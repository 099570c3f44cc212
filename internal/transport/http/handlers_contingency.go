package httptransport

import (
	"net/http"
	"strconv"

	chimw "github.com/go-chi/chi/v5/middleware"

	"dtesync/internal/contingency/service"
	"dtesync/internal/dte/models"
	id "dtesync/pkg/domain"
	dErrors "dtesync/pkg/domain-errors"
	"dtesync/pkg/platform/httputil"
)

// CreateRequestBody is the body of POST /contingency/requests.
type CreateRequestBody struct {
	Document models.Document          `json:"document"`
	Context  models.SubmissionContext `json:"context"`
	Reason   models.Reason            `json:"reason"`
}

func (h *Handler) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := service.ListFilter{State: q.Get("state")}
	if raw := q.Get("document_id"); raw != "" {
		docID, err := id.ParseDocumentID(raw)
		if err != nil {
			h.fail(w, r, "invalid document id filter", err)
			return
		}
		filter.DocumentID = docID
	}
	reqs, err := h.queue.ListRequests(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "failed to list contingency requests", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, reqs)
}

func (h *Handler) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	reqID, err := requestIDParam(r)
	if err != nil {
		h.fail(w, r, "invalid request id", err)
		return
	}
	req, err := h.queue.GetRequest(r.Context(), reqID)
	if err != nil {
		h.fail(w, r, "failed to load contingency request", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, req)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.fail(w, r, "failed to read queue stats", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.DecodeJSON[CreateRequestBody](r)
	if err != nil {
		h.fail(w, r, "invalid contingency request", err)
		return
	}
	res, err := h.queue.CreateContingencyRequest(r.Context(), body.Document, body.Context, body.Reason)
	if err != nil {
		h.fail(w, r, "failed to queue document", err)
		return
	}
	status := http.StatusCreated
	if !res.Success {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, res)
}

func (h *Handler) handleRetryRequest(w http.ResponseWriter, r *http.Request) {
	reqID, err := requestIDParam(r)
	if err != nil {
		h.fail(w, r, "invalid request id", err)
		return
	}
	res, err := h.queue.RetryRequest(r.Context(), reqID)
	if err != nil {
		h.fail(w, r, "retry failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleRemoveRequest(w http.ResponseWriter, r *http.Request) {
	reqID, err := requestIDParam(r)
	if err != nil {
		h.fail(w, r, "invalid request id", err)
		return
	}
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		force, err = strconv.ParseBool(raw)
		if err != nil {
			h.fail(w, r, "invalid force flag", dErrors.New(dErrors.CodeBadRequest, "force must be a boolean"))
			return
		}
	}
	if err := h.queue.RemoveRequest(r.Context(), reqID, force); err != nil {
		h.fail(w, r, "failed to remove contingency request", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.queue.SubmitPendingRequests(r.Context())
	if err != nil {
		h.fail(w, r, "sweep failed", err)
		return
	}
	h.logger.InfoContext(r.Context(), "manual sweep finished",
		"request_id", chimw.GetReqID(r.Context()),
		"submitted", res.Submitted,
		"failed", res.Failed,
	)
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := h.queue.CleanupOldRequests(r.Context())
	if err != nil {
		h.fail(w, r, "cleanup failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// AutoSubmissionResponse reports the sweep loop state after a start or stop.
type AutoSubmissionResponse struct {
	Changed bool `json:"changed"`
	Running bool `json:"running"`
}

func (h *Handler) handleStartAutoSubmission(w http.ResponseWriter, r *http.Request) {
	changed := h.queue.StartAutoSubmission(h.base)
	httputil.WriteJSON(w, http.StatusOK, AutoSubmissionResponse{Changed: changed, Running: h.queue.IsAutoSubmissionRunning()})
}

func (h *Handler) handleStopAutoSubmission(w http.ResponseWriter, r *http.Request) {
	changed := h.queue.StopAutoSubmission()
	httputil.WriteJSON(w, http.StatusOK, AutoSubmissionResponse{Changed: changed, Running: h.queue.IsAutoSubmissionRunning()})
}

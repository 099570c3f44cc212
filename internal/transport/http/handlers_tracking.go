package httptransport

import (
	"fmt"
	"net/http"
	"time"

	"dtesync/internal/dte/models"
	dErrors "dtesync/pkg/domain-errors"
	"dtesync/pkg/platform/httputil"
)

// StartTrackingRequest is the body of POST /tracking. Durations use
// time.ParseDuration syntax; empty fields take the tracker defaults.
type StartTrackingRequest struct {
	Target          models.TrackingTarget `json:"target"`
	PollingInterval string                `json:"polling_interval,omitempty"`
	MaxRetries      int                   `json:"max_retries,omitempty"`
	Timeout         string                `json:"timeout,omitempty"`
	RequestTimeout  string                `json:"request_timeout,omitempty"`
}

func (b StartTrackingRequest) options() (models.TrackingOptions, error) {
	o := models.TrackingOptions{MaxRetries: b.MaxRetries}
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"polling_interval", b.PollingInterval, &o.PollingInterval},
		{"timeout", b.Timeout, &o.Timeout},
		{"request_timeout", b.RequestTimeout, &o.RequestTimeout},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil || d < 0 {
			return o, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("invalid %s %q", f.name, f.raw))
		}
		*f.dst = d
	}
	if o.MaxRetries < models.NoRetries {
		return o, dErrors.New(dErrors.CodeInvalidInput, "max_retries must be -1 (no retries) or more")
	}
	return o, nil
}

func (h *Handler) handleListTracking(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.tracker.Entries())
}

func (h *Handler) handleGetTracking(w http.ResponseWriter, r *http.Request) {
	docID, err := documentIDParam(r)
	if err != nil {
		h.fail(w, r, "invalid document id", err)
		return
	}
	e, ok := h.tracker.Entry(docID)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("document %s is not tracked", docID)))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, e)
}

func (h *Handler) handleStartTracking(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.DecodeJSON[StartTrackingRequest](r)
	if err != nil {
		h.fail(w, r, "invalid tracking request", err)
		return
	}
	opts, err := body.options()
	if err != nil {
		h.fail(w, r, "invalid tracking options", err)
		return
	}
	if err := h.tracker.StartTracking(r.Context(), body.Target, opts); err != nil {
		h.fail(w, r, "failed to start tracking", err)
		return
	}
	e, ok := h.tracker.Entry(body.Target.DocumentID)
	if !ok {
		// the first poll already resolved the document
		w.WriteHeader(http.StatusAccepted)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, e)
}

func (h *Handler) handleCheckNow(w http.ResponseWriter, r *http.Request) {
	docID, err := documentIDParam(r)
	if err != nil {
		h.fail(w, r, "invalid document id", err)
		return
	}
	polled, err := h.tracker.CheckNow(r.Context(), docID)
	if err != nil {
		h.fail(w, r, "status check failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"polled": polled})
}

func (h *Handler) handleStopTracking(w http.ResponseWriter, r *http.Request) {
	docID, err := documentIDParam(r)
	if err != nil {
		h.fail(w, r, "invalid document id", err)
		return
	}
	if !h.tracker.StopTracking(docID) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("document %s is not tracked", docID)))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStopAllTracking(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"stopped": h.tracker.StopAllTracking()})
}

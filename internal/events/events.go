// Package events carries tracking outcomes from the status tracker to the
// application. Observers subscribe to a Bus and receive typed callbacks.
package events

import (
	"context"
	"time"

	"dtesync/internal/dte/models"
	id "dtesync/pkg/domain"
)

// StatusUpdate reports a terminal authority disposition.
type StatusUpdate struct {
	DocumentID     id.DocumentID              `json:"document_id"`
	DocumentNumber string                     `json:"document_number"`
	NewStatus      models.AuthorityStatusCode `json:"new_status"`
	GenerationCode string                     `json:"generation_code"`
	ControlNumber  string                     `json:"control_number,omitempty"`
	ReceptionSeal  string                     `json:"reception_seal,omitempty"`
	Message        string                     `json:"message,omitempty"`
	Observations   []string                   `json:"observations,omitempty"`
	Timestamp      time.Time                  `json:"timestamp"`
}

// StatusError reports one failed poll that will be retried.
type StatusError struct {
	DocumentID     id.DocumentID `json:"document_id"`
	DocumentNumber string        `json:"document_number"`
	Error          string        `json:"error"`
	RetryCount     int           `json:"retry_count"`
	Timestamp      time.Time     `json:"timestamp"`
}

// TrackingTimeout reports that the wall-clock budget ran out.
type TrackingTimeout struct {
	DocumentID     id.DocumentID `json:"document_id"`
	DocumentNumber string        `json:"document_number"`
	Timestamp      time.Time     `json:"timestamp"`
}

// TrackingFailed reports that the retry budget ran out.
type TrackingFailed struct {
	DocumentID     id.DocumentID `json:"document_id"`
	DocumentNumber string        `json:"document_number"`
	Reason         string        `json:"reason"`
	Timestamp      time.Time     `json:"timestamp"`
}

// AllTrackingStopped reports a StopAllTracking call.
type AllTrackingStopped struct {
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer receives tracker events. Callbacks run on the tracker's
// goroutines and must not block for long.
type Observer interface {
	OnStatusUpdate(ctx context.Context, e StatusUpdate)
	OnStatusError(ctx context.Context, e StatusError)
	OnTrackingTimeout(ctx context.Context, e TrackingTimeout)
	OnTrackingFailed(ctx context.Context, e TrackingFailed)
	OnAllTrackingStopped(ctx context.Context, e AllTrackingStopped)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnStatusUpdate(context.Context, StatusUpdate)             {}
func (NopObserver) OnStatusError(context.Context, StatusError)               {}
func (NopObserver) OnTrackingTimeout(context.Context, TrackingTimeout)       {}
func (NopObserver) OnTrackingFailed(context.Context, TrackingFailed)         {}
func (NopObserver) OnAllTrackingStopped(context.Context, AllTrackingStopped) {}

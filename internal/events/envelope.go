package events

import (
	"context"
	"encoding/json"
	"time"

	id "dtesync/pkg/domain"
)

// Event type names used on the wire by the Kafka sink and the WebSocket stream.
const (
	TypeStatusUpdate       = "status_update"
	TypeStatusError        = "status_error"
	TypeTrackingTimeout    = "tracking_timeout"
	TypeTrackingFailed     = "tracking_failed"
	TypeAllTrackingStopped = "all_tracking_stopped"
)

// Envelope is the serialized form of an event.
type Envelope struct {
	Type       string          `json:"type"`
	DocumentID id.DocumentID   `json:"document_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
}

// NewEnvelope wraps one of the event payload types.
func NewEnvelope(eventType string, docID id.DocumentID, ts time.Time, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: eventType, DocumentID: docID, Timestamp: ts, Data: data}, nil
}

// Forwarder adapts an envelope handler into an Observer. Encode failures
// go to OnErr when set.
type Forwarder struct {
	Handle func(ctx context.Context, env Envelope)
	OnErr  func(ctx context.Context, err error)
}

var _ Observer = Forwarder{}

func (f Forwarder) emit(ctx context.Context, eventType string, docID id.DocumentID, ts time.Time, payload any) {
	env, err := NewEnvelope(eventType, docID, ts, payload)
	if err != nil {
		if f.OnErr != nil {
			f.OnErr(ctx, err)
		}
		return
	}
	f.Handle(ctx, env)
}

func (f Forwarder) OnStatusUpdate(ctx context.Context, e StatusUpdate) {
	f.emit(ctx, TypeStatusUpdate, e.DocumentID, e.Timestamp, e)
}

func (f Forwarder) OnStatusError(ctx context.Context, e StatusError) {
	f.emit(ctx, TypeStatusError, e.DocumentID, e.Timestamp, e)
}

func (f Forwarder) OnTrackingTimeout(ctx context.Context, e TrackingTimeout) {
	f.emit(ctx, TypeTrackingTimeout, e.DocumentID, e.Timestamp, e)
}

func (f Forwarder) OnTrackingFailed(ctx context.Context, e TrackingFailed) {
	f.emit(ctx, TypeTrackingFailed, e.DocumentID, e.Timestamp, e)
}

func (f Forwarder) OnAllTrackingStopped(ctx context.Context, e AllTrackingStopped) {
	f.emit(ctx, TypeAllTrackingStopped, "", e.Timestamp, e)
}

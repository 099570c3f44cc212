package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	NopObserver
	mu      sync.Mutex
	updates []StatusUpdate
	stopped []AllTrackingStopped
}

func (r *recorder) OnStatusUpdate(_ context.Context, e StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, e)
}

func (r *recorder) OnAllTrackingStopped(_ context.Context, e AllTrackingStopped) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, e)
}

type panicker struct{ NopObserver }

func (panicker) OnStatusUpdate(context.Context, StatusUpdate) { panic("boom") }

func TestBus_FanOutAndUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	a, b := &recorder{}, &recorder{}
	unsubA := bus.Subscribe(a)
	bus.Subscribe(b)
	require.Equal(t, 2, bus.Len())

	bus.OnStatusUpdate(context.Background(), StatusUpdate{DocumentID: "INV-1"})
	unsubA()
	unsubA()
	bus.OnStatusUpdate(context.Background(), StatusUpdate{DocumentID: "INV-2"})

	assert.Len(t, a.updates, 1)
	assert.Len(t, b.updates, 2)
	assert.Equal(t, 1, bus.Len())
}

func TestBus_PanickingObserverDoesNotStopOthers(t *testing.T) {
	bus := NewBus(nil)
	rec := &recorder{}
	bus.Subscribe(panicker{})
	bus.Subscribe(rec)

	assert.NotPanics(t, func() {
		bus.OnStatusUpdate(context.Background(), StatusUpdate{DocumentID: "INV-1"})
	})
	assert.Len(t, rec.updates, 1)
}

func TestBus_UnsubscribeDuringDispatch(t *testing.T) {
	bus := NewBus(nil)
	rec := &recorder{}
	var unsub func()
	unsub = bus.Subscribe(Forwarder{Handle: func(context.Context, Envelope) { unsub() }})
	bus.Subscribe(rec)

	bus.OnStatusUpdate(context.Background(), StatusUpdate{DocumentID: "INV-1"})
	assert.Len(t, rec.updates, 1)
	assert.Equal(t, 1, bus.Len())
}

func TestForwarder_Envelopes(t *testing.T) {
	var got []Envelope
	f := Forwarder{Handle: func(_ context.Context, env Envelope) { got = append(got, env) }}
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	f.OnTrackingFailed(context.Background(), TrackingFailed{DocumentID: "INV-1", Reason: "retries exhausted", Timestamp: ts})
	f.OnAllTrackingStopped(context.Background(), AllTrackingStopped{Count: 3, Timestamp: ts})

	require.Len(t, got, 2)
	assert.Equal(t, TypeTrackingFailed, got[0].Type)
	assert.Equal(t, "INV-1", got[0].DocumentID.String())
	assert.JSONEq(t, `{"document_id":"INV-1","document_number":"","reason":"retries exhausted","timestamp":"2026-03-01T00:00:00Z"}`, string(got[0].Data))
	assert.Equal(t, TypeAllTrackingStopped, got[1].Type)
	assert.True(t, got[1].DocumentID.IsNil())
}

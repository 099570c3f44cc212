package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dtesync/internal/dte/models"
	"dtesync/internal/platform/kvstore"
	id "dtesync/pkg/domain"
	"dtesync/pkg/platform/sentinel"
	"dtesync/pkg/testutil"
)

func newRequest(docID string, created time.Time) *models.ContingencyRequest {
	return &models.ContingencyRequest{
		ID:               id.NewRequestID(),
		DocumentSnapshot: testutil.Document(docID),
		Context:          testutil.SubmissionContext(),
		Reason:           models.ReasonNetworkFailure,
		CreatedAt:        created,
	}
}

func TestStore_ExecutePersistsInCreatedOrder(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	s, err := New(kv)
	require.NoError(t, err)

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	late, early := newRequest("B", t0.Add(time.Minute)), newRequest("A", t0)
	require.NoError(t, s.Execute(ctx, func(ob *Outbox) error {
		ob.Add(late)
		ob.Add(early)
		return nil
	}))

	// a fresh Store over the same kv sees the persisted array
	reopened, err := New(kv)
	require.NoError(t, err)
	got, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, early.ID, got[0].ID)
	assert.Equal(t, late.ID, got[1].ID)
}

func TestStore_ExecuteErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	s, err := New(kvstore.NewMemory())
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.Execute(ctx, func(ob *Outbox) error {
		ob.Add(newRequest("A", time.Now()))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_ListReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s, err := New(kvstore.NewMemory())
	require.NoError(t, err)
	r := newRequest("A", time.Now())
	require.NoError(t, s.Execute(ctx, func(ob *Outbox) error { ob.Add(r); return nil }))

	got, err := s.List(ctx)
	require.NoError(t, err)
	got[0].SubmissionAttempts = 99

	again, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.SubmissionAttempts)
}

func TestStore_GetMissing(t *testing.T) {
	s, err := New(kvstore.NewMemory())
	require.NoError(t, err)
	_, err = s.Get(context.Background(), id.NewRequestID())
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestOutbox_Operations(t *testing.T) {
	t0 := time.Now()
	a, b := newRequest("A", t0), newRequest("B", t0.Add(time.Second))
	ob := &Outbox{}
	ob.Add(a)
	ob.Add(b)

	assert.Same(t, a, ob.ActiveFor("A"))
	assert.True(t, ob.Update(a.ID, func(r *models.ContingencyRequest) { r.IsSubmitted = true }))
	assert.Nil(t, ob.ActiveFor("A"), "submitted requests are not active")
	assert.False(t, ob.Update(id.NewRequestID(), func(*models.ContingencyRequest) {}))

	assert.Equal(t, 1, ob.RemoveIf(func(r *models.ContingencyRequest) bool { return r.IsSubmitted }))
	assert.True(t, ob.Remove(b.ID))
	assert.False(t, ob.Remove(b.ID))
	assert.Equal(t, 0, ob.Len())
}

func TestStore_CorruptOutbox(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	require.NoError(t, kv.Set(ctx, Key, []byte(`{"not":"an array"}`)))
	s, err := New(kv)
	require.NoError(t, err)

	_, err = s.List(ctx)
	assert.ErrorContains(t, err, "decode outbox")
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dtesync/internal/dte/models"
	"dtesync/internal/platform/kvstore"
	id "dtesync/pkg/domain"
)

func record(docID string, started time.Time) Record {
	return Record{
		Target:    models.TrackingTarget{DocumentID: id.DocumentID(docID), GenerationCode: "GC-" + docID},
		Options:   models.TrackingOptions{PollingInterval: time.Second},
		StartedAt: started,
	}
}

func TestStore_SaveListDelete(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	s, err := New(kv)
	require.NoError(t, err)

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(ctx, record("B", t0.Add(time.Second))))
	require.NoError(t, s.Save(ctx, record("A", t0)))
	require.NoError(t, s.Save(ctx, record("B", t0.Add(2*time.Second))), "save replaces")

	reopened, err := New(kv)
	require.NoError(t, err)
	recs, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, id.DocumentID("A"), recs[0].Target.DocumentID)
	assert.Equal(t, t0.Add(2*time.Second), recs[1].StartedAt)

	require.NoError(t, s.Delete(ctx, "A"))
	require.NoError(t, s.Delete(ctx, "missing"))
	recs, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestStore_EmptyList(t *testing.T) {
	s, err := New(kvstore.NewMemory())
	require.NoError(t, err)
	recs, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

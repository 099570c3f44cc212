// Package store persists tracker bookkeeping so polling can resume after a
// restart. Only the target, options and start time are kept; per-poll state
// is rebuilt from scratch.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"dtesync/internal/dte/models"
	"dtesync/internal/platform/kvstore"
	id "dtesync/pkg/domain"
	"dtesync/pkg/platform/sentinel"
)

// Key is where the bookkeeping map lives.
const Key = "dte:tracking:entries"

// Record is the persisted form of a tracking entry.
type Record struct {
	Target    models.TrackingTarget  `json:"target"`
	Options   models.TrackingOptions `json:"options"`
	StartedAt time.Time              `json:"started_at"`
}

// Store keeps records keyed by document ID in one JSON object.
type Store struct {
	kv kvstore.Store
	mu sync.Mutex
}

// New wraps kv.
func New(kv kvstore.Store) (*Store, error) {
	if kv == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	return &Store{kv: kv}, nil
}

// Save inserts or replaces the record for its document.
func (s *Store) Save(ctx context.Context, rec Record) error {
	return s.mutate(ctx, func(m map[id.DocumentID]Record) bool {
		m[rec.Target.DocumentID] = rec
		return true
	})
}

// Delete drops the record for docID. Missing records are ignored.
func (s *Store) Delete(ctx context.Context, docID id.DocumentID) error {
	return s.mutate(ctx, func(m map[id.DocumentID]Record) bool {
		if _, ok := m[docID]; !ok {
			return false
		}
		delete(m, docID)
		return true
	})
}

// List returns every record ordered by start time.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Target.DocumentID < out[j].Target.DocumentID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (s *Store) mutate(ctx context.Context, fn func(m map[id.DocumentID]Record) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load(ctx)
	if err != nil {
		return err
	}
	if !fn(m) {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode tracking entries: %w", err)
	}
	if err := s.kv.Set(ctx, Key, raw); err != nil {
		return fmt.Errorf("save tracking entries: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context) (map[id.DocumentID]Record, error) {
	raw, err := s.kv.Get(ctx, Key)
	if errors.Is(err, sentinel.ErrNotFound) {
		return make(map[id.DocumentID]Record), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tracking entries: %w", err)
	}
	m := make(map[id.DocumentID]Record)
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode tracking entries: %w", err)
	}
	return m, nil
}

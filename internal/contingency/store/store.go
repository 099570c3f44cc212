// Package store persists the contingency outbox as one JSON array in the
// key/value store. Every change is a load-modify-save under the store mutex.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"dtesync/internal/dte/models"
	"dtesync/internal/platform/kvstore"
	id "dtesync/pkg/domain"
	"dtesync/pkg/platform/sentinel"
)

// Key is where the outbox lives.
const Key = "dte:contingency:requests"

// Store reads and writes the outbox.
type Store struct {
	kv  kvstore.Store
	key string
	mu  sync.Mutex
}

// New wraps kv.
func New(kv kvstore.Store) (*Store, error) {
	if kv == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	return &Store{kv: kv, key: Key}, nil
}

// List returns copies of all requests, oldest first.
func (s *Store) List(ctx context.Context) ([]*models.ContingencyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ob, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return ob.snapshot(), nil
}

// Get returns a copy of one request or sentinel.ErrNotFound.
func (s *Store) Get(ctx context.Context, reqID id.RequestID) (*models.ContingencyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ob, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	r := ob.Get(reqID)
	if r == nil {
		return nil, fmt.Errorf("contingency request %s: %w", reqID, sentinel.ErrNotFound)
	}
	return r.Clone(), nil
}

// Execute loads the outbox, runs fn and saves the result when fn changed it.
// Nothing is written when fn returns an error.
func (s *Store) Execute(ctx context.Context, fn func(ob *Outbox) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ob, err := s.load(ctx)
	if err != nil {
		return err
	}
	if err := fn(ob); err != nil {
		return err
	}
	if !ob.dirty {
		return nil
	}
	return s.save(ctx, ob)
}

func (s *Store) load(ctx context.Context) (*Outbox, error) {
	raw, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, sentinel.ErrNotFound) {
		return &Outbox{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	var reqs []*models.ContingencyRequest
	if err := json.Unmarshal(raw, &reqs); err != nil {
		return nil, fmt.Errorf("decode outbox: %w", err)
	}
	ob := &Outbox{requests: reqs}
	ob.sort()
	return ob, nil
}

func (s *Store) save(ctx context.Context, ob *Outbox) error {
	raw, err := json.Marshal(ob.requests)
	if err != nil {
		return fmt.Errorf("encode outbox: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, raw); err != nil {
		return fmt.Errorf("save outbox: %w", err)
	}
	return nil
}

// Outbox is the mutable view handed to Execute callbacks. Requests are kept
// ordered by CreatedAt.
type Outbox struct {
	requests []*models.ContingencyRequest
	dirty    bool
}

func (o *Outbox) sort() {
	slices.SortStableFunc(o.requests, func(a, b *models.ContingencyRequest) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

func (o *Outbox) snapshot() []*models.ContingencyRequest {
	out := make([]*models.ContingencyRequest, len(o.requests))
	for i, r := range o.requests {
		out[i] = r.Clone()
	}
	return out
}

// Len returns the number of requests.
func (o *Outbox) Len() int {
	return len(o.requests)
}

// All returns the live requests. Callers that mutate one must go through Update.
func (o *Outbox) All() []*models.ContingencyRequest {
	return o.requests
}

// Get finds a request by ID.
func (o *Outbox) Get(reqID id.RequestID) *models.ContingencyRequest {
	for _, r := range o.requests {
		if r.ID == reqID {
			return r
		}
	}
	return nil
}

// ActiveFor returns the non-submitted request for a document, if any.
func (o *Outbox) ActiveFor(docID id.DocumentID) *models.ContingencyRequest {
	for _, r := range o.requests {
		if r.IsActive() && r.DocumentID() == docID {
			return r
		}
	}
	return nil
}

// Add appends r in CreatedAt order.
func (o *Outbox) Add(r *models.ContingencyRequest) {
	o.requests = append(o.requests, r)
	o.sort()
	o.dirty = true
}

// Update applies fn to the request with reqID. Reports whether it exists.
func (o *Outbox) Update(reqID id.RequestID, fn func(r *models.ContingencyRequest)) bool {
	r := o.Get(reqID)
	if r == nil {
		return false
	}
	fn(r)
	o.dirty = true
	return true
}

// Remove deletes a request. Reports whether it existed.
func (o *Outbox) Remove(reqID id.RequestID) bool {
	for i, r := range o.requests {
		if r.ID == reqID {
			o.requests = slices.Delete(o.requests, i, i+1)
			o.dirty = true
			return true
		}
	}
	return false
}

// RemoveIf deletes every request matching pred and returns how many went.
func (o *Outbox) RemoveIf(pred func(r *models.ContingencyRequest) bool) int {
	before := len(o.requests)
	o.requests = slices.DeleteFunc(o.requests, pred)
	removed := before - len(o.requests)
	if removed > 0 {
		o.dirty = true
	}
	return removed
}

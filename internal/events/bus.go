package events

import (
	"context"
	"log/slog"
	"sync"
)

// Bus fans events out to its subscribers synchronously, in subscription
// order. A panicking observer is logged and skipped.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	observers []subscription
	logger    *slog.Logger
}

type subscription struct {
	id       uint64
	observer Observer
}

// NewBus creates an empty bus. logger may be nil.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers o and returns a function that removes it. Calling the
// returned function more than once is safe.
func (b *Bus) Subscribe(o Observer) (unsubscribe func()) {
	if o == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	subID := b.nextID
	b.observers = append(b.observers, subscription{id: subID, observer: o})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.observers {
				if s.id == subID {
					b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

func (b *Bus) snapshot() []Observer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Observer, len(b.observers))
	for i, s := range b.observers {
		out[i] = s.observer
	}
	return out
}

func (b *Bus) each(ctx context.Context, event string, fn func(Observer)) {
	for _, o := range b.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.ErrorContext(ctx, "event observer panicked", "event", event, "panic", r)
				}
			}()
			fn(o)
		}()
	}
}

func (b *Bus) OnStatusUpdate(ctx context.Context, e StatusUpdate) {
	b.each(ctx, "status_update", func(o Observer) { o.OnStatusUpdate(ctx, e) })
}

func (b *Bus) OnStatusError(ctx context.Context, e StatusError) {
	b.each(ctx, "status_error", func(o Observer) { o.OnStatusError(ctx, e) })
}

func (b *Bus) OnTrackingTimeout(ctx context.Context, e TrackingTimeout) {
	b.each(ctx, "tracking_timeout", func(o Observer) { o.OnTrackingTimeout(ctx, e) })
}

func (b *Bus) OnTrackingFailed(ctx context.Context, e TrackingFailed) {
	b.each(ctx, "tracking_failed", func(o Observer) { o.OnTrackingFailed(ctx, e) })
}

func (b *Bus) OnAllTrackingStopped(ctx context.Context, e AllTrackingStopped) {
	b.each(ctx, "all_tracking_stopped", func(o Observer) { o.OnAllTrackingStopped(ctx, e) })
}

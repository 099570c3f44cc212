package models

import (
	"time"

	id "dtesync/pkg/domain"
)

// TrackingState is the per-entry poller state.
type TrackingState string

const (
	TrackingPolling   TrackingState = "polling"
	TrackingCompleted TrackingState = "completed"
	TrackingFailed    TrackingState = "failed"
	TrackingTimedOut  TrackingState = "timed_out"
)

// IsTerminal reports whether the state is final.
func (s TrackingState) IsTerminal() bool {
	return s == TrackingCompleted || s == TrackingFailed || s == TrackingTimedOut
}

// Tracking defaults applied to zero option fields.
const (
	DefaultPollingInterval = 5 * time.Second
	DefaultMaxRetries      = 10
	DefaultTrackingTimeout = 5 * time.Minute
	DefaultRequestTimeout  = 30 * time.Second
)

// NoRetries as MaxRetries fails tracking on the first failed poll. A zero
// MaxRetries takes the default instead.
const NoRetries = -1

// TrackingOptions are per-entry overrides. Zero fields take the defaults;
// use NoRetries to tolerate no failed polls.
type TrackingOptions struct {
	PollingInterval time.Duration `json:"polling_interval"`
	MaxRetries      int           `json:"max_retries"`
	Timeout         time.Duration `json:"timeout"`
	RequestTimeout  time.Duration `json:"request_timeout"`
}

// WithDefaults fills zero fields from base, then from the package defaults.
func (o TrackingOptions) WithDefaults(base TrackingOptions) TrackingOptions {
	pick := func(v, b, d time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		if b > 0 {
			return b
		}
		return d
	}
	out := TrackingOptions{
		PollingInterval: pick(o.PollingInterval, base.PollingInterval, DefaultPollingInterval),
		Timeout:         pick(o.Timeout, base.Timeout, DefaultTrackingTimeout),
		RequestTimeout:  pick(o.RequestTimeout, base.RequestTimeout, DefaultRequestTimeout),
		MaxRetries:      o.MaxRetries,
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = base.MaxRetries
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = NoRetries
	}
	return out
}

// RetryBudget is the number of failed polls tolerated before tracking fails.
func (o TrackingOptions) RetryBudget() int {
	return max(o.MaxRetries, 0)
}

// TrackingTarget names a document the authority accepted for processing.
type TrackingTarget struct {
	DocumentID     id.DocumentID     `json:"document_id"`
	DocumentNumber string            `json:"document_number"`
	DocumentType   id.DocumentType   `json:"document_type"`
	GenerationCode string            `json:"generation_code"`
	Context        SubmissionContext `json:"context"`
}

// TrackingEntry is a snapshot of one tracked document.
type TrackingEntry struct {
	Target     TrackingTarget      `json:"target"`
	Options    TrackingOptions     `json:"options"`
	RetryCount int                 `json:"retry_count"`
	State      TrackingState       `json:"state"`
	StartedAt  time.Time           `json:"started_at"`
	LastStatus AuthorityStatusCode `json:"last_status,omitempty"`
	LastError  string              `json:"last_error,omitempty"`
}

package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and managers return these
// (optionally wrapped) so callers can branch with errors.Is.
//
//   - ErrNotFound: entity does not exist in the store
//   - ErrConflict: an active entity already exists for the same key
//   - ErrInvalidState: entity is in the wrong state for the requested operation
//   - ErrBusy: an operation for the entity is already in flight
//   - ErrUnavailable: the durable store or a remote service cannot be reached
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrBusy         = errors.New("operation in progress")
	ErrUnavailable  = errors.New("unavailable")
)

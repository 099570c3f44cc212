// Package ports defines the interfaces the delivery core consumes.
// Interfaces live here because both the contingency queue and the status
// tracker depend on them.
package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks SubmissionClient

import (
	"context"

	"dtesync/internal/dte/models"
)

// SubmissionClient is the transport to the tax authority.
//
// Submit and GetStatus return *authority.Error values for classified failures;
// any other error is treated as a transient network failure.
type SubmissionClient interface {
	Submit(ctx context.Context, doc models.Document, sc models.SubmissionContext) (*models.Acceptance, error)
	GetStatus(ctx context.Context, target models.TrackingTarget) (*models.AuthorityStatus, error)
	HealthCheck(ctx context.Context) bool
}

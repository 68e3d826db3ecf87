package job

import "context"

// Store persists job records with optimistic concurrency.
//
// Save performs a conditional write: it succeeds only if the stored version
// still equals rec.Version, then increments it. A caller that loses the race
// gets apperrors.ErrConflict and must reload, re-decide, and retry.
type Store interface {
	// Create persists a new record. Returns apperrors.ErrConflict if a record
	// with the same root_id already exists; it never silently overwrites.
	Create(ctx context.Context, rec *Record) error

	// Load returns the record for rootID, or apperrors.ErrNotFound. An unknown
	// root_id is a caller error, not a retryable condition.
	Load(ctx context.Context, rootID string) (*Record, error)

	// Save conditionally overwrites the record and bumps rec.Version on success.
	Save(ctx context.Context, rec *Record) error
}

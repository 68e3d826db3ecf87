package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"videoloop/internal/apperrors"
	"videoloop/internal/blob"
)

// BlobStore keeps each record as one JSON object at jobs/{root_id}.json.
//
// The version check in Save is read-then-write, not atomic: the pipeline
// holds a per-job lease around every update cycle, and the check here catches
// anything that slips past the lease (e.g. an expired holder finishing late).
type BlobStore struct {
	blobs blob.Store
}

// NewBlobStore creates a record store backed by a blob store.
func NewBlobStore(blobs blob.Store) *BlobStore {
	return &BlobStore{blobs: blobs}
}

// Create persists a new record, refusing to overwrite an existing one.
func (s *BlobStore) Create(ctx context.Context, rec *Record) error {
	key := blob.JobKey(rec.RootID)
	exists, err := s.blobs.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return apperrors.Conflict("job", rec.RootID, fmt.Sprintf("job %s already exists", rec.RootID))
	}
	return s.put(ctx, key, rec)
}

// Load returns the record for rootID.
func (s *BlobStore) Load(ctx context.Context, rootID string) (*Record, error) {
	data, err := s.blobs.Get(ctx, blob.JobKey(rootID))
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("job", rootID)
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, apperrors.Internal("job.load", err)
	}
	return &rec, nil
}

// Save conditionally overwrites the record and bumps rec.Version.
func (s *BlobStore) Save(ctx context.Context, rec *Record) error {
	stored, err := s.Load(ctx, rec.RootID)
	if err != nil {
		return err
	}
	if stored.Version != rec.Version {
		return apperrors.Conflict("job", rec.RootID,
			fmt.Sprintf("job %s version changed (have %d, stored %d)", rec.RootID, rec.Version, stored.Version))
	}
	rec.Version++
	if err := s.put(ctx, blob.JobKey(rec.RootID), rec); err != nil {
		rec.Version--
		return err
	}
	return nil
}

func (s *BlobStore) put(ctx context.Context, key string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperrors.Internal("job.save", err)
	}
	return s.blobs.Put(ctx, key, data)
}

var _ Store = (*BlobStore)(nil)

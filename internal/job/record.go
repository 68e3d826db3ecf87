// Package job defines the persistent job record and its stores.
package job

import (
	"time"
)

// Status is the lifecycle state of a job.
type Status string

// Lifecycle states. COMPLETE and FAILED are terminal: once reached, the
// record never changes again. Wire values are frozen; stored records from
// earlier deployments must keep parsing.
const (
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusFinalizing Status = "FINALIZING"
	StatusComplete   Status = "COMPLETE"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Record is the single source of truth for one workflow run.
//
// Invariant: len(Chunks) == Loop whenever the record is at rest in the store.
// Loop is monotonically non-decreasing and bounded by the configured total.
type Record struct {
	RootID          string     `json:"root_id"`
	Status          Status     `json:"status"`
	Loop            int        `json:"loop"`
	CurrentImageURL string     `json:"current_image_url"`
	Chunks          []string   `json:"chunks"`
	StartedAt       time.Time  `json:"started_at"`
	FailedAt        *time.Time `json:"failed_at,omitempty"`
	FinalVideoURL   string     `json:"final_video_url,omitempty"`
	Error           string     `json:"error,omitempty"`

	// Version guards saves: a Save only succeeds if the stored version still
	// matches, so concurrent read-modify-write cycles cannot silently
	// overwrite each other.
	Version int64 `json:"version"`
}

// NewRecord creates a pending record for a fresh submission.
func NewRecord(rootID, seedImageURL string) *Record {
	return &Record{
		RootID:          rootID,
		Status:          StatusPending,
		Loop:            0,
		CurrentImageURL: seedImageURL,
		Chunks:          []string{},
		StartedAt:       time.Now().UTC(),
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Chunks = append([]string(nil), r.Chunks...)
	if r.FailedAt != nil {
		failedAt := *r.FailedAt
		cp.FailedAt = &failedAt
	}
	return &cp
}

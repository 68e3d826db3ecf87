// Package blob provides durable key/value storage for job records and media
// artifacts, plus the path scheme shared by all backends.
package blob

import (
	"context"
	"fmt"
	"strings"
)

// Store is durable key -> bytes storage. Single-key overwrite is the only
// write guarantee; there are no transactions across keys.
type Store interface {
	// Get returns the stored bytes, or apperrors.NotFound if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores data under key, overwriting any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Exists reports whether a key is present without fetching its value.
	Exists(ctx context.Context, key string) (bool, error)
}

// Path scheme. Frozen layout: callers elsewhere (and any objects written by
// previous deployments) depend on these exact keys.

// JobKey returns the key of the serialized job record.
func JobKey(rootID string) string {
	return fmt.Sprintf("jobs/%s.json", rootID)
}

// ChunkKey returns the key of one rendered video segment.
func ChunkKey(rootID string, loop int) string {
	return fmt.Sprintf("videos/%s/chunk_%d.mp4", rootID, loop)
}

// LastFrameKey returns the key of the seed frame extracted after a loop.
func LastFrameKey(rootID string, loop int) string {
	return fmt.Sprintf("images/%s/last_frame_%d.png", rootID, loop)
}

// FinalVideoKey returns the key of the finalized concatenated artifact.
func FinalVideoKey(rootID string) string {
	return fmt.Sprintf("videos/%s/final.mp4", rootID)
}

// ObjectURL returns the externally reachable URL for a stored object.
// Objects are served by this service under /blobs/.
func ObjectURL(baseURL, key string) string {
	return strings.TrimSuffix(baseURL, "/") + "/blobs/" + key
}

// ValidKey reports whether key is safe to serve or store. Keys are
// slash-separated relative paths with no traversal segments.
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

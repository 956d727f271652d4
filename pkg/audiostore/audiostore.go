// Package audiostore persists the audio recordings the post-call reconciler
// downloads from the realtime-voice provider. The filesystem backend is the
// default; an optional S3-backed backend implements the same interface for
// deployments that don't want recordings on local disk.
package audiostore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no audio exists at path. Callers must
// treat this as "no recording", not a hard failure.
var ErrNotFound = errors.New("audiostore: not found")

// Store saves and retrieves recorded conversation audio. Both backends key
// on the same relative path the reconciler computes, so switching backends
// never changes a Recording's stored path format, only where it resolves
// to.
type Store interface {
	// Put writes data at relativePath and returns the path to persist on the
	// Recording row. On failure the reconciler leaves the Recording's audio
	// path empty rather than propagating the error.
	Put(ctx context.Context, relativePath string, data []byte) (storedPath string, err error)
	// Get reads back previously stored audio, for out-of-core serving paths
	// that reuse this interface. Returns ErrNotFound if absent.
	Get(ctx context.Context, storedPath string) ([]byte, error)
}

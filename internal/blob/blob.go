// Package blob stores uploaded file contents. The gateway persists only a
// blob key on the file record; the bytes live behind the Store interface
// so deployments can swap the local-disk implementation for object
// storage without touching callers.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a blob key does not exist in the store.
var ErrNotFound = errors.New("blob: not found")

// Store is the storage surface the gateway depends on.
type Store interface {
	// Put writes the blob and returns the number of bytes stored.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)

	// Open returns a reader over the blob. The caller closes it.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// SignedURL returns a URL that grants read access to the blob until
	// ttl elapses, without further authentication.
	SignedURL(key string, ttl time.Duration) (string, error)

	// VerifySignedPath checks the signature and expiry of a previously
	// issued signed URL path. Returns the blob key on success.
	VerifySignedPath(key, expires, signature string) (string, error)

	// Ping verifies the store is usable. Called once at startup.
	Ping(ctx context.Context) error
}

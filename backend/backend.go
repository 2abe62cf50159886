// Package backend provides the object storage backends a library can
// live on. Exactly two implementations exist — local filesystem and
// S3-compatible object storage — selected by the storage profile.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// ErrNotSupported is returned for operations a backend cannot serve
// (remote listing and existence checks on the S3 backend).
var ErrNotSupported = errors.New("operation not supported by backend")

// Backend stores opaque blobs by string key. Implementations must be
// safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, overwriting any prior blob.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix, using "/" as the
	// path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// ReadAll is a convenience helper for backends that fetches a key's
// full content as a byte slice.
func ReadAll(ctx context.Context, b Backend, key string) ([]byte, error) {
	rc, err := b.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return data, nil
}

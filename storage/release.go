// Package storage applies per-profile policy (local or cloud,
// encrypted or plain, chunked or direct) to release files, and
// reassembles chunked files from their mapping rows.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quaverhq/quaver"
	"github.com/quaverhq/quaver/backend"
	"github.com/quaverhq/quaver/encryption"
	"github.com/quaverhq/quaver/metadb"
)

// ReleaseStorage reads and writes whole logical files under a release.
// Direct file access only serves non-chunked profiles; chunked content
// is reachable through the Reconstructor, which operates per chunk.
type ReleaseStorage interface {
	ReadFile(ctx context.Context, profile *metadb.StorageProfile, releaseID, filename string) ([]byte, error)
	WriteFile(ctx context.Context, profile *metadb.StorageProfile, releaseID, filename string, data []byte) error
	ListFiles(ctx context.Context, profile *metadb.StorageProfile, releaseID string) ([]string, error)
	FileExists(ctx context.Context, profile *metadb.StorageProfile, releaseID, filename string) (bool, error)
	DeleteFile(ctx context.Context, profile *metadb.StorageProfile, releaseID, filename string) error
}

// Releases implements ReleaseStorage.
type Releases struct {
	backends *Backends
	enc      *encryption.Service
	logger   *slog.Logger
}

// ReleasesOption configures a Releases instance.
type ReleasesOption func(*Releases)

// WithEncryption supplies key material for encrypted profiles. Without
// it, operations on encrypted profiles fail with ErrNotConfigured.
func WithEncryption(enc *encryption.Service) ReleasesOption {
	return func(r *Releases) {
		r.enc = enc
	}
}

// WithReleasesLogger sets the logger.
func WithReleasesLogger(logger *slog.Logger) ReleasesOption {
	return func(r *Releases) {
		r.logger = logger
	}
}

// NewReleases creates a profile-driven release file store.
func NewReleases(backends *Backends, opts ...ReleasesOption) *Releases {
	r := &Releases{
		backends: backends,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReadFile returns the decrypted content of a release file.
func (r *Releases) ReadFile(ctx context.Context, profile *metadb.StorageProfile, releaseID, filename string) ([]byte, error) {
	if profile.Chunked {
		return nil, fmt.Errorf("direct read on chunked profile %s: %w", profile.ID, ErrNotSupported)
	}
	if profile.Encrypted && r.enc == nil {
		return nil, fmt.Errorf("profile %s is encrypted but no key material supplied: %w", profile.ID, ErrNotConfigured)
	}

	be, err := r.backends.For(ctx, profile)
	if err != nil {
		return nil, err
	}

	key := quaver.FileStorageKey(releaseID, filename)
	data, err := backend.ReadAll(ctx, be, key)
	if err != nil {
		return nil, mapBackendErr(profile, "reading "+key, err)
	}

	if !profile.Encrypted {
		return data, nil
	}

	plain, err := r.enc.Open(profile.EnvelopeFormat, data)
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w: %v", key, ErrEncryption, err)
	}
	return plain, nil
}

// WriteFile stores a release file, encrypting it first when the
// profile requires it. Encrypted writes always use the canonical
// envelope regardless of what legacy format the profile reads.
func (r *Releases) WriteFile(ctx context.Context, profile *metadb.StorageProfile, releaseID, filename string, data []byte) error {
	if profile.Chunked {
		return fmt.Errorf("direct write on chunked profile %s: %w", profile.ID, ErrNotSupported)
	}

	payload := data
	if profile.Encrypted {
		if r.enc == nil {
			return fmt.Errorf("profile %s is encrypted but no key material supplied: %w", profile.ID, ErrNotConfigured)
		}
		sealed, err := r.enc.Seal(data)
		if err != nil {
			return fmt.Errorf("encrypting %s: %w: %v", filename, ErrEncryption, err)
		}
		payload = sealed
	}

	be, err := r.backends.For(ctx, profile)
	if err != nil {
		return err
	}

	key := quaver.FileStorageKey(releaseID, filename)
	if err := be.Write(ctx, key, bytes.NewReader(payload)); err != nil {
		return mapBackendErr(profile, "writing "+key, err)
	}

	r.logger.Debug("wrote release file",
		"release", releaseID, "file", filename,
		"bytes", len(data), "encrypted", profile.Encrypted)
	return nil
}

// ListFiles returns the filenames stored under a release. The cloud
// backend does not support listing; that surfaces as ErrNotSupported.
func (r *Releases) ListFiles(ctx context.Context, profile *metadb.StorageProfile, releaseID string) ([]string, error) {
	if profile.Chunked {
		return nil, fmt.Errorf("direct listing on chunked profile %s: %w", profile.ID, ErrNotSupported)
	}

	be, err := r.backends.For(ctx, profile)
	if err != nil {
		return nil, err
	}

	keys, err := be.List(ctx, releaseID)
	if err != nil {
		return nil, mapBackendErr(profile, "listing "+releaseID, err)
	}

	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, strings.TrimPrefix(key, releaseID+"/"))
	}
	return names, nil
}

// FileExists reports whether a release file exists. The cloud backend
// does not support existence checks; that surfaces as ErrNotSupported.
func (r *Releases) FileExists(ctx context.Context, profile *metadb.StorageProfile, releaseID, filename string) (bool, error) {
	if profile.Chunked {
		return false, fmt.Errorf("direct existence check on chunked profile %s: %w", profile.ID, ErrNotSupported)
	}

	be, err := r.backends.For(ctx, profile)
	if err != nil {
		return false, err
	}

	exists, err := be.Exists(ctx, quaver.FileStorageKey(releaseID, filename))
	if err != nil {
		return false, mapBackendErr(profile, "checking "+filename, err)
	}
	return exists, nil
}

// DeleteFile removes a release file. Deleting an absent file is a
// no-op, matching the backends.
func (r *Releases) DeleteFile(ctx context.Context, profile *metadb.StorageProfile, releaseID, filename string) error {
	if profile.Chunked {
		return fmt.Errorf("direct delete on chunked profile %s: %w", profile.ID, ErrNotSupported)
	}

	be, err := r.backends.For(ctx, profile)
	if err != nil {
		return err
	}

	if err := be.Delete(ctx, quaver.FileStorageKey(releaseID, filename)); err != nil {
		return mapBackendErr(profile, "deleting "+filename, err)
	}
	return nil
}

// Compile-time interface check
var _ ReleaseStorage = (*Releases)(nil)

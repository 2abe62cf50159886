package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quaverhq/quaver/backend"
	"github.com/quaverhq/quaver/metadb"
)

// Backends resolves a profile to its object backend. Exactly two
// backends exist, selected by profile location; instances are cached
// per profile id. All resolved backends are instrumented.
type Backends struct {
	mu       sync.Mutex
	byID     map[string]backend.Backend
	newS3    func(ctx context.Context, cfg backend.S3Config) (backend.Backend, error)
	newLocal func(root string) (backend.Backend, error)
}

// NewBackends creates a backend resolver.
func NewBackends() *Backends {
	return &Backends{
		byID: make(map[string]backend.Backend),
		newS3: func(ctx context.Context, cfg backend.S3Config) (backend.Backend, error) {
			return backend.NewS3(ctx, cfg)
		},
		newLocal: func(root string) (backend.Backend, error) {
			return backend.NewFilesystem(root)
		},
	}
}

// For returns the backend for a profile, constructing it on first use.
func (b *Backends) For(ctx context.Context, profile *metadb.StorageProfile) (backend.Backend, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if be, ok := b.byID[profile.ID]; ok {
		return be, nil
	}

	var (
		be   backend.Backend
		name string
		err  error
	)
	switch profile.Location {
	case metadb.LocationLocal:
		if profile.LocationPath == "" {
			return nil, fmt.Errorf("profile %s has no local path: %w", profile.ID, ErrNotConfigured)
		}
		be, err = b.newLocal(profile.LocationPath)
		name = "filesystem"
	case metadb.LocationCloud:
		if profile.S3 == nil {
			return nil, fmt.Errorf("profile %s has no cloud credentials: %w", profile.ID, ErrNotConfigured)
		}
		be, err = b.newS3(ctx, *profile.S3)
		name = "s3"
	default:
		return nil, fmt.Errorf("profile %s has unknown location %q: %w", profile.ID, profile.Location, ErrNotConfigured)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s backend for profile %s: %w", name, profile.ID, err)
	}

	instrumented := backend.NewInstrumented(be, name)
	b.byID[profile.ID] = instrumented
	return instrumented, nil
}

// mapBackendErr translates backend sentinel errors into the storage
// taxonomy, wrapping cloud failures so callers can tell them from
// local disk failures.
func mapBackendErr(profile *metadb.StorageProfile, op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backend.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, backend.ErrNotSupported):
		return fmt.Errorf("%s: %w", op, ErrNotSupported)
	case profile.Location == metadb.LocationCloud:
		return fmt.Errorf("%s: %w: %v", op, ErrCloud, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

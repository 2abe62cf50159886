package mediaurl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/quaverhq/quaver/metadb"
	"github.com/quaverhq/quaver/storage"
)

// ErrNotFound is returned when a URL cannot be served. Any internal
// failure behind an image request collapses into it: the GUI shows a
// missing image instead of crashing.
var ErrNotFound = errors.New("mediaurl: not found")

// Response is the answer to a resolved quaver:// URL.
type Response struct {
	Data []byte
	MIME string
}

// Resolver answers quaver:// requests from the metadata store, the
// chunk reconstructor and the release file store.
type Resolver struct {
	db            *metadb.DB
	reconstructor *storage.Reconstructor
	releases      storage.ReleaseStorage
	logger        *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a URL resolver.
func NewResolver(db *metadb.DB, rec *storage.Reconstructor, releases storage.ReleaseStorage, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		db:            db,
		reconstructor: rec,
		releases:      releases,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve parses and answers a quaver:// URL. Malformed URLs return
// ErrInvalidURL; anything that cannot be served returns ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*Response, error) {
	req, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	switch req.Kind {
	case KindLocal:
		return r.resolveLocal(req.Path)
	case KindImage:
		return r.resolveImage(ctx, req.ImageID)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, req.Kind)
	}
}

func (r *Resolver) resolveLocal(path string) (*Response, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		r.logger.Warn("local media read failed", "path", path, "error", err)
		return nil, fmt.Errorf("reading %s: %w", path, ErrNotFound)
	}
	return &Response{Data: data, MIME: MIMEType(path)}, nil
}

// resolveImage serves a chunk-backed image by file id. The owning
// profile decides whether the bytes come through the reconstructor or
// the direct file store.
func (r *Resolver) resolveImage(ctx context.Context, imageID string) (*Response, error) {
	file, err := r.db.GetFile(ctx, imageID)
	if err != nil {
		r.logger.Warn("image lookup failed", "image", imageID, "error", err)
		return nil, fmt.Errorf("image %s: %w", imageID, ErrNotFound)
	}

	profile, err := r.db.DefaultProfile(ctx)
	if err != nil {
		r.logger.Warn("no default storage profile", "image", imageID, "error", err)
		return nil, fmt.Errorf("image %s: %w", imageID, ErrNotFound)
	}

	var data []byte
	if profile.Chunked {
		data, err = r.reconstructor.ReconstructFile(ctx, profile, file.ID)
	} else {
		data, err = r.releases.ReadFile(ctx, profile, file.ReleaseID, file.Name)
	}
	if err != nil {
		r.logger.Warn("image fetch failed",
			"image", imageID, "file", file.Name, "error", err)
		return nil, fmt.Errorf("image %s: %w", imageID, ErrNotFound)
	}

	return &Response{Data: data, MIME: MIMEType(file.Name)}, nil
}

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quaverhq/quaver"
	"github.com/quaverhq/quaver/backend"
	"github.com/quaverhq/quaver/cache"
	"github.com/quaverhq/quaver/encryption"
	"github.com/quaverhq/quaver/metadb"
	"github.com/quaverhq/quaver/telemetry"
)

// DefaultFetchConcurrency bounds parallel chunk fetches per
// reconstruction.
const DefaultFetchConcurrency = 4

// Reconstructor assembles a logical file's bytes from the chunks it is
// packed into, driven by the file's ordered mapping rows. Chunk bytes
// come from the local cache when present, otherwise from the object
// backend; a backend fetch does not repopulate the cache, which fills
// only on explicit puts.
//
// Reconstruction is read-only. Concurrent reconstructions of the same
// file are not deduplicated; each caller pays the full fetch cost.
type Reconstructor struct {
	db       *metadb.DB
	cache    *cache.Cache
	backends *Backends
	enc      *encryption.Service
	logger   *slog.Logger
	fetchers int
}

// ReconstructorOption configures a Reconstructor.
type ReconstructorOption func(*Reconstructor)

// WithReconstructorEncryption supplies key material for encrypted
// profiles.
func WithReconstructorEncryption(enc *encryption.Service) ReconstructorOption {
	return func(r *Reconstructor) {
		r.enc = enc
	}
}

// WithReconstructorLogger sets the logger.
func WithReconstructorLogger(logger *slog.Logger) ReconstructorOption {
	return func(r *Reconstructor) {
		r.logger = logger
	}
}

// WithFetchConcurrency bounds parallel chunk fetches.
func WithFetchConcurrency(n int) ReconstructorOption {
	return func(r *Reconstructor) {
		if n > 0 {
			r.fetchers = n
		}
	}
}

// NewReconstructor creates a chunk reconstructor.
func NewReconstructor(db *metadb.DB, c *cache.Cache, backends *Backends, opts ...ReconstructorOption) *Reconstructor {
	r := &Reconstructor{
		db:       db,
		cache:    c,
		backends: backends,
		logger:   slog.Default(),
		fetchers: DefaultFetchConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReconstructFile returns the complete content of a chunked file.
// Distinct chunks are fetched in parallel, then mapping ranges are
// concatenated in order. The result must match the file's recorded
// size; a shortfall fails loudly rather than returning truncated data.
func (r *Reconstructor) ReconstructFile(ctx context.Context, profile *metadb.StorageProfile, fileID string) ([]byte, error) {
	start := time.Now()

	file, err := r.db.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
		}
		return nil, fmt.Errorf("loading file %s: %w", fileID, err)
	}

	mappings, chunkIDs, err := r.loadMappings(ctx, fileID)
	if err != nil {
		return nil, err
	}

	// Pin the chunks so a concurrent cache eviction cannot pull them
	// out from under the mapping loop.
	r.cache.PinAll(chunkIDs)
	defer r.cache.UnpinAll(chunkIDs)

	chunks, err := r.fetchChunks(ctx, profile, chunkIDs)
	if err != nil {
		telemetry.RecordReconstruct(ctx, "error", time.Since(start), 0)
		return nil, err
	}

	var out bytes.Buffer
	out.Grow(int(file.Size))
	for _, m := range mappings {
		if err := appendRange(&out, chunks[m.ChunkID], m); err != nil {
			telemetry.RecordReconstruct(ctx, "error", time.Since(start), 0)
			return nil, err
		}
	}

	if int64(out.Len()) != file.Size {
		telemetry.RecordReconstruct(ctx, "error", time.Since(start), 0)
		return nil, fmt.Errorf("file %s reconstructed to %d bytes, recorded size %d: %w",
			fileID, out.Len(), file.Size, ErrCorrupt)
	}

	telemetry.RecordReconstruct(ctx, "success", time.Since(start), file.Size)
	return out.Bytes(), nil
}

// ReconstructFileByName resolves a file by release and name, then
// reconstructs it.
func (r *Reconstructor) ReconstructFileByName(ctx context.Context, profile *metadb.StorageProfile, releaseID, name string) ([]byte, error) {
	file, err := r.db.FileByName(ctx, releaseID, name)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, fmt.Errorf("file %s/%s: %w", releaseID, name, ErrNotFound)
		}
		return nil, fmt.Errorf("resolving file %s/%s: %w", releaseID, name, err)
	}
	return r.ReconstructFile(ctx, profile, file.ID)
}

// ReconstructFileInto streams a file's content to w in mapping order,
// fetching each chunk at its first use. Earlier ranges reach the writer
// before later chunks are downloaded, which lets a decoder start on a
// partially fetched file.
func (r *Reconstructor) ReconstructFileInto(ctx context.Context, profile *metadb.StorageProfile, fileID string, w io.Writer) (int64, error) {
	file, err := r.db.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return 0, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
		}
		return 0, fmt.Errorf("loading file %s: %w", fileID, err)
	}

	mappings, chunkIDs, err := r.loadMappings(ctx, fileID)
	if err != nil {
		return 0, err
	}

	r.cache.PinAll(chunkIDs)
	defer r.cache.UnpinAll(chunkIDs)

	var (
		written int64
		fetched = make(map[string][]byte, len(chunkIDs))
		buf     bytes.Buffer
	)
	for _, m := range mappings {
		data, ok := fetched[m.ChunkID]
		if !ok {
			data, err = r.fetchChunk(ctx, profile, m.ChunkID)
			if err != nil {
				return written, err
			}
			fetched[m.ChunkID] = data
		}

		buf.Reset()
		if err := appendRange(&buf, data, m); err != nil {
			return written, err
		}
		n, err := w.Write(buf.Bytes())
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("writing file %s: %w", fileID, err)
		}
	}

	if written != file.Size {
		return written, fmt.Errorf("file %s streamed %d bytes, recorded size %d: %w",
			fileID, written, file.Size, ErrCorrupt)
	}
	return written, nil
}

// loadMappings returns a file's mappings plus its distinct chunk ids in
// first-use order.
func (r *Reconstructor) loadMappings(ctx context.Context, fileID string) ([]metadb.FileChunkMapping, []string, error) {
	mappings, err := r.db.FileChunks(ctx, fileID)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, nil, fmt.Errorf("no chunk mappings for file %s: %w", fileID, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("loading mappings for file %s: %w", fileID, err)
	}

	seen := make(map[string]struct{}, len(mappings))
	var chunkIDs []string
	for _, m := range mappings {
		if _, ok := seen[m.ChunkID]; ok {
			continue
		}
		seen[m.ChunkID] = struct{}{}
		chunkIDs = append(chunkIDs, m.ChunkID)
	}
	return mappings, chunkIDs, nil
}

// fetchChunks fetches the given chunks with bounded parallelism.
func (r *Reconstructor) fetchChunks(ctx context.Context, profile *metadb.StorageProfile, chunkIDs []string) (map[string][]byte, error) {
	var (
		mu     sync.Mutex
		chunks = make(map[string][]byte, len(chunkIDs))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fetchers)
	for _, id := range chunkIDs {
		g.Go(func() error {
			data, err := r.fetchChunk(gctx, profile, id)
			if err != nil {
				return err
			}
			mu.Lock()
			chunks[id] = data
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// fetchChunk returns one chunk's decrypted, verified content.
func (r *Reconstructor) fetchChunk(ctx context.Context, profile *metadb.StorageProfile, chunkID string) ([]byte, error) {
	chunk, err := r.db.GetChunk(ctx, chunkID)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
		}
		return nil, fmt.Errorf("loading chunk %s: %w", chunkID, err)
	}

	raw, ok := r.cache.Get(ctx, chunkID)
	if ok {
		telemetry.RecordChunkFetch(ctx, "cache", int64(len(raw)))
	} else {
		be, err := r.backends.For(ctx, profile)
		if err != nil {
			return nil, err
		}
		raw, err = backend.ReadAll(ctx, be, chunk.StorageKey)
		if err != nil {
			return nil, mapBackendErr(profile, "fetching chunk "+chunkID, err)
		}
		telemetry.RecordChunkFetch(ctx, "backend", int64(len(raw)))
	}

	plain := raw
	if profile.Encrypted {
		if r.enc == nil {
			return nil, fmt.Errorf("profile %s is encrypted but no key material supplied: %w", profile.ID, ErrNotConfigured)
		}
		plain, err = r.enc.Open(chunk.EnvelopeFormat, raw)
		if err != nil {
			return nil, fmt.Errorf("decrypting chunk %s: %w: %v", chunkID, ErrEncryption, err)
		}
	}

	if !chunk.Checksum.IsZero() {
		if got := quaver.HashBytes(plain); got != chunk.Checksum {
			return nil, fmt.Errorf("chunk %s checksum mismatch (got %s, want %s): %w",
				chunkID, got.ShortString(), chunk.Checksum.ShortString(), ErrCorrupt)
		}
	}
	if chunk.Size > 0 && int64(len(plain)) != chunk.Size {
		return nil, fmt.Errorf("chunk %s is %d bytes, recorded size %d: %w",
			chunkID, len(plain), chunk.Size, ErrCorrupt)
	}

	return plain, nil
}

// appendRange slices one mapping's byte range out of a chunk's content.
// Offsets are relative to the decrypted content, never the envelope.
func appendRange(out *bytes.Buffer, chunk []byte, m metadb.FileChunkMapping) error {
	end := m.ByteOffset + m.ByteLength
	if m.ByteOffset < 0 || end > int64(len(chunk)) {
		return fmt.Errorf("mapping range [%d, %d) exceeds chunk %s content (%d bytes): %w",
			m.ByteOffset, end, m.ChunkID, len(chunk), ErrCorrupt)
	}
	out.Write(chunk[m.ByteOffset:end])
	return nil
}

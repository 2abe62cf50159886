package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quaverhq/quaver"
	"github.com/quaverhq/quaver/encryption"
	"github.com/quaverhq/quaver/metadb"
	"github.com/quaverhq/quaver/telemetry"
)

// DefaultChunkSize is the packing chunk size (1 MiB).
const DefaultChunkSize = 1 << 20

// DefaultUploadConcurrency bounds parallel chunk uploads per pack run.
const DefaultUploadConcurrency = 4

// FileData is one input file for packing.
type FileData struct {
	Name string
	Data []byte
}

// PackResult reports what a pack run produced.
type PackResult struct {
	Files  []*metadb.FileEntry
	Chunks []*metadb.Chunk
	Bytes  int64
}

// Packer splits a release's files into fixed-size chunks, encrypts
// them when the profile requires it, uploads with a bounded worker
// pool, and records the chunk and mapping rows that reconstruction
// reads back. Files are packed back to back, so one chunk can hold the
// tail of one file and the head of the next.
type Packer struct {
	db        *metadb.DB
	backends  *Backends
	enc       *encryption.Service
	logger    *slog.Logger
	chunkSize int
	uploaders int
}

// PackerOption configures a Packer.
type PackerOption func(*Packer)

// WithPackerEncryption supplies key material for encrypted profiles.
func WithPackerEncryption(enc *encryption.Service) PackerOption {
	return func(p *Packer) {
		p.enc = enc
	}
}

// WithPackerLogger sets the logger.
func WithPackerLogger(logger *slog.Logger) PackerOption {
	return func(p *Packer) {
		p.logger = logger
	}
}

// WithChunkSize sets the packing chunk size.
func WithChunkSize(size int) PackerOption {
	return func(p *Packer) {
		if size > 0 {
			p.chunkSize = size
		}
	}
}

// WithUploadConcurrency bounds parallel chunk uploads.
func WithUploadConcurrency(n int) PackerOption {
	return func(p *Packer) {
		if n > 0 {
			p.uploaders = n
		}
	}
}

// NewPacker creates a release packer.
func NewPacker(db *metadb.DB, backends *Backends, opts ...PackerOption) *Packer {
	p := &Packer{
		db:        db,
		backends:  backends,
		logger:    slog.Default(),
		chunkSize: DefaultChunkSize,
		uploaders: DefaultUploadConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// pendingChunk is a chunk under construction during a pack run.
type pendingChunk struct {
	record  *metadb.Chunk
	content []byte
}

// PackRelease packs files into chunks under the given profile and
// persists the resulting metadata. The profile must be chunked.
func (p *Packer) PackRelease(ctx context.Context, profile *metadb.StorageProfile, releaseID string, files []FileData) (*PackResult, error) {
	start := time.Now()

	if !profile.Chunked {
		return nil, fmt.Errorf("packing requires a chunked profile, %s is not: %w", profile.ID, ErrNotSupported)
	}
	if profile.Encrypted && p.enc == nil {
		return nil, fmt.Errorf("profile %s is encrypted but no key material supplied: %w", profile.ID, ErrNotConfigured)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to pack: %w", ErrNotFound)
	}

	chunks, entries, mappings := p.split(releaseID, files)

	uploaded, err := p.upload(ctx, profile, chunks)
	if err != nil {
		telemetry.RecordPack(ctx, "error", time.Since(start), 0)
		return nil, err
	}

	if err := p.persist(ctx, chunks, entries, mappings); err != nil {
		telemetry.RecordPack(ctx, "error", time.Since(start), 0)
		return nil, err
	}

	result := &PackResult{
		Files: entries,
		Bytes: uploaded,
	}
	for _, c := range chunks {
		result.Chunks = append(result.Chunks, c.record)
	}

	p.logger.Info("packed release",
		"release", releaseID, "files", len(entries),
		"chunks", len(chunks), "bytes", uploaded,
		"encrypted", profile.Encrypted)
	telemetry.RecordPack(ctx, "success", time.Since(start), uploaded)
	return result, nil
}

// split lays the files back to back across fixed-size chunks and
// records a mapping row per contiguous span.
func (p *Packer) split(releaseID string, files []FileData) ([]*pendingChunk, []*metadb.FileEntry, map[string][]metadb.FileChunkMapping) {
	var (
		chunks   []*pendingChunk
		current  *pendingChunk
		entries  []*metadb.FileEntry
		mappings = make(map[string][]metadb.FileChunkMapping)
	)

	nextChunk := func() *pendingChunk {
		c := &pendingChunk{
			record: &metadb.Chunk{
				ID:         uuid.NewString(),
				ReleaseID:  releaseID,
				Index:      len(chunks),
				StorageKey: quaver.ChunkStorageKey(releaseID, len(chunks)),
			},
			content: make([]byte, 0, p.chunkSize),
		}
		chunks = append(chunks, c)
		return c
	}

	for _, f := range files {
		entry := &metadb.FileEntry{
			ID:        uuid.NewString(),
			ReleaseID: releaseID,
			Name:      f.Name,
			Size:      int64(len(f.Data)),
		}
		entries = append(entries, entry)

		rest := f.Data
		for len(rest) > 0 || len(f.Data) == 0 {
			if current == nil || len(current.content) == p.chunkSize {
				current = nextChunk()
			}

			span := p.chunkSize - len(current.content)
			if span > len(rest) {
				span = len(rest)
			}

			mappings[entry.ID] = append(mappings[entry.ID], metadb.FileChunkMapping{
				FileID:     entry.ID,
				ChunkID:    current.record.ID,
				ByteOffset: int64(len(current.content)),
				ByteLength: int64(span),
			})
			current.content = append(current.content, rest[:span]...)
			rest = rest[span:]

			if len(f.Data) == 0 {
				break
			}
		}
	}

	for _, c := range chunks {
		c.record.Size = int64(len(c.content))
		c.record.Checksum = quaver.HashBytes(c.content)
	}
	return chunks, entries, mappings
}

// upload seals and uploads the chunks with bounded parallelism and
// returns the total plaintext byte count.
func (p *Packer) upload(ctx context.Context, profile *metadb.StorageProfile, chunks []*pendingChunk) (int64, error) {
	be, err := p.backends.For(ctx, profile)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, c := range chunks {
		total += c.record.Size
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.uploaders)
	for _, c := range chunks {
		g.Go(func() error {
			payload := c.content
			if profile.Encrypted {
				sealed, err := p.enc.Seal(c.content)
				if err != nil {
					return fmt.Errorf("encrypting chunk %s: %w: %v", c.record.ID, ErrEncryption, err)
				}
				payload = sealed
				c.record.EnvelopeFormat = encryption.FormatV1
			}
			if err := be.Write(gctx, c.record.StorageKey, bytes.NewReader(payload)); err != nil {
				return mapBackendErr(profile, "uploading chunk "+c.record.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return total, nil
}

// persist writes the chunk, file and mapping rows.
func (p *Packer) persist(ctx context.Context, chunks []*pendingChunk, entries []*metadb.FileEntry, mappings map[string][]metadb.FileChunkMapping) error {
	for _, c := range chunks {
		if err := p.db.PutChunk(ctx, c.record); err != nil {
			return fmt.Errorf("recording chunk %s: %w", c.record.ID, err)
		}
	}
	for _, entry := range entries {
		if err := p.db.PutFile(ctx, entry); err != nil {
			return fmt.Errorf("recording file %s: %w", entry.Name, err)
		}
		if err := p.db.PutFileChunks(ctx, entry.ID, mappings[entry.ID]); err != nil {
			return fmt.Errorf("recording mappings for %s: %w", entry.Name, err)
		}
	}
	return nil
}

// Package metadb persists the metadata this core reads: storage
// profiles, chunk records, file entries and the ordered file-to-chunk
// mappings that drive reconstruction.
package metadb

import (
	"errors"

	"github.com/quaverhq/quaver"
	"github.com/quaverhq/quaver/backend"
	"github.com/quaverhq/quaver/encryption"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("metadb: not found")

// Location identifies where a profile stores its objects.
type Location string

const (
	LocationLocal Location = "local"
	LocationCloud Location = "cloud"
)

// StorageProfile describes one storage policy: where objects live and
// whether they are encrypted or chunked. Profiles are immutable per
// operation; callers select one and pass it down.
type StorageProfile struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Location Location `json:"location"`

	// LocationPath is the local root directory for LocationLocal.
	LocationPath string `json:"location_path,omitempty"`

	// S3 holds the cloud credentials for LocationCloud.
	S3 *backend.S3Config `json:"s3,omitempty"`

	Encrypted bool `json:"encrypted"`
	Chunked   bool `json:"chunked"`
	IsDefault bool `json:"is_default"`

	// EnvelopeFormat records which encryption envelope the profile's
	// non-chunked files use. Empty means the canonical format.
	EnvelopeFormat encryption.Format `json:"envelope_format,omitempty"`
}

// Chunk is one stored blob, the unit of upload, download, cache and
// encryption. Chunk identity is independent of which files it holds.
type Chunk struct {
	ID        string `json:"id"`
	ReleaseID string `json:"release_id"`
	Index     int    `json:"index"`

	// StorageKey is the backend key the chunk is stored under.
	StorageKey string `json:"storage_key"`

	// Size is the decrypted content size in bytes.
	Size int64 `json:"size"`

	// Checksum is the BLAKE3 hash of the decrypted content.
	Checksum quaver.Hash `json:"checksum"`

	// EnvelopeFormat records which encryption envelope the stored
	// blob uses. Empty for plaintext chunks.
	EnvelopeFormat encryption.Format `json:"envelope_format,omitempty"`
}

// FileEntry is one logical file of a release.
type FileEntry struct {
	ID        string `json:"id"`
	ReleaseID string `json:"release_id"`
	Name      string `json:"name"`

	// Size is the file's total decrypted size in bytes. Reconstruction
	// verifies its output against this.
	Size int64 `json:"size"`
}

// FileChunkMapping links a file to a byte range of one chunk's
// decrypted content. A file's mappings, concatenated in order, produce
// the file's bytes.
type FileChunkMapping struct {
	FileID     string `json:"file_id"`
	ChunkID    string `json:"chunk_id"`
	ByteOffset int64  `json:"byte_offset"`
	ByteLength int64  `json:"byte_length"`
}

package storage

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quaverhq/quaver"
	"github.com/quaverhq/quaver/backend"
	"github.com/quaverhq/quaver/metadb"
)

// seedChunk stores a plaintext chunk in the profile's backend and
// records it in the db.
func seedChunk(t *testing.T, db *metadb.DB, profile *metadb.StorageProfile, id string, index int, content []byte) {
	t.Helper()
	ctx := context.Background()

	fs, err := backend.NewFilesystem(profile.LocationPath)
	require.NoError(t, err)

	key := quaver.ChunkStorageKey("rel-1", index)
	require.NoError(t, fs.Write(ctx, key, bytes.NewReader(content)))

	require.NoError(t, db.PutChunk(ctx, &metadb.Chunk{
		ID:         id,
		ReleaseID:  "rel-1",
		Index:      index,
		StorageKey: key,
		Size:       int64(len(content)),
		Checksum:   quaver.HashBytes(content),
	}))
}

func TestReconstructTwoChunkFile(t *testing.T) {
	db := newTestDB(t)
	c := newTestCache(t)
	ctx := context.Background()
	profile := localProfile(t, false)
	profile.Chunked = true

	seedChunk(t, db, profile, "chunk-0", 0, []byte("0123456789"))
	seedChunk(t, db, profile, "chunk-1", 1, []byte("ABCDEFGHIJ"))

	require.NoError(t, db.PutFile(ctx, &metadb.FileEntry{
		ID: "file-1", ReleaseID: "rel-1", Name: "img.png", Size: 10,
	}))
	require.NoError(t, db.PutFileChunks(ctx, "file-1", []metadb.FileChunkMapping{
		{FileID: "file-1", ChunkID: "chunk-0", ByteOffset: 5, ByteLength: 5},
		{FileID: "file-1", ChunkID: "chunk-1", ByteOffset: 0, ByteLength: 5},
	}))

	r := NewReconstructor(db, c, NewBackends())
	got, err := r.ReconstructFile(ctx, profile, "file-1")
	require.NoError(t, err)
	require.Equal(t, []byte("56789ABCDE"), got)
}

func TestReconstructPrefersCache(t *testing.T) {
	db := newTestDB(t)
	c := newTestCache(t)
	ctx := context.Background()
	profile := localProfile(t, false)
	profile.Chunked = true

	content := []byte("cached chunk content")
	seedChunk(t, db, profile, "chunk-0", 0, content)
	require.NoError(t, c.Put(ctx, "chunk-0", content))

	// Remove the backend copy; a cache hit must serve the read anyway.
	fs, err := backend.NewFilesystem(profile.LocationPath)
	require.NoError(t, err)
	require.NoError(t, fs.Delete(ctx, quaver.ChunkStorageKey("rel-1", 0)))

	require.NoError(t, db.PutFile(ctx, &metadb.FileEntry{
		ID: "file-1", ReleaseID: "rel-1", Name: "f", Size: int64(len(content)),
	}))
	require.NoError(t, db.PutFileChunks(ctx, "file-1", []metadb.FileChunkMapping{
		{FileID: "file-1", ChunkID: "chunk-0", ByteOffset: 0, ByteLength: int64(len(content))},
	}))

	r := NewReconstructor(db, c, NewBackends())
	got, err := r.ReconstructFile(ctx, profile, "file-1")
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestReconstructDoesNotRepopulateCache(t *testing.T) {
	db := newTestDB(t)
	c := newTestCache(t)
	ctx := context.Background()
	profile := localProfile(t, false)
	profile.Chunked = true

	content := []byte("backend chunk content")
	seedChunk(t, db, profile, "chunk-0", 0, content)

	require.NoError(t, db.PutFile(ctx, &metadb.FileEntry{
		ID: "file-1", ReleaseID: "rel-1", Name: "f", Size: int64(len(content)),
	}))
	require.NoError(t, db.PutFileChunks(ctx, "file-1", []metadb.FileChunkMapping{
		{FileID: "file-1", ChunkID: "chunk-0", ByteOffset: 0, ByteLength: int64(len(content))},
	}))

	r := NewReconstructor(db, c, NewBackends())
	_, err := r.ReconstructFile(ctx, profile, "file-1")
	require.NoError(t, err)

	require.False(t, c.Contains("chunk-0"), "backend fetches must not repopulate the cache")
}

func TestReconstructNoMappings(t *testing.T) {
	db := newTestDB(t)
	c := newTestCache(t)
	ctx := context.Background()
	profile := localProfile(t, false)

	require.NoError(t, db.PutFile(ctx, &metadb.FileEntry{
		ID: "file-1", ReleaseID: "rel-1", Name: "f", Size: 10,
	}))

	r := NewReconstructor(db, c, NewBackends())
	_, err := r.ReconstructFile(ctx, profile, "file-1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = r.ReconstructFile(ctx, profile, "no-such-file")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReconstructSizeMismatchFailsLoudly(t *testing.T) {
	db := newTestDB(t)
	c := newTestCache(t)
	ctx := context.Background()
	profile := localProfile(t, false)
	profile.Chunked = true

	seedChunk(t, db, profile, "chunk-0", 0, []byte("0123456789"))

	// Recorded size disagrees with the mapping sum.
	require.NoError(t, db.PutFile(ctx, &metadb.FileEntry{
		ID: "file-1", ReleaseID: "rel-1", Name: "f", Size: 20,
	}))
	require.NoError(t, db.PutFileChunks(ctx, "file-1", []metadb.FileChunkMapping{
		{FileID: "file-1", ChunkID: "chunk-0", ByteOffset: 0, ByteLength: 10},
	}))

	r := NewReconstructor(db, c, NewBackends())
	_, err := r.ReconstructFile(ctx, profile, "file-1")
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestReconstructMappingBeyondChunk(t *testing.T) {
	db := newTestDB(t)
	c := newTestCache(t)
	ctx := context.Background()
	profile := localProfile(t, false)
	profile.Chunked = true

	seedChunk(t, db, profile, "chunk-0", 0, []byte("short"))

	require.NoError(t, db.PutFile(ctx, &metadb.FileEntry{
		ID: "file-1", ReleaseID: "rel-1", Name: "f", Size: 50,
	}))
	require.NoError(t, db.PutFileChunks(ctx, "file-1", []metadb.FileChunkMapping{
		{FileID: "file-1", ChunkID: "chunk-0", ByteOffset: 0, ByteLength: 50},
	}))

	r := NewReconstructor(db, c, NewBackends())
	_, err := r.ReconstructFile(ctx, profile, "file-1")
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestReconstructChecksumMismatch(t *testing.T) {
	db := newTestDB(t)
	c := newTestCache(t)
	ctx := context.Background()
	profile := localProfile(t, false)
	profile.Chunked = true

	seedChunk(t, db, profile, "chunk-0", 0, []byte("0123456789"))

	// Corrupt the stored blob after the checksum was recorded.
	fs, err := backend.NewFilesystem(profile.LocationPath)
	require.NoError(t, err)
	require.NoError(t, fs.Write(ctx, quaver.ChunkStorageKey("rel-1", 0), bytes.NewReader([]byte("01234567XX"))))

	require.NoError(t, db.PutFile(ctx, &metadb.FileEntry{
		ID: "file-1", ReleaseID: "rel-1", Name: "f", Size: 10,
	}))
	require.NoError(t, db.PutFileChunks(ctx, "file-1", []metadb.FileChunkMapping{
		{FileID: "file-1", ChunkID: "chunk-0", ByteOffset: 0, ByteLength: 10},
	}))

	r := NewReconstructor(db, c, NewBackends())
	_, err = r.ReconstructFile(ctx, profile, "file-1")
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestReconstructEncryptedWithoutKey(t *testing.T) {
	db := newTestDB(t)
	c := newTestCache(t)
	ctx := context.Background()
	profile := localProfile(t, true)
	profile.Chunked = true

	seedChunk(t, db, profile, "chunk-0", 0, []byte("whatever"))
	require.NoError(t, db.PutFile(ctx, &metadb.FileEntry{
		ID: "file-1", ReleaseID: "rel-1", Name: "f", Size: 8,
	}))
	require.NoError(t, db.PutFileChunks(ctx, "file-1", []metadb.FileChunkMapping{
		{FileID: "file-1", ChunkID: "chunk-0", ByteOffset: 0, ByteLength: 8},
	}))

	r := NewReconstructor(db, c, NewBackends())
	_, err := r.ReconstructFile(ctx, profile, "file-1")
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestReconstructFileInto(t *testing.T) {
	db := newTestDB(t)
	c := newTestCache(t)
	ctx := context.Background()
	profile := localProfile(t, false)
	profile.Chunked = true

	seedChunk(t, db, profile, "chunk-0", 0, []byte("0123456789"))
	seedChunk(t, db, profile, "chunk-1", 1, []byte("ABCDEFGHIJ"))

	require.NoError(t, db.PutFile(ctx, &metadb.FileEntry{
		ID: "file-1", ReleaseID: "rel-1", Name: "f", Size: 10,
	}))
	require.NoError(t, db.PutFileChunks(ctx, "file-1", []metadb.FileChunkMapping{
		{FileID: "file-1", ChunkID: "chunk-0", ByteOffset: 5, ByteLength: 5},
		{FileID: "file-1", ChunkID: "chunk-1", ByteOffset: 0, ByteLength: 5},
	}))

	r := NewReconstructor(db, c, NewBackends())
	var out bytes.Buffer
	n, err := r.ReconstructFileInto(ctx, profile, "file-1", &out)
	require.NoError(t, err)
	require.Equal(t, int64(10), n)
	require.Equal(t, []byte("56789ABCDE"), out.Bytes())
}

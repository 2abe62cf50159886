package storage

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quaverhq/quaver/cache"
	"github.com/quaverhq/quaver/encryption"
	"github.com/quaverhq/quaver/metadb"
)

func newTestEncryption(t *testing.T) *encryption.Service {
	t.Helper()
	key := make([]byte, encryption.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	svc, err := encryption.NewService(key)
	require.NoError(t, err)
	return svc
}

func newTestDB(t *testing.T) *metadb.DB {
	t.Helper()
	db := metadb.New(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(cache.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	return c
}

func localProfile(t *testing.T, encrypted bool) *metadb.StorageProfile {
	t.Helper()
	return &metadb.StorageProfile{
		ID:           "prof-local",
		Name:         "local",
		Location:     metadb.LocationLocal,
		LocationPath: t.TempDir(),
		Encrypted:    encrypted,
	}
}

func TestReleasesWriteReadPlain(t *testing.T) {
	r := NewReleases(NewBackends())
	ctx := context.Background()
	profile := localProfile(t, false)

	data := []byte("cover art bytes")
	require.NoError(t, r.WriteFile(ctx, profile, "rel-1", "cover.jpg", data))

	got, err := r.ReadFile(ctx, profile, "rel-1", "cover.jpg")
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestReleasesWriteReadEncrypted(t *testing.T) {
	enc := newTestEncryption(t)
	r := NewReleases(NewBackends(), WithEncryption(enc))
	ctx := context.Background()
	profile := localProfile(t, true)

	data := []byte("track audio bytes")
	require.NoError(t, r.WriteFile(ctx, profile, "rel-1", "track.flac", data))

	got, err := r.ReadFile(ctx, profile, "rel-1", "track.flac")
	require.NoError(t, err)
	require.Equal(t, data, got)

	// The stored blob must not be the plaintext.
	plain := NewReleases(NewBackends())
	raw, err := plain.ReadFile(ctx, &metadb.StorageProfile{
		ID:           profile.ID,
		Location:     metadb.LocationLocal,
		LocationPath: profile.LocationPath,
	}, "rel-1", "track.flac")
	require.NoError(t, err)
	require.NotEqual(t, data, raw)
}

func TestReleasesEncryptedWithoutKey(t *testing.T) {
	r := NewReleases(NewBackends())
	ctx := context.Background()
	profile := localProfile(t, true)

	err := r.WriteFile(ctx, profile, "rel-1", "track.flac", []byte("x"))
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = r.ReadFile(ctx, profile, "rel-1", "track.flac")
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestReleasesWrongKeyIsEncryptionError(t *testing.T) {
	ctx := context.Background()
	profile := localProfile(t, true)

	writer := NewReleases(NewBackends(), WithEncryption(newTestEncryption(t)))
	require.NoError(t, writer.WriteFile(ctx, profile, "rel-1", "track.flac", []byte("audio")))

	reader := NewReleases(NewBackends(), WithEncryption(newTestEncryption(t)))
	_, err := reader.ReadFile(ctx, profile, "rel-1", "track.flac")
	require.ErrorIs(t, err, ErrEncryption)
}

func TestReleasesReadMissingFile(t *testing.T) {
	r := NewReleases(NewBackends())
	ctx := context.Background()

	_, err := r.ReadFile(ctx, localProfile(t, false), "rel-1", "missing.flac")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReleasesChunkedProfileNotSupported(t *testing.T) {
	r := NewReleases(NewBackends())
	ctx := context.Background()
	profile := localProfile(t, false)
	profile.Chunked = true

	_, err := r.ReadFile(ctx, profile, "rel-1", "track.flac")
	require.ErrorIs(t, err, ErrNotSupported)

	err = r.WriteFile(ctx, profile, "rel-1", "track.flac", []byte("x"))
	require.ErrorIs(t, err, ErrNotSupported)

	_, err = r.ListFiles(ctx, profile, "rel-1")
	require.ErrorIs(t, err, ErrNotSupported)

	_, err = r.FileExists(ctx, profile, "rel-1", "track.flac")
	require.ErrorIs(t, err, ErrNotSupported)

	err = r.DeleteFile(ctx, profile, "rel-1", "track.flac")
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestReleasesListAndExistsAndDelete(t *testing.T) {
	r := NewReleases(NewBackends())
	ctx := context.Background()
	profile := localProfile(t, false)

	require.NoError(t, r.WriteFile(ctx, profile, "rel-1", "a.flac", []byte("a")))
	require.NoError(t, r.WriteFile(ctx, profile, "rel-1", "b.flac", []byte("b")))

	names, err := r.ListFiles(ctx, profile, "rel-1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a.flac", "b.flac"}, names)

	exists, err := r.FileExists(ctx, profile, "rel-1", "a.flac")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, r.DeleteFile(ctx, profile, "rel-1", "a.flac"))
	require.NoError(t, r.DeleteFile(ctx, profile, "rel-1", "a.flac"))

	exists, err = r.FileExists(ctx, profile, "rel-1", "a.flac")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestBackendsUnconfiguredProfiles(t *testing.T) {
	b := NewBackends()
	ctx := context.Background()

	_, err := b.For(ctx, &metadb.StorageProfile{ID: "p1", Location: metadb.LocationLocal})
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = b.For(ctx, &metadb.StorageProfile{ID: "p2", Location: metadb.LocationCloud})
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = b.For(ctx, &metadb.StorageProfile{ID: "p3", Location: "tape"})
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestBackendsCachesPerProfile(t *testing.T) {
	b := NewBackends()
	ctx := context.Background()
	profile := localProfile(t, false)

	first, err := b.For(ctx, profile)
	require.NoError(t, err)
	second, err := b.For(ctx, profile)
	require.NoError(t, err)
	require.Same(t, first, second)
}

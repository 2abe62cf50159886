package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quaverhq/quaver/cache"
	"github.com/quaverhq/quaver/mediaurl"
	"github.com/quaverhq/quaver/metadb"
	"github.com/quaverhq/quaver/storage"
)

func newTestApp(t *testing.T) *app {
	t.Helper()

	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db := metadb.New(metadb.WithNoSync(true), metadb.WithLogger(logger))
	require.NoError(t, db.Open(filepath.Join(dir, "quaver.db")))
	t.Cleanup(func() { _ = db.Close() })

	c, err := cache.New(cache.Config{
		Dir:          filepath.Join(dir, "cache"),
		MaxSizeBytes: 1 << 20,
		MaxFiles:     100,
	}, cache.WithLogger(logger))
	require.NoError(t, err)

	backends := storage.NewBackends()
	releases := storage.NewReleases(backends, storage.WithReleasesLogger(logger))
	reconstructor := storage.NewReconstructor(db, c, backends,
		storage.WithReconstructorLogger(logger))
	packer := storage.NewPacker(db, backends,
		storage.WithPackerLogger(logger),
		storage.WithChunkSize(64))

	return &app{
		logger:        logger,
		db:            db,
		cache:         c,
		backends:      backends,
		releases:      releases,
		reconstructor: reconstructor,
		packer:        packer,
		resolver:      mediaurl.NewResolver(db, reconstructor, releases, mediaurl.WithLogger(logger)),
	}
}

func TestProfileAddStoresLocation(t *testing.T) {
	a := newTestApp(t)
	root := t.TempDir()

	cmd := &ProfileAddCmd{
		ID:       "main",
		Location: "local",
		Path:     root,
		Chunked:  true,
		Default:  true,
		Name:     "main library",
	}
	require.NoError(t, cmd.Run(a))

	profile, err := a.db.GetProfile(context.Background(), "main")
	require.NoError(t, err)
	require.Equal(t, metadb.LocationLocal, profile.Location)
	require.Equal(t, root, profile.LocationPath)
	require.True(t, profile.Chunked)
	require.True(t, profile.IsDefault)
}

func TestProfileAddGeneratesID(t *testing.T) {
	a := newTestApp(t)

	cmd := &ProfileAddCmd{Location: "local", Path: t.TempDir(), Name: "unnamed"}
	require.NoError(t, cmd.Run(a))

	profiles, err := a.db.ListProfiles(context.Background())
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	require.NotEmpty(t, profiles[0].ID)
}

func TestPutGetRoundTrip(t *testing.T) {
	a := newTestApp(t)

	profile := &metadb.StorageProfile{
		ID:           "p1",
		Name:         "local chunked",
		Location:     metadb.LocationLocal,
		LocationPath: t.TempDir(),
		Chunked:      true,
		IsDefault:    true,
	}
	require.NoError(t, a.db.PutProfile(context.Background(), profile))

	inputDir := t.TempDir()
	content := []byte("a track that spans more than one sixty-four byte chunk when packed")
	trackPath := filepath.Join(inputDir, "track.flac")
	require.NoError(t, os.WriteFile(trackPath, content, 0o644))

	put := &PutCmd{Release: "release-1", Files: []string{trackPath}}
	require.NoError(t, put.Run(a))

	outPath := filepath.Join(t.TempDir(), "out.flac")
	get := &GetCmd{Release: "release-1", Name: "track.flac", Output: outPath}
	require.NoError(t, get.Run(a))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestReadInputFileHashesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.bin")
	require.NoError(t, os.WriteFile(path, []byte("hash me"), 0o644))

	data, hash, err := readInputFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("hash me"), data)
	require.False(t, hash.IsZero())

	_, _, err = readInputFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

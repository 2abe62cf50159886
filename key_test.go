package quaver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStorageKey(t *testing.T) {
	require.Equal(t, "rel-1/cover.jpg", FileStorageKey("rel-1", "cover.jpg"))
}

func TestChunkStorageKeyRoundTrip(t *testing.T) {
	key := ChunkStorageKey("rel-1", 42)
	require.Equal(t, "rel-1/chunks/42", key)

	releaseID, index, err := ParseChunkStorageKey(key)
	require.NoError(t, err)
	require.Equal(t, "rel-1", releaseID)
	require.Equal(t, 42, index)
}

func TestParseChunkStorageKeyInvalid(t *testing.T) {
	for _, key := range []string{
		"",
		"rel-1/cover.jpg",
		"rel-1/chunks/notanumber",
		"rel-1/chunks/1/extra",
	} {
		_, _, err := ParseChunkStorageKey(key)
		require.Error(t, err, "key %q", key)
	}
}

func TestCacheFileNameRoundTrip(t *testing.T) {
	name := CacheFileName("chunk-abc")
	require.Equal(t, "chunk-abc.enc", name)

	key, ok := KeyFromCacheFileName(name)
	require.True(t, ok)
	require.Equal(t, "chunk-abc", key)
}

func TestKeyFromCacheFileNameRejectsForeignFiles(t *testing.T) {
	for _, name := range []string{".enc", "notes.txt", ".tmp-12345"} {
		_, ok := KeyFromCacheFileName(name)
		require.False(t, ok, "name %q", name)
	}
}

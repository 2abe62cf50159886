package quaver

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Storage key layout.
//
// Backend keys are opaque strings with "/" separators. Two families
// exist:
//
//	<releaseID>/<filename>      non-chunked file-level objects
//	<releaseID>/chunks/<index>  chunk objects
//
// Cache keys are flat strings; on disk the cache stores one file per
// key at <cache_dir>/<key>.enc and recovers the key from the filename
// stem on its startup scan.

const chunkKeySegment = "chunks"

// CacheFileExt is the filename extension for cached blobs.
const CacheFileExt = ".enc"

// FileStorageKey returns the backend key for a non-chunked release file.
func FileStorageKey(releaseID, filename string) string {
	return releaseID + "/" + filename
}

// ChunkStorageKey returns the backend key for a chunk of a release.
func ChunkStorageKey(releaseID string, index int) string {
	return fmt.Sprintf("%s/%s/%d", releaseID, chunkKeySegment, index)
}

// ParseChunkStorageKey extracts the release ID and chunk index from a
// chunk storage key. Keys that do not follow the chunk layout return
// an error; callers treat such keys as opaque.
func ParseChunkStorageKey(key string) (releaseID string, index int, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[1] != chunkKeySegment {
		return "", 0, fmt.Errorf("invalid chunk key format: %s", key)
	}
	index, err = strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, fmt.Errorf("invalid chunk index in key %q: %w", key, err)
	}
	return parts[0], index, nil
}

// CacheFileName returns the on-disk filename for a cache key.
func CacheFileName(key string) string {
	return key + CacheFileExt
}

// KeyFromCacheFileName recovers the cache key from an on-disk filename.
// Returns false for files that do not belong to the cache (wrong
// extension, temp files).
func KeyFromCacheFileName(name string) (string, bool) {
	base := path.Base(name)
	if !strings.HasSuffix(base, CacheFileExt) {
		return "", false
	}
	key := strings.TrimSuffix(base, CacheFileExt)
	if key == "" {
		return "", false
	}
	return key, true
}

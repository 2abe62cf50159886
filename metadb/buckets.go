package metadb

import "encoding/binary"

// Bucket names for bbolt storage.
var (
	bucketProfiles = []byte("profiles") // profile id -> StorageProfile JSON
	bucketChunks   = []byte("chunks")   // chunk id -> Chunk JSON
	bucketFiles    = []byte("files")    // file id -> FileEntry JSON

	// file_chunks holds a file's mappings as one ordered JSON array.
	// Storing the array whole keeps mapping order authoritative without
	// a sortable key scheme.
	bucketFileChunks = []byte("file_chunks") // file id -> []FileChunkMapping JSON

	// Secondary indexes. Compound keys use a null separator so ids and
	// names cannot collide across the boundary.
	bucketFilesByRelease  = []byte("files_by_release")  // release\0name -> file id
	bucketChunksByRelease = []byte("chunks_by_release") // release\0index(8B BE) -> chunk id
)

const keySeparator = "\x00"

// makeReleaseNameKey builds the files_by_release index key.
func makeReleaseNameKey(releaseID, name string) []byte {
	return []byte(releaseID + keySeparator + name)
}

// makeReleaseChunkKey builds the chunks_by_release index key. The index
// is big-endian so cursor order is chunk order.
func makeReleaseChunkKey(releaseID string, index int) []byte {
	key := make([]byte, 0, len(releaseID)+1+8)
	key = append(key, releaseID...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, uint64(index))
	return key
}

// releasePrefix is the cursor prefix for one release's index entries.
func releasePrefix(releaseID string) []byte {
	return []byte(releaseID + keySeparator)
}

package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// DB is the bbolt-backed metadata store.
type DB struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// New creates a DB instance with options. Call Open before use.
func New(opts ...Option) *DB {
	d := &DB{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the database at the given path.
func (d *DB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	d.db = db

	if err := d.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	d.logger.Debug("opened metadb", "path", path, "noSync", d.noSync)
	return nil
}

func (d *DB) createBuckets() error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketProfiles,
			bucketChunks,
			bucketFiles,
			bucketFileChunks,
			bucketFilesByRelease,
			bucketChunksByRelease,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	d.logger.Debug("closing metadb")
	return d.db.Close()
}

// PutProfile stores a storage profile. Marking a profile as default
// clears the default flag on every other profile in the same
// transaction.
func (d *DB) PutProfile(_ context.Context, profile *StorageProfile) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProfiles)

		if profile.IsDefault {
			cursor := bucket.Cursor()
			for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
				var other StorageProfile
				if err := json.Unmarshal(v, &other); err != nil {
					return fmt.Errorf("decoding profile %s: %w", k, err)
				}
				if other.IsDefault && other.ID != profile.ID {
					other.IsDefault = false
					data, err := json.Marshal(&other)
					if err != nil {
						return fmt.Errorf("encoding profile: %w", err)
					}
					if err := bucket.Put(k, data); err != nil {
						return fmt.Errorf("clearing default flag: %w", err)
					}
				}
			}
		}

		data, err := json.Marshal(profile)
		if err != nil {
			return fmt.Errorf("encoding profile: %w", err)
		}
		if err := bucket.Put([]byte(profile.ID), data); err != nil {
			return fmt.Errorf("putting profile: %w", err)
		}
		return nil
	})
}

// GetProfile retrieves a storage profile by id.
func (d *DB) GetProfile(_ context.Context, id string) (*StorageProfile, error) {
	var profile StorageProfile
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketProfiles).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &profile)
	})
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// DefaultProfile returns the profile marked as default.
func (d *DB) DefaultProfile(_ context.Context) (*StorageProfile, error) {
	var profile *StorageProfile
	err := d.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketProfiles).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var p StorageProfile
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decoding profile %s: %w", k, err)
			}
			if p.IsDefault {
				profile = &p
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// ListProfiles returns all storage profiles.
func (d *DB) ListProfiles(_ context.Context) ([]*StorageProfile, error) {
	var profiles []*StorageProfile
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProfiles).ForEach(func(k, v []byte) error {
			var p StorageProfile
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decoding profile %s: %w", k, err)
			}
			profiles = append(profiles, &p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return profiles, nil
}

// DeleteProfile removes a profile. Deleting an absent profile is a
// no-op.
func (d *DB) DeleteProfile(_ context.Context, id string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProfiles).Delete([]byte(id))
	})
}

// PutChunk stores a chunk record and its release index entry.
func (d *DB) PutChunk(_ context.Context, chunk *Chunk) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("encoding chunk: %w", err)
		}
		if err := tx.Bucket(bucketChunks).Put([]byte(chunk.ID), data); err != nil {
			return fmt.Errorf("putting chunk: %w", err)
		}
		indexKey := makeReleaseChunkKey(chunk.ReleaseID, chunk.Index)
		if err := tx.Bucket(bucketChunksByRelease).Put(indexKey, []byte(chunk.ID)); err != nil {
			return fmt.Errorf("putting chunk index: %w", err)
		}
		return nil
	})
}

// GetChunk retrieves a chunk record by id.
func (d *DB) GetChunk(_ context.Context, id string) (*Chunk, error) {
	var chunk Chunk
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketChunks).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &chunk)
	})
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}

// ChunksForRelease returns a release's chunks ordered by chunk index.
func (d *DB) ChunksForRelease(_ context.Context, releaseID string) ([]*Chunk, error) {
	var chunks []*Chunk
	err := d.db.View(func(tx *bbolt.Tx) error {
		chunkBucket := tx.Bucket(bucketChunks)
		cursor := tx.Bucket(bucketChunksByRelease).Cursor()
		prefix := releasePrefix(releaseID)
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			val := chunkBucket.Get(v)
			if val == nil {
				return fmt.Errorf("chunk index points at missing chunk %s", v)
			}
			var c Chunk
			if err := json.Unmarshal(val, &c); err != nil {
				return fmt.Errorf("decoding chunk %s: %w", v, err)
			}
			chunks = append(chunks, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// PutFile stores a file entry and its release/name index entry.
func (d *DB) PutFile(_ context.Context, file *FileEntry) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(file)
		if err != nil {
			return fmt.Errorf("encoding file: %w", err)
		}
		if err := tx.Bucket(bucketFiles).Put([]byte(file.ID), data); err != nil {
			return fmt.Errorf("putting file: %w", err)
		}
		indexKey := makeReleaseNameKey(file.ReleaseID, file.Name)
		if err := tx.Bucket(bucketFilesByRelease).Put(indexKey, []byte(file.ID)); err != nil {
			return fmt.Errorf("putting file index: %w", err)
		}
		return nil
	})
}

// GetFile retrieves a file entry by id.
func (d *DB) GetFile(_ context.Context, id string) (*FileEntry, error) {
	var file FileEntry
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketFiles).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &file)
	})
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// FileByName retrieves a file entry by release id and filename.
func (d *DB) FileByName(_ context.Context, releaseID, name string) (*FileEntry, error) {
	var file FileEntry
	err := d.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketFilesByRelease).Get(makeReleaseNameKey(releaseID, name))
		if id == nil {
			return ErrNotFound
		}
		val := tx.Bucket(bucketFiles).Get(id)
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &file)
	})
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// FilesForRelease returns a release's file entries ordered by name.
func (d *DB) FilesForRelease(_ context.Context, releaseID string) ([]*FileEntry, error) {
	var files []*FileEntry
	err := d.db.View(func(tx *bbolt.Tx) error {
		fileBucket := tx.Bucket(bucketFiles)
		cursor := tx.Bucket(bucketFilesByRelease).Cursor()
		prefix := releasePrefix(releaseID)
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			val := fileBucket.Get(v)
			if val == nil {
				return fmt.Errorf("file index points at missing file %s", v)
			}
			var f FileEntry
			if err := json.Unmarshal(val, &f); err != nil {
				return fmt.Errorf("decoding file %s: %w", v, err)
			}
			files = append(files, &f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// DeleteFile removes a file entry, its index entry and its chunk
// mappings. The chunks themselves stay; they may hold other files.
func (d *DB) DeleteFile(_ context.Context, id string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketFiles).Get([]byte(id))
		if val == nil {
			return nil
		}
		var file FileEntry
		if err := json.Unmarshal(val, &file); err != nil {
			return fmt.Errorf("decoding file %s: %w", id, err)
		}
		if err := tx.Bucket(bucketFilesByRelease).Delete(makeReleaseNameKey(file.ReleaseID, file.Name)); err != nil {
			return fmt.Errorf("deleting file index: %w", err)
		}
		if err := tx.Bucket(bucketFileChunks).Delete([]byte(id)); err != nil {
			return fmt.Errorf("deleting file mappings: %w", err)
		}
		if err := tx.Bucket(bucketFiles).Delete([]byte(id)); err != nil {
			return fmt.Errorf("deleting file: %w", err)
		}
		return nil
	})
}

// PutFileChunks stores a file's ordered chunk mappings, replacing any
// prior set. The stored order is the reconstruction order.
func (d *DB) PutFileChunks(_ context.Context, fileID string, mappings []FileChunkMapping) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(mappings)
		if err != nil {
			return fmt.Errorf("encoding mappings: %w", err)
		}
		if err := tx.Bucket(bucketFileChunks).Put([]byte(fileID), data); err != nil {
			return fmt.Errorf("putting mappings: %w", err)
		}
		return nil
	})
}

// FileChunks returns a file's chunk mappings in reconstruction order.
// Returns ErrNotFound when the file has no mappings.
func (d *DB) FileChunks(_ context.Context, fileID string) ([]FileChunkMapping, error) {
	var mappings []FileChunkMapping
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketFileChunks).Get([]byte(fileID))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &mappings)
	})
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return nil, ErrNotFound
	}
	return mappings, nil
}

package limestone

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const snapshotFileName = "snapshot.bolt"
const snapshotBucketName = "entries"
const snapshotFloorBucketName = "storage_floors"

// snapshotRecord is the value stored per (storage, key): the last-write-wins
// state at build time.
type snapshotRecord struct {
	Version WriteVersion
	Value   []byte
	BlobIDs []BlobID
	Removed bool
}

// Snapshot is the recovered key-value view the datastore builds at startup
// (in Ready); a compaction pass does not rebuild it. It is backed by a private
// go.etcd.io/bbolt database opened on a file inside the log directory — the
// "external sorted-file library" the design treats as a black box.
type Snapshot struct {
	db   *bolt.DB
	path string
}

func snapshotKey(storage StorageID, key []byte) []byte {
	out := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(out, uint64(storage))
	copy(out[8:], key)
	return out
}

// OpenSnapshot opens (creating if absent) the snapshot store in dir.
func OpenSnapshot(dir string) (*Snapshot, error) {
	path := filepath.Join(dir, snapshotFileName)
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, IOError{Path: path, Operation: "open", Err: err}
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(snapshotBucketName)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(snapshotFloorBucketName))
		return err
	}); err != nil {
		db.Close()
		return nil, IOError{Path: path, Operation: "create bucket", Err: err}
	}
	return &Snapshot{db: db, path: path}, nil
}

// Close closes the underlying store.
func (s *Snapshot) Close() error {
	return s.db.Close()
}

// Reset truncates the snapshot to empty, used before a full rebuild.
func (s *Snapshot) Reset() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(snapshotBucketName)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		if _, err := tx.CreateBucket([]byte(snapshotBucketName)); err != nil {
			return err
		}
		if err := tx.DeleteBucket([]byte(snapshotFloorBucketName)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket([]byte(snapshotFloorBucketName))
		return err
	})
}

// Apply applies one decoded log entry's effect to the snapshot under
// last-write-wins-by-write-version semantics: normal entries upsert,
// remove_entry tombstones, clear_storage/remove_storage wipe every key
// under that storage whose recorded version is older.
//
// ScanPWALFiles processes WAL files concurrently with no cross-file
// chronological guarantee, so a write older than a clear_storage/
// remove_storage for the same storage can be applied after the wipe that
// should have blocked it. fb (the floor bucket) persists the highest
// clear/remove version seen per storage so upsertIfNewer can still reject
// that write even once the blocking record's own keys are gone.
func (s *Snapshot) Apply(e LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(snapshotBucketName))
		fb := tx.Bucket([]byte(snapshotFloorBucketName))
		switch e.Type {
		case EntryNormal, EntryNormalWithBlob:
			return upsertIfNewer(b, fb, e.Storage, snapshotKey(e.Storage, e.Key), snapshotRecord{
				Version: e.Version,
				Value:   e.Value,
				BlobIDs: e.BlobIDs,
			})
		case EntryRemove:
			return upsertIfNewer(b, fb, e.Storage, snapshotKey(e.Storage, e.Key), snapshotRecord{
				Version: e.Version,
				Removed: true,
			})
		case EntryClearStorage, EntryRemoveStorage:
			return wipeStorageOlderThan(b, fb, e.Storage, e.Version)
		}
		return nil
	})
}

func storageFloorKey(storage StorageID) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(storage))
	return out
}

func getStorageFloor(fb *bolt.Bucket, storage StorageID) (WriteVersion, bool) {
	v := fb.Get(storageFloorKey(storage))
	if v == nil {
		return WriteVersion{}, false
	}
	var floor WriteVersion
	if err := msgpack.Unmarshal(v, &floor); err != nil {
		return WriteVersion{}, false
	}
	return floor, true
}

func upsertIfNewer(b, fb *bolt.Bucket, storage StorageID, key []byte, rec snapshotRecord) error {
	if floor, ok := getStorageFloor(fb, storage); ok && rec.Version.Less(floor) {
		// a clear_storage/remove_storage newer than this write's version has
		// already been recorded for this storage (possibly from a WAL file a
		// different worker processed earlier); this write predates that wipe
		// and must not resurrect data under it.
		return nil
	}
	if existing := b.Get(key); existing != nil {
		var old snapshotRecord
		if err := msgpack.Unmarshal(existing, &old); err == nil {
			if !old.Version.Less(rec.Version) {
				return nil
			}
		}
	}
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func wipeStorageOlderThan(b, fb *bolt.Bucket, storage StorageID, version WriteVersion) error {
	if floor, ok := getStorageFloor(fb, storage); !ok || floor.Less(version) {
		data, err := msgpack.Marshal(version)
		if err != nil {
			return err
		}
		if err := fb.Put(storageFloorKey(storage), data); err != nil {
			return err
		}
	}

	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(storage))
	c := b.Cursor()
	var toDelete [][]byte
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var rec snapshotRecord
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			continue
		}
		if rec.Version.Less(version) {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotEntry is one live row as returned by a cursor.
type SnapshotEntry struct {
	Storage StorageID
	Key     []byte
	Value   []byte
	Version WriteVersion
	BlobIDs []BlobID
}

// Cursor returns every live (non-removed) entry in ascending (storage, key)
// order. Callers of GetSnapshot() cursor this.
func (s *Snapshot) Cursor() ([]SnapshotEntry, error) {
	var out []SnapshotEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(snapshotBucketName))
		return b.ForEach(func(k, v []byte) error {
			var rec snapshotRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Removed {
				return nil
			}
			storage := StorageID(binary.BigEndian.Uint64(k[:8]))
			key := append([]byte(nil), k[8:]...)
			out = append(out, SnapshotEntry{
				Storage: storage,
				Key:     key,
				Value:   rec.Value,
				Version: rec.Version,
				BlobIDs: rec.BlobIDs,
			})
			return nil
		})
	})
	return out, err
}

// Get looks up the single live entry for (storage, key), if any.
func (s *Snapshot) Get(storage StorageID, key []byte) (SnapshotEntry, bool, error) {
	var out SnapshotEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(snapshotBucketName))
		v := b.Get(snapshotKey(storage, key))
		if v == nil {
			return nil
		}
		var rec snapshotRecord
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return err
		}
		if rec.Removed {
			return nil
		}
		out = SnapshotEntry{Storage: storage, Key: key, Value: rec.Value, Version: rec.Version, BlobIDs: rec.BlobIDs}
		found = true
		return nil
	})
	return out, found, err
}

func removeSnapshotFile(dir string) error {
	path := filepath.Join(dir, snapshotFileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return IOError{Path: path, Operation: "remove", Err: err}
	}
	return nil
}

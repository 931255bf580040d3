package limestone

// StorageID identifies a storage (a table or secondary index) within the
// engine. Keys in the WAL are always scoped to a storage id.
type StorageID uint64

// BlobID identifies a large object referenced by a normal_with_blob entry.
// The BLOB store itself lives outside this module; Limestone only tracks
// which ids are referenced so the GC snapshot (blob_gc_snapshot.go) can
// compute liveness.
type BlobID uint64

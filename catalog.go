package limestone

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// CompactedFileInfo names one base file produced by compaction and its
// format version (conventionally always 1, for pwal_0000.compacted).
type CompactedFileInfo struct {
	Filename string `json:"filename"`
	Version  int    `json:"version"`
}

// CompactionCatalog is the small persistent record tracking what
// compaction has already consumed, so a restart or a second pass never
// reprocesses a detached file.
type CompactionCatalog struct {
	MaxEpochID     uint64              `json:"max_epoch_id"`
	CompactedFiles []CompactedFileInfo `json:"compacted_files"`
	DetachedPWALs  map[string]bool     `json:"detached_pwals"`
}

func catalogPath(dir string) string {
	return filepath.Join(dir, compactionCatalogName)
}

// LoadCatalog reads the catalog from dir, returning a zero-value catalog
// (not an error) if none exists yet.
func LoadCatalog(dir string) (*CompactionCatalog, error) {
	path := catalogPath(dir)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &CompactionCatalog{DetachedPWALs: map[string]bool{}}, nil
	}
	if err != nil {
		return nil, IOError{Path: path, Operation: "read", Err: err}
	}
	var c CompactionCatalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, FormatError{Path: path, Detail: "catalog does not parse", Err: err}
	}
	if c.DetachedPWALs == nil {
		c.DetachedPWALs = map[string]bool{}
	}
	return &c, nil
}

// UpdateCatalogFile atomically rewrites the catalog (write-to-temp, fsync,
// rename) with a new max_epoch_id, compacted-file record, and detached-pwal
// set.
func UpdateCatalogFile(dir string, epochID uint64, compacted []CompactedFileInfo, detached map[string]bool) error {
	c := CompactionCatalog{
		MaxEpochID:     epochID,
		CompactedFiles: compacted,
		DetachedPWALs:  detached,
	}
	return atomicWriteJSON(catalogPath(dir), c)
}

// DetachedPWALsSnapshot returns a defensive copy of the catalog's detached
// set, for callers that are about to mutate their own working copy.
func (c *CompactionCatalog) DetachedPWALsSnapshot() map[string]bool {
	out := make(map[string]bool, len(c.DetachedPWALs))
	for k, v := range c.DetachedPWALs {
		out[k] = v
	}
	return out
}

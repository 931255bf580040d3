package limestone

import (
	"os"
	"path/filepath"
	"sort"
)

// SelectFilesForCompaction filters rotationEndFiles (basenames) down to
// those that look like detached WAL input and are not already in
// detachedPWALs, inserting every match into detachedPWALs in place — the
// same side-effecting contract the source's free function uses so the
// caller's working set and the catalog-bound set stay in lockstep.
func SelectFilesForCompaction(rotationEndFiles []string, detachedPWALs map[string]bool) []string {
	var selected []string
	for _, name := range rotationEndFiles {
		if !IsDetachedWAL(name) && name != compactedBaseFileName {
			continue
		}
		if name == compactedBaseFileName {
			continue
		}
		if detachedPWALs[name] {
			continue
		}
		selected = append(selected, name)
		detachedPWALs[name] = true
	}
	return selected
}

// totalFileSize sums the on-disk size of every named file in dir, skipping
// any that are already gone. Used to approximate bytes reclaimed by a
// compaction pass (source sizes minus the built file's size).
func totalFileSize(dir string, names ...string) int64 {
	var total int64
	for _, name := range names {
		if name == "" {
			continue
		}
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total
}

// EnsureDirectoryExists creates dir if absent.
func EnsureDirectoryExists(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return IOError{Path: dir, Operation: "mkdir", Err: err}
	}
	return nil
}

// HandleExistingCompactedFile renames an existing base file to its backup
// name, failing if the backup slot is itself already occupied (that would
// mean a previous compaction pass crashed mid-way without cleaning up).
func HandleExistingCompactedFile(dir string) error {
	base := filepath.Join(dir, compactedBaseFileName)
	backup := filepath.Join(dir, compactedBackupFileName)
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return IOError{Path: base, Operation: "stat", Err: err}
	}
	if _, err := os.Stat(backup); err == nil {
		return IOError{Path: backup, Operation: "stat", Err: os.ErrExist}
	}
	if err := os.Rename(base, backup); err != nil {
		return IOError{Path: base, Operation: "rename", Err: err}
	}
	return nil
}

// SafeRename renames src to dst, wrapping any failure as an IOError.
func SafeRename(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return IOError{Path: src, Operation: "rename", Err: err}
	}
	return nil
}

// GetFilesInDirectory returns the basenames of every regular file in dir.
func GetFilesInDirectory(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, IOError{Path: dir, Operation: "readdir", Err: err}
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			out[e.Name()] = true
		}
	}
	return out, nil
}

// RemoveFileSafely removes path, treating "already gone" as success.
func RemoveFileSafely(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return IOError{Path: path, Operation: "remove", Err: err}
	}
	return nil
}

// scanFlatEntries reads a compacted base file back in: unlike a WAL file, it
// carries no marker_begin/marker_end framing, just a flat run of
// normal_entry records (see buildCompactedFile), so it is decoded directly
// rather than driven through the marker DFA.
func scanFlatEntries(path string, sink func(LogEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return IOError{Path: path, Operation: "open", Err: err}
	}
	defer f.Close()

	for {
		entry, outcome, derr := DecodeEntry(f)
		if derr != nil {
			return IOError{Path: path, Operation: "read", Err: derr}
		}
		switch outcome {
		case DecodeEOF:
			return nil
		case DecodeShortEntry, DecodeUnknownType:
			return FormatError{Path: path, Detail: "compacted base file truncated or corrupt"}
		case DecodeOK:
			if err := sink(entry); err != nil {
				return err
			}
		}
	}
}

// buildCompactedFile scans every input detached WAL file (no repair: a
// compaction pass never rewrites its sources) plus, if present, the
// existing compacted base file (whose entries must survive into the new
// one — otherwise a second compaction pass would silently drop everything
// the first pass already folded in), deduplicates by (storage, key) keeping
// the entry with the largest write-version, drops pairs whose latest state
// is remove_entry, and writes the survivors as normal_entry records with
// write-version (0,0) — historical versions are not preserved in the base
// file. Returns the new base file's path.
func buildCompactedFile(sourceDir string, inputFiles []string, existingBasePath string, tempDir string, threadNum int) (string, error) {
	if err := EnsureDirectoryExists(tempDir); err != nil {
		return "", err
	}

	containers := make([]*EntryContainer, 0, len(inputFiles)+1)

	if existingBasePath != "" {
		base := NewEntryContainer(0)
		if err := scanFlatEntries(existingBasePath, func(e LogEntry) error {
			base.Append(e)
			return nil
		}); err != nil {
			return "", err
		}
		containers = append(containers, base)
	}

	paths := make([]string, len(inputFiles))
	for i, name := range inputFiles {
		paths[i] = filepath.Join(sourceDir, name)
	}

	opts := ScanOptions{
		LastDurableEpoch: ^uint64(0), // every snippet in a rotated, already-durable file is trusted
		NondurablePolicy: PolicyIgnore,
		TruncatedPolicy:  PolicyIgnore,
		DamagedPolicy:    PolicyIgnore,
		FailFast:         false,
		ThreadNum:        threadNum,
	}

	for _, path := range paths {
		c := NewEntryContainer(0)
		localOpts := opts
		localOpts.Sink = func(e LogEntry) error {
			c.Append(e)
			return nil
		}
		r := ScanOnePWALFile(path, localOpts)
		if r.Err != nil {
			return "", r.Err
		}
		containers = append(containers, c)
	}

	merged := MergeSortedContainers(containers)

	outPath := filepath.Join(tempDir, compactedBaseFileName)
	f, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", IOError{Path: outPath, Operation: "open", Err: err}
	}
	defer f.Close()

	var lastStorage StorageID
	var lastKey []byte
	haveLast := false
	haveWipeFloor := false
	var wipeFloor WriteVersion
	zero := WriteVersion{}

	// merged is sorted (storage, key) ascending, version descending. A
	// clear_storage/remove_storage entry carries an empty key, which sorts
	// before every real key in the same storage, so the highest-version
	// wipe for a storage is always the first entry seen for it.
	for _, e := range merged.Entries() {
		if !haveLast || e.Storage != lastStorage {
			haveWipeFloor = false
		}
		if haveLast && e.Storage == lastStorage && bytesEqual(e.Key, lastKey) {
			continue // not the newest entry for this key; already wrote or dropped it
		}
		haveLast = true
		lastStorage = e.Storage
		lastKey = e.Key

		if e.Type == EntryClearStorage || e.Type == EntryRemoveStorage {
			if !haveWipeFloor {
				wipeFloor = e.Version
				haveWipeFloor = true
			}
			continue
		}
		if haveWipeFloor && e.Version.Less(wipeFloor) {
			continue // wiped by a later remove_storage/clear_storage
		}
		if e.Type == EntryRemove {
			continue // latest state is a tombstone: drop the key entirely
		}
		if err := WriteNormalEntry(f, e.Storage, e.Key, e.Value, zero); err != nil {
			return "", IOError{Path: outPath, Operation: "write", Err: err}
		}
	}
	if err := f.Sync(); err != nil {
		return "", IOError{Path: outPath, Operation: "fsync", Err: err}
	}
	return outPath, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PlanOfflineCompaction reports which files a BuildOfflineCompaction pass
// over sourceDir would fold into the new base, without writing anything —
// the basis for the CLI's --dry_run mode.
func PlanOfflineCompaction(sourceDir string) ([]string, error) {
	catalog, err := LoadCatalog(sourceDir)
	if err != nil {
		return nil, err
	}
	allFiles, err := GetFilesInDirectory(sourceDir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(allFiles))
	for name := range allFiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return SelectFilesForCompaction(names, catalog.DetachedPWALsSnapshot()), nil
}

// BuildOfflineCompaction builds a fresh, self-contained log directory at
// workingDir from sourceDir's detached WAL files (plus any existing
// compacted base — see buildCompactedFile), the same merge/dedup the online
// compaction pass runs, without touching sourceDir. The still-attached
// (mutable) WAL files, the manifest and (when present) the epoch file are
// copied across unchanged so workingDir is a valid restart point on its own. When
// makeBackup is set, the detached WAL files folded into the new base are
// also copied across instead of left behind. Returns the number of files
// folded into the new base.
func BuildOfflineCompaction(sourceDir, workingDir string, makeBackup bool, threadNum int) (int, error) {
	if err := EnsureDirectoryExists(workingDir); err != nil {
		return 0, err
	}

	catalog, err := LoadCatalog(sourceDir)
	if err != nil {
		return 0, err
	}
	allFiles, err := GetFilesInDirectory(sourceDir)
	if err != nil {
		return 0, err
	}

	names := make([]string, 0, len(allFiles))
	for name := range allFiles {
		names = append(names, name)
	}
	sort.Strings(names)

	detachedSet := catalog.DetachedPWALsSnapshot()
	inputFiles := SelectFilesForCompaction(names, detachedSet)

	existingBase := ""
	basePath := filepath.Join(sourceDir, compactedBaseFileName)
	if _, statErr := os.Stat(basePath); statErr == nil {
		existingBase = basePath
	}

	if len(inputFiles) > 0 {
		tempDir := filepath.Join(workingDir, compactionTempDirName)
		builtPath, err := buildCompactedFile(sourceDir, inputFiles, existingBase, tempDir, threadNum)
		if err != nil {
			return 0, err
		}
		if err := SafeRename(builtPath, filepath.Join(workingDir, compactedBaseFileName)); err != nil {
			return 0, err
		}
		_ = os.Remove(tempDir)
	} else if existingBase != "" {
		if err := copyFile(existingBase, filepath.Join(workingDir, compactedBaseFileName)); err != nil {
			return 0, err
		}
	}

	if err := copyFile(filepath.Join(sourceDir, manifestFileName), filepath.Join(workingDir, manifestFileName)); err != nil {
		return 0, err
	}
	epochSrc := filepath.Join(sourceDir, epochFileName)
	if _, statErr := os.Stat(epochSrc); statErr == nil {
		if err := copyFile(epochSrc, filepath.Join(workingDir, epochFileName)); err != nil {
			return 0, err
		}
	}

	for _, name := range names {
		switch {
		case IsWAL(name):
			if err := copyFile(filepath.Join(sourceDir, name), filepath.Join(workingDir, name)); err != nil {
				return 0, err
			}
		case makeBackup && detachedSet[name]:
			if err := copyFile(filepath.Join(sourceDir, name), filepath.Join(workingDir, name)); err != nil {
				return 0, err
			}
		}
	}

	remainingDetached := map[string]bool{}
	if makeBackup {
		for name := range detachedSet {
			remainingDetached[name] = true
		}
	}
	compactedInfo := []CompactedFileInfo{{Filename: compactedBaseFileName, Version: 1}}
	if err := UpdateCatalogFile(workingDir, catalog.MaxEpochID, compactedInfo, remainingDetached); err != nil {
		return 0, err
	}

	return len(inputFiles), nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return IOError{Path: src, Operation: "read", Err: err}
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return IOError{Path: dst, Operation: "write", Err: err}
	}
	return nil
}

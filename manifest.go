package limestone

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Manifest is the single file that identifies a directory as a valid log
// directory.
type Manifest struct {
	FormatVersion           string `json:"format_version"`
	PersistentFormatVersion int    `json:"persistent_format_version"`
}

// DirectoryLock wraps the exclusive advisory lock a process must hold
// before writing to or repairing a log directory. It is a thin wrapper
// around github.com/gofrs/flock, taken on the manifest file itself.
type DirectoryLock struct {
	fl *flock.Flock
}

// AcquireManifestLock takes an exclusive, non-blocking advisory lock on the
// manifest file at dir. Failure to acquire (another process already holds
// it) is always an InitializationError, matching the CLI's fixed exit-code
// 64 contract.
func AcquireManifestLock(dir string) (*DirectoryLock, error) {
	path := filepath.Join(dir, manifestFileName)
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, InitializationError{Path: dir, Reason: "failed to acquire directory lock", Err: err}
	}
	if !ok {
		return nil, InitializationError{Path: dir, Reason: "directory is locked by another process"}
	}
	return &DirectoryLock{fl: fl}, nil
}

// Release drops the lock.
func (l *DirectoryLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

// SetupInitialLogDir creates dir (and a fresh manifest) if it does not yet
// contain one, or validates and possibly migrates an existing manifest.
// Returns the resolved manifest and whether every attached WAL must be
// rotated before the datastore may report ready (true only when an
// existing, older-but-supported manifest was found).
func SetupInitialLogDir(dir string) (Manifest, bool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, false, InitializationError{Path: dir, Reason: "cannot create directory", Err: err}
	}

	path := filepath.Join(dir, manifestFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		m := Manifest{FormatVersion: currentFormatVersion, PersistentFormatVersion: persistentFormatVersion}
		if err := writeManifest(dir, m); err != nil {
			return Manifest{}, false, err
		}
		return m, false, nil
	}
	if err != nil {
		return Manifest{}, false, InitializationError{Path: path, Reason: "cannot read manifest", Err: err}
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, false, InitializationError{Path: path, Reason: "manifest does not parse", Err: err}
	}
	if !supportedPersistentFormatVersions[m.PersistentFormatVersion] {
		return Manifest{}, false, InitializationError{
			Path:   path,
			Reason: "unsupported persistent_format_version",
		}
	}
	needsRotation := m.PersistentFormatVersion != persistentFormatVersion
	return m, needsRotation, nil
}

func writeManifest(dir string, m Manifest) error {
	path := filepath.Join(dir, manifestFileName)
	return atomicWriteJSON(path, m)
}

// atomicWriteJSON writes v as JSON to path via write-to-temp, fsync,
// rename, the same discipline the catalog and manifest both use for any
// file whose corruption mid-write would be fatal.
func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return FormatError{Path: path, Detail: "cannot encode", Err: err}
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return IOError{Path: tmp, Operation: "open", Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return IOError{Path: tmp, Operation: "write", Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return IOError{Path: tmp, Operation: "fsync", Err: err}
	}
	if err := f.Close(); err != nil {
		return IOError{Path: tmp, Operation: "close", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return IOError{Path: path, Operation: "rename", Err: err}
	}
	return nil
}

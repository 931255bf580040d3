package limestone

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetupInitialLogDirCreatesFresh(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	m, needsRotation, err := SetupInitialLogDir(dir)
	if err != nil {
		t.Fatalf("SetupInitialLogDir: %v", err)
	}
	if needsRotation {
		t.Errorf("needsRotation = true for a brand-new directory")
	}
	if m.FormatVersion != currentFormatVersion || m.PersistentFormatVersion != persistentFormatVersion {
		t.Errorf("got %+v", m)
	}

	if _, err := os.Stat(filepath.Join(dir, manifestFileName)); err != nil {
		t.Errorf("manifest not written: %v", err)
	}
}

func TestSetupInitialLogDirLoadsExisting(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if _, _, err := SetupInitialLogDir(dir); err != nil {
		t.Fatalf("first setup: %v", err)
	}

	m, needsRotation, err := SetupInitialLogDir(dir)
	if err != nil {
		t.Fatalf("second setup: %v", err)
	}
	if needsRotation {
		t.Errorf("needsRotation = true for an up-to-date manifest")
	}
	if m.PersistentFormatVersion != persistentFormatVersion {
		t.Errorf("PersistentFormatVersion = %d, want %d", m.PersistentFormatVersion, persistentFormatVersion)
	}
}

func TestSetupInitialLogDirUnsupportedVersion(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := writeManifest(dir, Manifest{FormatVersion: "9.9", PersistentFormatVersion: 99}); err != nil {
		t.Fatalf("writeManifest: %v", err)
	}

	if _, _, err := SetupInitialLogDir(dir); err == nil {
		t.Errorf("expected an error for an unsupported persistent_format_version")
	}
}

func TestSetupInitialLogDirCorruptManifest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFileName), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := SetupInitialLogDir(dir); err == nil {
		t.Errorf("expected an error for a manifest that does not parse")
	}
}

func TestAcquireManifestLockExclusive(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if _, _, err := SetupInitialLogDir(dir); err != nil {
		t.Fatalf("SetupInitialLogDir: %v", err)
	}

	lock, err := AcquireManifestLock(dir)
	if err != nil {
		t.Fatalf("AcquireManifestLock: %v", err)
	}
	defer lock.Release()

	if _, err := AcquireManifestLock(dir); err == nil {
		t.Errorf("expected the second lock attempt to fail while the first is held")
	}
}

func TestAcquireManifestLockReleaseThenReacquire(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if _, _, err := SetupInitialLogDir(dir); err != nil {
		t.Fatalf("SetupInitialLogDir: %v", err)
	}

	lock, err := AcquireManifestLock(dir)
	if err != nil {
		t.Fatalf("AcquireManifestLock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := AcquireManifestLock(dir); err != nil {
		t.Errorf("re-acquiring after release failed: %v", err)
	}
}

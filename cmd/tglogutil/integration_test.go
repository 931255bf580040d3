package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	limestone "github.com/project-tsurugi/limestone-sub000"
)

func writeWellFormedWAL(t *testing.T, path string, epoch uint64, key, value string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := limestone.WriteMarkerBegin(f, epoch); err != nil {
		t.Fatal(err)
	}
	if err := limestone.WriteNormalEntry(f, 1, []byte(key), []byte(value), limestone.WriteVersion{Epoch: epoch}); err != nil {
		t.Fatal(err)
	}
	if err := limestone.WriteMarkerEnd(f, epoch); err != nil {
		t.Fatal(err)
	}
}

func setupLogDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if _, _, err := limestone.SetupInitialLogDir(dir); err != nil {
		t.Fatalf("SetupInitialLogDir: %v", err)
	}
	writeWellFormedWAL(t, filepath.Join(dir, "pwal_0000"), 1, "k1", "v1")
	return dir
}

func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	root := &cobra.Command{Use: "tglogutil", SilenceUsage: true, SilenceErrors: true}
	root.AddCommand(newInspectCommand())
	root.AddCommand(newRepairCommand())
	root.AddCommand(newCompactionCommand())
	root.SetArgs(args)
	return root.Execute()
}

func TestInspectCleanDirectoryReportsOK(t *testing.T) {
	t.Parallel()
	dir := setupLogDir(t)

	err := runCommand(t, "inspect", "--working_dir", dir, "--epoch", "1")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
}

func TestInspectMissingDirectoryIsCannotCheck(t *testing.T) {
	t.Parallel()
	err := runCommand(t, "inspect", "--working_dir", filepath.Join(t.TempDir(), "does-not-exist"), "--epoch", "1")
	if err == nil {
		t.Fatal("expected an error for a missing directory")
	}
	if exitCodeOf(err) != 64 {
		t.Errorf("exit code = %d, want 64", exitCodeOf(err))
	}
}

func TestRepairCleanDirectoryReportsOK(t *testing.T) {
	t.Parallel()
	dir := setupLogDir(t)

	err := runCommand(t, "repair", "--working_dir", dir, "--epoch", "1")
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
}

func TestCompactionNothingToCompactReportsStatusWithoutBuilding(t *testing.T) {
	t.Parallel()
	dir := setupLogDir(t)
	working := filepath.Join(t.TempDir(), "out")

	if err := runCommand(t, "compaction", "--dir", dir, "--working_dir", working, "--force"); err != nil {
		t.Fatalf("compaction: %v", err)
	}
	if _, err := os.Stat(working); err == nil {
		t.Errorf("working_dir %s should not have been created when there was nothing to compact", working)
	}
}

func TestCompactionDryRunReportsPlanWithoutBuilding(t *testing.T) {
	t.Parallel()
	dir := setupLogDir(t)
	// detach the pwal file so PlanOfflineCompaction has something to report.
	if err := limestone.DetachWALFiles(dir, 1, false); err != nil {
		t.Fatalf("DetachWALFiles: %v", err)
	}
	working := filepath.Join(t.TempDir(), "out")

	if err := runCommand(t, "compaction", "--dir", dir, "--working_dir", working, "--dry_run"); err != nil {
		t.Fatalf("compaction --dry_run: %v", err)
	}
	if _, err := os.Stat(working); err == nil {
		t.Errorf("working_dir %s should not have been created by a dry run", working)
	}
}

func TestCompactionForceBuildsWorkingDir(t *testing.T) {
	t.Parallel()
	dir := setupLogDir(t)
	if err := limestone.DetachWALFiles(dir, 1, false); err != nil {
		t.Fatalf("DetachWALFiles: %v", err)
	}
	working := filepath.Join(t.TempDir(), "out")

	if err := runCommand(t, "compaction", "--dir", dir, "--working_dir", working, "--force"); err != nil {
		t.Fatalf("compaction --force: %v", err)
	}
	if _, err := os.Stat(filepath.Join(working, "pwal_0000.compacted")); err != nil {
		t.Errorf("expected a compacted base file in %s: %v", working, err)
	}
}

package limestone

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeWALFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func wellFormedSnippet(t *testing.T, epoch uint64, storage StorageID, key, value string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteMarkerBegin(&buf, epoch); err != nil {
		t.Fatal(err)
	}
	if err := WriteNormalEntry(&buf, storage, []byte(key), []byte(value), WriteVersion{Epoch: epoch}); err != nil {
		t.Fatal(err)
	}
	if err := WriteMarkerEnd(&buf, epoch); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestScanOnePWALFileWellFormed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	data := wellFormedSnippet(t, 1, 10, "k1", "v1")
	path := writeWALFile(t, dir, "pwal_0001", data)

	var got []LogEntry
	r := ScanOnePWALFile(path, ScanOptions{
		LastDurableEpoch: 1,
		NondurablePolicy: PolicyReport,
		TruncatedPolicy:  PolicyReport,
		DamagedPolicy:    PolicyReport,
		Sink:             func(e LogEntry) error { got = append(got, e); return nil },
	})
	if r.Err != nil {
		t.Fatalf("scan error: %v", r.Err)
	}
	if r.Code != ParseOK {
		t.Errorf("Code = %v, want ParseOK", r.Code)
	}
	if len(got) != 1 || string(got[0].Key) != "k1" {
		t.Errorf("got = %+v", got)
	}
}

func TestScanOnePWALFileUnopenedMarkerEndIsUnexpected(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := WriteMarkerEnd(&buf, 1); err != nil {
		t.Fatal(err)
	}
	path := writeWALFile(t, dir, "pwal_0001", buf.Bytes())

	r := ScanOnePWALFile(path, ScanOptions{
		LastDurableEpoch: 1,
		NondurablePolicy: PolicyReport,
		TruncatedPolicy:  PolicyReport,
		DamagedPolicy:    PolicyReport,
	})
	if r.Err != nil {
		t.Fatalf("scan error: %v", r.Err)
	}
	if r.Code != ParseUnexpected {
		t.Errorf("Code = %v, want ParseUnexpected", r.Code)
	}
}

func TestScanOnePWALFileConsecutiveMarkerEndsIsUnexpected(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := WriteMarkerBegin(&buf, 1); err != nil {
		t.Fatal(err)
	}
	if err := WriteNormalEntry(&buf, 10, []byte("k1"), []byte("v1"), WriteVersion{Epoch: 1}); err != nil {
		t.Fatal(err)
	}
	if err := WriteMarkerEnd(&buf, 1); err != nil {
		t.Fatal(err)
	}
	// a second, unmatched marker_end right after the first closes the
	// snippet: the parser is back in the "no snippet open" state.
	if err := WriteMarkerEnd(&buf, 1); err != nil {
		t.Fatal(err)
	}
	path := writeWALFile(t, dir, "pwal_0001", buf.Bytes())

	r := ScanOnePWALFile(path, ScanOptions{
		LastDurableEpoch: 1,
		NondurablePolicy: PolicyReport,
		TruncatedPolicy:  PolicyReport,
		DamagedPolicy:    PolicyReport,
	})
	if r.Err != nil {
		t.Fatalf("scan error: %v", r.Err)
	}
	if r.Code != ParseUnexpected {
		t.Errorf("Code = %v, want ParseUnexpected", r.Code)
	}
}

func TestScanOnePWALFileNondurableReport(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	data := wellFormedSnippet(t, 5, 10, "k1", "v1")
	path := writeWALFile(t, dir, "pwal_0001", data)

	r := ScanOnePWALFile(path, ScanOptions{
		LastDurableEpoch: 1, // epoch 5 > L: not durable
		NondurablePolicy: PolicyReport,
		TruncatedPolicy:  PolicyReport,
		DamagedPolicy:    PolicyReport,
	})
	if r.Err != nil {
		t.Fatalf("scan error: %v", r.Err)
	}
	if r.Code != ParseNondurableEntries {
		t.Errorf("Code = %v, want ParseNondurableEntries", r.Code)
	}
	if r.Modified {
		t.Errorf("Modified = true, want false for a report-only policy")
	}
}

func TestScanOnePWALFileNondurableRepairByMark(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	data := wellFormedSnippet(t, 5, 10, "k1", "v1")
	path := writeWALFile(t, dir, "pwal_0001", data)

	r := ScanOnePWALFile(path, ScanOptions{
		LastDurableEpoch: 1,
		NondurablePolicy: PolicyRepairByMark,
		TruncatedPolicy:  PolicyReport,
		DamagedPolicy:    PolicyReport,
	})
	if r.Err != nil {
		t.Fatalf("scan error: %v", r.Err)
	}
	if r.Code != ParseRepaired {
		t.Errorf("Code = %v, want ParseRepaired", r.Code)
	}
	if !r.Modified {
		t.Errorf("Modified = false, want true")
	}

	rewritten, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if rewritten[0] != byte(EntryMarkerInvalidatedBegin) {
		t.Errorf("first byte = 0x%02x, want marker_invalidated_begin (0x%02x)", rewritten[0], EntryMarkerInvalidatedBegin)
	}

	// the invalidated snippet's body is well-formed, just unsunk, so a
	// subsequent rescan decodes straight through to a clean EOF.
	r2 := ScanOnePWALFile(path, ScanOptions{
		LastDurableEpoch: 1,
		NondurablePolicy: PolicyReport,
		TruncatedPolicy:  PolicyReport,
		DamagedPolicy:    PolicyReport,
	})
	if r2.Code != ParseOK {
		t.Errorf("rescan Code = %v, want ParseOK", r2.Code)
	}
}

// truncatedSnippet simulates scenario 6/7: a well-formed, closed, durable
// snippet followed by the start of a crash-interrupted next write — a lone
// tag byte with no epoch bytes behind it, which the decoder can only read
// as a short record. Because the prior snippet already closed cleanly, this
// stray byte sits outside any open snippet, so it is classified as
// "truncated" (repairable) rather than "corrupted durable entries".
func truncatedSnippet(t *testing.T) []byte {
	t.Helper()
	data := wellFormedSnippet(t, 1, 10, "k1", "v1")
	return append(data, byte(EntryMarkerBegin))
}

// damagedTail simulates the same crash-interrupted-write scenario, but the
// stray trailing byte corrupted into an unrecognized tag instead of a
// partial known one.
func damagedTail(t *testing.T) []byte {
	t.Helper()
	data := wellFormedSnippet(t, 1, 10, "k1", "v1")
	return append(data, 0xfe)
}

func TestScanOnePWALFileTruncatedReport(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeWALFile(t, dir, "pwal_0001", truncatedSnippet(t))

	r := ScanOnePWALFile(path, ScanOptions{
		LastDurableEpoch: 1,
		NondurablePolicy: PolicyReport,
		TruncatedPolicy:  PolicyReport,
		DamagedPolicy:    PolicyReport,
	})
	if r.Err != nil {
		t.Fatalf("scan error: %v", r.Err)
	}
	if r.Code != ParseBrokenAfter {
		t.Errorf("Code = %v, want ParseBrokenAfter", r.Code)
	}
}

func TestScanOnePWALFileTruncatedRepairByMark(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	closed := wellFormedSnippet(t, 1, 10, "k1", "v1")
	path := writeWALFile(t, dir, "pwal_0001", truncatedSnippet(t))

	r := ScanOnePWALFile(path, ScanOptions{
		LastDurableEpoch: 1,
		NondurablePolicy: PolicyReport,
		TruncatedPolicy:  PolicyRepairByMark,
		DamagedPolicy:    PolicyReport,
	})
	if r.Err != nil {
		t.Fatalf("scan error: %v", r.Err)
	}
	if r.Code != ParseBrokenAfterMarked {
		t.Errorf("Code = %v, want ParseBrokenAfterMarked", r.Code)
	}

	rewritten, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// the stray tag sits right after the closed snippet; marking rewrites
	// it in place without touching the snippet itself.
	if len(rewritten) != len(closed)+1 {
		t.Fatalf("len(rewritten) = %d, want %d", len(rewritten), len(closed)+1)
	}
	if rewritten[len(closed)] != byte(EntryMarkerInvalidatedBegin) {
		t.Errorf("tail byte = 0x%02x, want marker_invalidated_begin", rewritten[len(closed)])
	}

	// the mark can't manufacture the epoch bytes a real record needs, so a
	// rescan still finds the same (now report-only) short record at the
	// tail — marking a one-byte stray tag only records that it was seen,
	// it does not make the file whole. Only a cut can do that.
	r2 := ScanOnePWALFile(path, ScanOptions{
		LastDurableEpoch: 1,
		NondurablePolicy: PolicyReport,
		TruncatedPolicy:  PolicyReport,
		DamagedPolicy:    PolicyReport,
	})
	if r2.Code != ParseBrokenAfter {
		t.Errorf("rescan Code = %v, want ParseBrokenAfter", r2.Code)
	}
}

func TestScanOnePWALFileTruncatedRepairByCut(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	closed := wellFormedSnippet(t, 1, 10, "k1", "v1")
	path := writeWALFile(t, dir, "pwal_0001", truncatedSnippet(t))

	r := ScanOnePWALFile(path, ScanOptions{
		LastDurableEpoch: 1,
		NondurablePolicy: PolicyReport,
		TruncatedPolicy:  PolicyRepairByCut,
		DamagedPolicy:    PolicyReport,
	})
	if r.Err != nil {
		t.Fatalf("scan error: %v", r.Err)
	}
	if r.Code != ParseRepaired {
		t.Errorf("Code = %v, want ParseRepaired", r.Code)
	}
	if !r.Modified {
		t.Errorf("Modified = false, want true")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	// the cut drops only the stray trailing tag byte, leaving the already
	// well-formed, closed snippet ahead of it untouched.
	if info.Size() != int64(len(closed)) {
		t.Errorf("file size = %d, want %d (the closed snippet, minus the stray tail byte)", info.Size(), len(closed))
	}

	r2 := ScanOnePWALFile(path, ScanOptions{
		LastDurableEpoch: 1,
		NondurablePolicy: PolicyReport,
		TruncatedPolicy:  PolicyReport,
		DamagedPolicy:    PolicyReport,
	})
	if r2.Code != ParseOK {
		t.Errorf("rescan Code = %v, want ParseOK", r2.Code)
	}
}

func TestScanOnePWALFileDamagedReport(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeWALFile(t, dir, "pwal_0001", damagedTail(t))

	r := ScanOnePWALFile(path, ScanOptions{
		LastDurableEpoch: 1,
		NondurablePolicy: PolicyReport,
		TruncatedPolicy:  PolicyReport,
		DamagedPolicy:    PolicyReport,
	})
	if r.Err != nil {
		t.Fatalf("scan error: %v", r.Err)
	}
	if r.Code != ParseBrokenAfter {
		t.Errorf("Code = %v, want ParseBrokenAfter", r.Code)
	}
}

func TestScanOnePWALFileDamagedRepairByCut(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	closed := wellFormedSnippet(t, 1, 10, "k1", "v1")
	path := writeWALFile(t, dir, "pwal_0001", damagedTail(t))

	r := ScanOnePWALFile(path, ScanOptions{
		LastDurableEpoch: 1,
		NondurablePolicy: PolicyReport,
		TruncatedPolicy:  PolicyReport,
		DamagedPolicy:    PolicyRepairByCut,
	})
	if r.Err != nil {
		t.Fatalf("scan error: %v", r.Err)
	}
	if r.Code != ParseRepaired {
		t.Errorf("Code = %v, want ParseRepaired", r.Code)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != int64(len(closed)) {
		t.Errorf("file size = %d, want %d", info.Size(), len(closed))
	}

	r2 := ScanOnePWALFile(path, ScanOptions{
		LastDurableEpoch: 1,
		NondurablePolicy: PolicyReport,
		TruncatedPolicy:  PolicyReport,
		DamagedPolicy:    PolicyReport,
	})
	if r2.Code != ParseOK {
		t.Errorf("rescan Code = %v, want ParseOK", r2.Code)
	}
}

func TestCombineParseErrorCodes(t *testing.T) {
	t.Parallel()
	results := []ScanResult{{Code: ParseOK}, {Code: ParseBrokenAfter}, {Code: ParseRepaired}}
	if got := CombineParseErrorCodes(results); got != ParseBrokenAfter {
		t.Errorf("combined = %v, want ParseBrokenAfter", got)
	}
}

func TestIsWALClassifiers(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		wantWAL    bool
		wantDetach bool
	}{
		{"pwal_0000", true, false},
		{"pwal_0001", true, false},
		{"pwal_0001.1700000000000", false, true},
		{"pwal_0001.1700000000000.1", false, true},
		{"pwal_0000.compacted", false, false},
		{"epoch", false, false},
		{"pwal_abcd", false, false},
	}
	for _, c := range cases {
		if got := IsWAL(c.name); got != c.wantWAL {
			t.Errorf("IsWAL(%q) = %v, want %v", c.name, got, c.wantWAL)
		}
		if got := IsDetachedWAL(c.name); got != c.wantDetach {
			t.Errorf("IsDetachedWAL(%q) = %v, want %v", c.name, got, c.wantDetach)
		}
	}
}

func TestLastDurableEpochInDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := WriteMarkerDurable(&buf, 3); err != nil {
		t.Fatal(err)
	}
	if err := WriteMarkerDurable(&buf, 7); err != nil {
		t.Fatal(err)
	}
	writeWALFile(t, dir, "epoch", buf.Bytes())

	var rotated bytes.Buffer
	if err := WriteMarkerDurable(&rotated, 20); err != nil {
		t.Fatal(err)
	}
	writeWALFile(t, dir, "epoch.1700000000000.7", rotated.Bytes())

	got, err := LastDurableEpochInDir(dir)
	if err != nil {
		t.Fatalf("LastDurableEpochInDir: %v", err)
	}
	if got != 20 {
		t.Errorf("got %d, want 20", got)
	}
}

func TestDetachWALFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeWALFile(t, dir, "pwal_0000", wellFormedSnippet(t, 1, 1, "k", "v"))
	writeWALFile(t, dir, "pwal_0001", wellFormedSnippet(t, 1, 1, "k", "v"))

	if err := DetachWALFiles(dir, 1700000000000, false); err != nil {
		t.Fatalf("DetachWALFiles: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if IsWAL(e.Name()) {
			t.Errorf("%s is still attached after DetachWALFiles", e.Name())
		}
		if !IsDetachedWAL(e.Name()) {
			t.Errorf("%s does not look detached", e.Name())
		}
	}
}

func TestListWALPaths(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeWALFile(t, dir, "pwal_0000", nil)
	writeWALFile(t, dir, "pwal_0001.123", nil)
	writeWALFile(t, dir, "pwal_0000.compacted", nil)
	writeWALFile(t, dir, "limestone-manifest.json", nil)

	got, err := ListWALPaths(dir)
	if err != nil {
		t.Fatalf("ListWALPaths: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 entries", got)
	}
}

package limestone

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ParseErrorCode is a point on the monotone severity ladder a scan reports.
// The scan keeps only the highest code observed across a file (or, for a
// parallel directory scan, across all files).
type ParseErrorCode int

const (
	ParseOK                     ParseErrorCode = 0x00
	ParseRepaired               ParseErrorCode = 0x01
	parseBrokenAfterToBeCut     ParseErrorCode = 0x08 // internal staging only, never reported
	ParseBrokenAfterMarked      ParseErrorCode = 0x11
	ParseNondurableEntries      ParseErrorCode = 0x40
	ParseBrokenAfter            ParseErrorCode = 0x41
	ParseCorruptedDurableEntries ParseErrorCode = 0x42
	ParseUnexpected             ParseErrorCode = 0x81
	ParseFailed                 ParseErrorCode = 0xff
)

func (c ParseErrorCode) String() string {
	switch c {
	case ParseOK:
		return "ok"
	case ParseRepaired:
		return "repaired"
	case ParseBrokenAfterMarked:
		return "broken_after_marked"
	case ParseNondurableEntries:
		return "nondurable_entries"
	case ParseBrokenAfter:
		return "broken_after"
	case ParseCorruptedDurableEntries:
		return "corrupted_durable_entries"
	case ParseUnexpected:
		return "unexpected"
	case ParseFailed:
		return "failed"
	default:
		return fmt.Sprintf("parse_error(0x%02x)", int(c))
	}
}

// RepairPolicy selects what a scan does when it meets a broken or
// not-yet-durable snippet.
type RepairPolicy int

const (
	PolicyIgnore RepairPolicy = iota
	PolicyReport
	PolicyRepairByMark
	PolicyRepairByCut
)

// ScanOptions configures one WAL-file or directory scan.
type ScanOptions struct {
	// LastDurableEpoch is L: snippets with epoch <= L are durable.
	LastDurableEpoch uint64

	NondurablePolicy RepairPolicy // ignore / report / repair_by_mark
	TruncatedPolicy  RepairPolicy // + repair_by_cut
	DamagedPolicy    RepairPolicy // + repair_by_cut

	// FailFast stops scanning a file at an unexpected record instead of
	// skipping it, and stops ScanPWALFiles from starting further files once
	// one returns an error. A bad code is not itself an error: it is
	// reported in ScanResult.Code, and startup recovery (Ready) turns any
	// code worse than ParseRepaired into an error.
	FailFast bool

	// ThreadNum bounds the worker pool for ScanPWALFiles; 0 selects a
	// small default.
	ThreadNum int

	// Sink receives every entry emitted from a valid, durable-enough
	// snippet. May be nil to scan for validity only.
	Sink func(LogEntry) error
}

// StartupScanOptions returns the policy set startup recovery uses:
// nondurable snippets are marked invalid, truncated/damaged tails are only
// reported, and the first non-OK result aborts.
func StartupScanOptions(lastDurableEpoch uint64, sink func(LogEntry) error) ScanOptions {
	return ScanOptions{
		LastDurableEpoch: lastDurableEpoch,
		NondurablePolicy: PolicyRepairByMark,
		TruncatedPolicy:  PolicyReport,
		DamagedPolicy:    PolicyReport,
		FailFast:         true,
		Sink:             sink,
	}
}

// ScanResult is the outcome of scanning one WAL file.
type ScanResult struct {
	Path          string
	Code          ParseErrorCode
	MaxEpochSeen  uint64
	Modified      bool
	Err           error
}

type countingFile struct {
	f   *os.File
	pos int64
}

func (c *countingFile) Read(p []byte) (int, error) {
	n, err := c.f.Read(p)
	c.pos += int64(n)
	return n, err
}

// ScanOnePWALFile scans a single file according to opts, applying the DFA
// described for the parser/repairer: marker_begin opens a snippet (valid iff
// epoch <= L, otherwise governed by NondurablePolicy), marker_end closes it,
// data entries emit only from a valid snippet, and any SHORT_*/unknown-tag
// token terminates the scan after the configured repair policy runs.
func ScanOnePWALFile(path string, opts ScanOptions) ScanResult {
	mode := os.O_RDONLY
	needsWrite := opts.NondurablePolicy == PolicyRepairByMark ||
		opts.TruncatedPolicy == PolicyRepairByMark || opts.TruncatedPolicy == PolicyRepairByCut ||
		opts.DamagedPolicy == PolicyRepairByMark || opts.DamagedPolicy == PolicyRepairByCut
	if needsWrite {
		mode = os.O_RDWR
	}
	f, err := os.OpenFile(path, mode, 0o644)
	if err != nil {
		return ScanResult{Path: path, Code: ParseFailed, Err: IOError{Path: path, Operation: "open", Err: err}}
	}
	defer f.Close()

	cf := &countingFile{f: f}

	var (
		code            = ParseOK
		maxEpochSeen    uint64
		first           = true
		valid           = false
		snippetEpoch    uint64
		snippetStart    int64
		modified        bool
		pendingCutAt    int64 = -1
	)

	raise := func(c ParseErrorCode) {
		if c > code {
			code = c
		}
	}

	applyRepair := func(category string, policy RepairPolicy, reportCode ParseErrorCode) {
		switch policy {
		case PolicyIgnore:
			// no code change, no mutation
		case PolicyReport:
			raise(reportCode)
		case PolicyRepairByMark:
			if _, err := cf.f.Seek(snippetStart, io.SeekStart); err == nil {
				if _, werr := cf.f.Write([]byte{byte(EntryMarkerInvalidatedBegin)}); werr == nil {
					modified = true
					if category == "truncated" || category == "damaged" {
						raise(ParseBrokenAfterMarked)
					} else {
						raise(ParseRepaired)
					}
				} else {
					raise(reportCode)
				}
			} else {
				raise(reportCode)
			}
		case PolicyRepairByCut:
			pendingCutAt = snippetStart
			raise(parseBrokenAfterToBeCut)
		}
	}

scanLoop:
	for {
		recordStart := cf.pos
		entry, outcome, derr := DecodeEntry(cf)
		if derr != nil {
			return ScanResult{Path: path, Code: ParseFailed, Err: IOError{Path: path, Operation: "read", Err: derr}}
		}

		switch outcome {
		case DecodeEOF:
			break scanLoop

		case DecodeShortEntry:
			if !first && valid && snippetEpoch <= opts.LastDurableEpoch {
				raise(ParseCorruptedDurableEntries)
			} else {
				if first {
					// No snippet is currently open: the offending token is
					// the head of a new (phantom) snippet attempt, not part
					// of one already tracked by snippetStart.
					snippetStart = recordStart
				}
				applyRepair("truncated", opts.TruncatedPolicy, ParseBrokenAfter)
			}
			if opts.FailFast && code > ParseRepaired {
				break scanLoop
			}
			break scanLoop

		case DecodeUnknownType:
			if !first && valid && snippetEpoch <= opts.LastDurableEpoch {
				raise(ParseCorruptedDurableEntries)
			} else {
				if first {
					snippetStart = recordStart
				}
				applyRepair("damaged", opts.DamagedPolicy, ParseBrokenAfter)
			}
			if opts.FailFast && code > ParseRepaired {
				break scanLoop
			}
			break scanLoop

		case DecodeOK:
			switch entry.Type {
			case EntryMarkerBegin:
				snippetStart = recordStart
				snippetEpoch = entry.Epoch
				if entry.Epoch > maxEpochSeen {
					maxEpochSeen = entry.Epoch
				}
				valid = entry.Epoch <= opts.LastDurableEpoch
				if !valid {
					applyRepair("nondurable", opts.NondurablePolicy, ParseNondurableEntries)
				}
				first = false

			case EntryMarkerInvalidatedBegin:
				snippetStart = recordStart
				snippetEpoch = entry.Epoch
				valid = false
				first = false

			case EntryMarkerEnd:
				if first {
					raise(ParseUnexpected)
					if opts.FailFast {
						break scanLoop
					}
					continue
				}
				valid = false
				first = true

			default:
				if first {
					raise(ParseUnexpected)
					if opts.FailFast {
						break scanLoop
					}
					continue
				}
				if valid && opts.Sink != nil {
					if err := opts.Sink(entry); err != nil {
						return ScanResult{Path: path, Code: ParseFailed, Err: err}
					}
				}
			}
		}
	}

	if pendingCutAt >= 0 {
		if err := cf.f.Truncate(pendingCutAt); err != nil {
			return ScanResult{Path: path, Code: ParseFailed, Err: IOError{Path: path, Operation: "truncate", Err: err}}
		}
		modified = true
		code = ParseRepaired
	}

	return ScanResult{Path: path, Code: code, MaxEpochSeen: maxEpochSeen, Modified: modified}
}

// ScanPWALFiles scans every file in paths with a fixed worker pool, pulling
// paths from a shared, mutex-guarded queue. It returns the per-file results;
// the caller combines their codes with CombineParseErrorCodes.
func ScanPWALFiles(paths []string, opts ScanOptions) []ScanResult {
	n := opts.ThreadNum
	if n <= 0 {
		n = 4
	}
	if n > len(paths) {
		n = len(paths)
	}
	if n == 0 {
		return nil
	}

	results := make([]ScanResult, len(paths))
	var mu sync.Mutex
	next := 0
	var wg sync.WaitGroup
	var firstErr error

	worker := func() {
		defer wg.Done()
		for {
			mu.Lock()
			if next >= len(paths) || firstErr != nil {
				mu.Unlock()
				return
			}
			idx := next
			next++
			mu.Unlock()

			r := ScanOnePWALFile(paths[idx], opts)
			results[idx] = r
			if r.Err != nil && opts.FailFast {
				mu.Lock()
				if firstErr == nil {
					firstErr = r.Err
				}
				mu.Unlock()
				return
			}
		}
	}

	wg.Add(n)
	for i := 0; i < n; i++ {
		go worker()
	}
	wg.Wait()
	return results
}

// ScanPWALFilesThrows is the startup convenience wrapper: fail-fast,
// nondurable snippets are marked, truncated/damaged tails are only reported.
func ScanPWALFilesThrows(paths []string, lastDurableEpoch uint64, sink func(LogEntry) error) ([]ScanResult, error) {
	opts := StartupScanOptions(lastDurableEpoch, sink)
	results := ScanPWALFiles(paths, opts)
	for _, r := range results {
		if r.Err != nil {
			return results, r.Err
		}
		if r.Code > ParseRepaired {
			return results, FormatError{Path: r.Path, Detail: "scan reported " + r.Code.String()}
		}
	}
	return results, nil
}

// CombineParseErrorCodes folds a set of per-file results into the single
// worst code a directory-wide scan reports.
func CombineParseErrorCodes(results []ScanResult) ParseErrorCode {
	worst := ParseOK
	for _, r := range results {
		if r.Code > worst {
			worst = r.Code
		}
	}
	return worst
}

const logChannelPrefix = "pwal_"

// IsWAL reports whether basename names an attached WAL file: "pwal_" plus
// exactly 4 digits and nothing else.
func IsWAL(basename string) bool {
	if !strings.HasPrefix(basename, logChannelPrefix) {
		return false
	}
	rest := basename[len(logChannelPrefix):]
	if len(rest) != 4 {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// IsDetachedWAL reports whether basename names a detached (rotated) WAL
// file: "pwal_NNNN." followed by a non-empty suffix. The compacted base file
// and its backup share that shape but are not detached WAL files.
func IsDetachedWAL(basename string) bool {
	if !strings.HasPrefix(basename, logChannelPrefix) {
		return false
	}
	if basename == compactedBaseFileName || basename == compactedBackupFileName {
		return false
	}
	if len(basename) <= len(logChannelPrefix)+4 {
		return false
	}
	rest := basename[len(logChannelPrefix):]
	if len(rest) < 5 || rest[4] != '.' {
		return false
	}
	for _, r := range rest[:4] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(rest) > 5
}

// ListWALPaths returns every attached and detached WAL file in dir, sorted
// by basename, as absolute-to-dir paths ready for ScanPWALFiles.
func ListWALPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, IOError{Path: dir, Operation: "readdir", Err: err}
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if IsWAL(name) || IsDetachedWAL(name) {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

// LastDurableEpochInDir computes L: the maximum marker_durable epoch across
// the live epoch file plus every rotated-epoch file in dir.
func LastDurableEpochInDir(dir string) (uint64, error) {
	epochPath := filepath.Join(dir, epochFileName)
	max, err := lastDurableEpochInFile(epochPath)
	if err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, IOError{Path: dir, Operation: "readdir", Err: err}
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasPrefix(e.Name(), epochFileName+".") {
			continue
		}
		epoch, err := lastDurableEpochInFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return 0, err
		}
		if epoch > max {
			max = epoch
		}
	}
	return max, nil
}

func lastDurableEpochInFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, IOError{Path: path, Operation: "open", Err: err}
	}
	defer f.Close()

	var max uint64
	for {
		entry, outcome, err := DecodeEntry(f)
		if err != nil {
			return 0, IOError{Path: path, Operation: "read", Err: err}
		}
		if outcome == DecodeEOF {
			break
		}
		if outcome != DecodeOK {
			break
		}
		if entry.Type == EntryMarkerDurable && entry.Epoch > max {
			max = entry.Epoch
		}
	}
	return max, nil
}

// DetachWALFiles renames every attached WAL file in dir to a detached name
// `pwal_NNNN.<nowMillis>` (with `.<seq>`, counting from 1, appended while that
// name is already taken), used by offline tooling that needs to freeze a
// directory without a live datastore coordinating rotation. With
// skipEmptyFiles set, zero-length WAL files stay attached.
func DetachWALFiles(dir string, nowMillis int64, skipEmptyFiles bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return IOError{Path: dir, Operation: "readdir", Err: err}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !IsWAL(e.Name()) {
			continue
		}
		src := filepath.Join(dir, e.Name())
		if skipEmptyFiles {
			if info, err := os.Stat(src); err == nil && info.Size() == 0 {
				continue
			}
		}
		seq := 0
		var dst string
		for {
			suffix := strconv.FormatInt(nowMillis, 10)
			if seq > 0 {
				suffix = suffix + "." + strconv.Itoa(seq)
			}
			dst = filepath.Join(dir, e.Name()+"."+suffix)
			if _, err := os.Stat(dst); os.IsNotExist(err) {
				break
			}
			seq++
		}
		if err := os.Rename(src, dst); err != nil {
			return IOError{Path: src, Operation: "rename", Err: err}
		}
	}
	return nil
}

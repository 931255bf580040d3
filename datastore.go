package limestone

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is the datastore's lifecycle state machine.
type State int

const (
	StateNotReady State = iota
	StateReady
	StateShutdown
)

// Datastore is the engine core: epoch coordination, log channels, the
// recovered snapshot, and the background compaction worker.
type Datastore struct {
	config Config
	dir    string

	lock     *DirectoryLock
	manifest Manifest

	state atomic.Int32

	// epoch coordinator (see updateMinEpochID)
	epochSwitched         atomic.Uint64
	epochIDInformed       atomic.Uint64
	epochIDToBeRecorded   atomic.Uint64
	epochIDRecordFinished atomic.Uint64
	epochWriteCounter     int

	channelMu sync.Mutex
	channels  []*LogChannel

	filesMu sync.Mutex
	files   map[string]bool

	epochFileMu sync.Mutex

	callbackMu sync.Mutex
	callbacks  []func(epoch uint64)

	informedMu   sync.Mutex
	informedCond *sync.Cond

	rotateMu sync.Mutex

	blobMu  sync.Mutex
	blobIDs map[BlobID]bool

	compactionWorkerMu sync.Mutex
	compactionStop     bool
	compactionDone     chan struct{}

	catalog  *CompactionCatalog
	snapshot *Snapshot

	replica ReplicaSink
	log     *zap.Logger
	metrics *Metrics
}

// Open constructs a Datastore over config.Location: it acquires the
// directory lock and validates/creates the manifest, but does not run
// recovery. CreateChannel and AddPersistentCallback are only valid before
// Ready; Ready runs startup recovery and launches the compaction worker.
func Open(config Config) (*Datastore, error) {
	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	dir := config.Location

	manifest, needsRotation, err := SetupInitialLogDir(dir)
	if err != nil {
		return nil, err
	}
	lock, err := AcquireManifestLock(dir)
	if err != nil {
		return nil, err
	}

	// a crashed rewrite of the epoch file leaves a stale temp; remove it
	_ = os.Remove(filepath.Join(dir, tmpEpochFileName))

	epochPath := filepath.Join(dir, epochFileName)
	if _, err := os.Stat(epochPath); os.IsNotExist(err) {
		f, err := os.Create(epochPath)
		if err != nil {
			lock.Release()
			return nil, InitializationError{Path: epochPath, Reason: "cannot create epoch file", Err: err}
		}
		f.Close()
	}

	catalog, err := LoadCatalog(dir)
	if err != nil {
		lock.Release()
		return nil, err
	}
	if _, statErr := os.Stat(filepath.Join(dir, compactionCatalogName)); os.IsNotExist(statErr) {
		if err := UpdateCatalogFile(dir, catalog.MaxEpochID, catalog.CompactedFiles, catalog.DetachedPWALs); err != nil {
			lock.Release()
			return nil, err
		}
	}

	snap, err := OpenSnapshot(dir)
	if err != nil {
		lock.Release()
		return nil, err
	}

	var replica ReplicaSink = NopReplicaSink{}
	if config.ReplicaEndpoint != "" {
		replica = DialNetReplicaSink(config.ReplicaEndpoint)
	}

	ds := &Datastore{
		config:   config,
		dir:      dir,
		lock:     lock,
		manifest: manifest,
		files:    map[string]bool{},
		blobIDs:  map[BlobID]bool{},
		catalog:  catalog,
		snapshot: snap,
		replica:  replica,
		log:      config.logger(),
		metrics:  config.Metrics,
	}
	ds.informedCond = sync.NewCond(&ds.informedMu)
	ds.state.Store(int32(StateNotReady))

	if needsRotation {
		if err := ds.rotateAllAttachedOnBoot(); err != nil {
			lock.Release()
			return nil, err
		}
		ds.manifest.PersistentFormatVersion = persistentFormatVersion
		if err := writeManifest(dir, ds.manifest); err != nil {
			lock.Release()
			return nil, err
		}
	}

	return ds, nil
}

func (ds *Datastore) rotateAllAttachedOnBoot() error {
	return DetachWALFiles(ds.dir, time.Now().UnixMilli(), true)
}

// CreateChannel creates a new log channel. Only valid before Ready.
func (ds *Datastore) CreateChannel() (*LogChannel, error) {
	if State(ds.state.Load()) != StateNotReady {
		return nil, PreconditionError{Operation: "CreateChannel", Reason: "datastore is not in not_ready state"}
	}
	ds.channelMu.Lock()
	defer ds.channelMu.Unlock()
	id := len(ds.channels)
	c := newLogChannel(ds, ds.dir, id)
	ds.channels = append(ds.channels, c)
	return c, nil
}

// AddPersistentCallback registers fn to be invoked (in registration order)
// each time epoch_id_informed advances. Only valid before Ready.
func (ds *Datastore) AddPersistentCallback(fn func(epoch uint64)) error {
	if State(ds.state.Load()) != StateNotReady {
		return PreconditionError{Operation: "AddPersistentCallback", Reason: "datastore is not in not_ready state"}
	}
	ds.callbackMu.Lock()
	defer ds.callbackMu.Unlock()
	ds.callbacks = append(ds.callbacks, fn)
	return nil
}

// --- channelInternal ---

func (ds *Datastore) epochIDSwitched() uint64 { return ds.epochSwitched.Load() }

func (ds *Datastore) registerFile(path string) {
	ds.filesMu.Lock()
	ds.files[path] = true
	ds.filesMu.Unlock()
}

func (ds *Datastore) deregisterFile(path string) {
	ds.filesMu.Lock()
	delete(ds.files, path)
	ds.filesMu.Unlock()
}

func (ds *Datastore) addPersistentBlobIDs(ids []BlobID) {
	ds.blobMu.Lock()
	for _, id := range ids {
		ds.blobIDs[id] = true
	}
	ds.blobMu.Unlock()
}

func (ds *Datastore) currentUnixMillis() int64 {
	return time.Now().UnixMilli()
}

func (ds *Datastore) asyncSessionClose() bool {
	return ds.config.AsyncSessionClose
}

func (ds *Datastore) replicaSink() ReplicaSink { return ds.replica }
func (ds *Datastore) logger() *zap.Logger      { return ds.log }

func (ds *Datastore) addWALBytes(n int) { ds.metrics.addWALBytes(n) }

// --- epoch coordination ---

// SwitchEpoch advances epoch_id_switched. new must be greater than the
// previous value; a non-monotonic call is only warning-logged, matching the
// source, since the coordinator itself is robust to it.
func (ds *Datastore) SwitchEpoch(newEpoch uint64) {
	old := ds.epochSwitched.Load()
	if newEpoch <= old {
		ds.log.Warn("switch_epoch called with non-monotonic epoch", zap.Uint64("old", old), zap.Uint64("new", newEpoch))
	}
	ds.epochSwitched.Store(newEpoch)
	if State(ds.state.Load()) == StateReady {
		ds.updateMinEpochID()
	}
}

func (ds *Datastore) updateMinEpochID() {
	switched := ds.epochSwitched.Load()
	if switched == 0 {
		return
	}
	upperLimit := switched - 1

	ds.channelMu.Lock()
	var maxFinished uint64
	for _, c := range ds.channels {
		cur := c.currentEpochID.Load()
		fin := c.finishedEpochID.Load()
		if fin > maxFinished {
			maxFinished = fin
		}
		if cur != noEpoch && cur > fin {
			if cur-1 < upperLimit {
				upperLimit = cur - 1
			}
		}
	}
	ds.channelMu.Unlock()

	toBe := upperLimit
	if maxFinished < toBe {
		toBe = maxFinished
	}

	for {
		cur := ds.epochIDToBeRecorded.Load()
		if toBe <= cur {
			break
		}
		if ds.epochIDToBeRecorded.CompareAndSwap(cur, toBe) {
			ds.epochFileMu.Lock()
			if err := ds.writeEpoch(toBe); err != nil {
				ds.log.Error("failed to write durable epoch", zap.Error(err))
			}
			ds.epochIDRecordFinished.Store(toBe)
			ds.epochFileMu.Unlock()
			ds.metrics.incEpochsAdvanced()
			break
		}
	}

	if toBe > ds.epochIDRecordFinished.Load() {
		return
	}

	for {
		cur := ds.epochIDInformed.Load()
		if toBe <= cur {
			break
		}
		if ds.epochIDInformed.CompareAndSwap(cur, toBe) {
			ds.callbackMu.Lock()
			for _, fn := range ds.callbacks {
				fn(toBe)
			}
			ds.callbackMu.Unlock()
			ds.informedMu.Lock()
			ds.informedCond.Broadcast()
			ds.informedMu.Unlock()
			break
		}
	}
}

func (ds *Datastore) writeEpoch(epoch uint64) error {
	path := filepath.Join(ds.dir, epochFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return IOError{Path: path, Operation: "open", Err: err}
	}
	if err := WriteMarkerDurable(f, epoch); err != nil {
		f.Close()
		return IOError{Path: path, Operation: "write", Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return IOError{Path: path, Operation: "fsync", Err: err}
	}
	f.Close()

	ds.epochWriteCounter++
	if ds.epochWriteCounter >= maxEntriesInEpochFile {
		if err := ds.compactEpochFile(epoch); err != nil {
			return err
		}
		ds.epochWriteCounter = 0
	}
	return nil
}

func (ds *Datastore) compactEpochFile(epoch uint64) error {
	path := filepath.Join(ds.dir, epochFileName)
	tmp := filepath.Join(ds.dir, tmpEpochFileName)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return IOError{Path: tmp, Operation: "open", Err: err}
	}
	if err := WriteMarkerDurable(f, epoch); err != nil {
		f.Close()
		return IOError{Path: tmp, Operation: "write", Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return IOError{Path: tmp, Operation: "fsync", Err: err}
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		return IOError{Path: path, Operation: "rename", Err: err}
	}
	return nil
}

// --- rotation ---

// RotationResult is the outcome of RotateLogFiles: the set of newly
// detached filenames plus a full post-rotation directory snapshot.
type RotationResult struct {
	EpochID           uint64
	RotatedFiles      []string
	RotationEndFiles  []string
}

// RotateLogFiles waits until epoch_id_informed catches up to
// epoch_id_switched (so no in-flight session belongs to the epoch being
// rotated), then rotates every channel's attached file.
func (ds *Datastore) RotateLogFiles() (RotationResult, error) {
	ds.rotateMu.Lock()
	defer ds.rotateMu.Unlock()

	epoch := ds.epochSwitched.Load()
	if epoch == 0 {
		return RotationResult{}, PreconditionError{Operation: "RotateLogFiles", Reason: "epoch_id_switched is zero"}
	}

	ds.informedMu.Lock()
	for ds.epochIDInformed.Load() < epoch {
		ds.informedCond.Wait()
	}
	ds.informedMu.Unlock()

	ds.channelMu.Lock()
	channels := append([]*LogChannel(nil), ds.channels...)
	ds.channelMu.Unlock()

	var rotated []string
	for _, c := range channels {
		name, err := c.Rotate(epoch)
		if err != nil {
			return RotationResult{}, err
		}
		rotated = append(rotated, name)
	}

	files, err := GetFilesInDirectory(ds.dir)
	if err != nil {
		return RotationResult{}, err
	}
	var endFiles []string
	for name := range files {
		endFiles = append(endFiles, name)
	}
	sort.Strings(endFiles)

	return RotationResult{EpochID: epoch, RotatedFiles: rotated, RotationEndFiles: endFiles}, nil
}

// RotateEpochFile renames the current epoch file to
// epoch.<unix_ms>.<epoch> and creates a fresh empty one in its place.
func (ds *Datastore) RotateEpochFile(epoch uint64) error {
	ds.epochFileMu.Lock()
	defer ds.epochFileMu.Unlock()

	path := filepath.Join(ds.dir, epochFileName)
	newName := fmt.Sprintf("%s.%014d.%d", epochFileName, ds.currentUnixMillis(), epoch)
	newPath := filepath.Join(ds.dir, newName)
	if err := os.Rename(path, newPath); err != nil {
		return IOError{Path: path, Operation: "rename", Err: err}
	}
	f, err := os.Create(path)
	if err != nil {
		return IOError{Path: path, Operation: "create", Err: err}
	}
	f.Close()
	return nil
}

// --- startup recovery ---

// Ready runs startup recovery (scan every attached and detached WAL, build the
// snapshot), starts the background compaction worker, and moves the
// datastore into the ready state.
func (ds *Datastore) Ready() error {
	if State(ds.state.Load()) != StateNotReady {
		return PreconditionError{Operation: "Ready", Reason: "datastore is not in not_ready state"}
	}

	lastDurable, err := LastDurableEpochInDir(ds.dir)
	if err != nil {
		return err
	}

	if err := ds.snapshot.Reset(); err != nil {
		return err
	}

	walPaths, err := ds.attachedAndDetachedWALPaths()
	if err != nil {
		return err
	}

	var applyErr error
	sink := func(e LogEntry) error {
		if err := ds.snapshot.Apply(e); err != nil {
			return err
		}
		return nil
	}
	opts := StartupScanOptions(lastDurable, sink)
	opts.ThreadNum = ds.config.recoverParallelism()
	results := ScanPWALFiles(walPaths, opts)
	for _, r := range results {
		if r.Err != nil {
			applyErr = r.Err
			break
		}
		if r.Code > ParseRepaired {
			applyErr = FormatError{Path: r.Path, Detail: "startup scan reported " + r.Code.String()}
			break
		}
		if r.Modified {
			ds.metrics.incRepairs()
		}
	}
	if applyErr != nil {
		return applyErr
	}

	if switched := ds.epochSwitched.Load(); switched == 0 {
		ds.epochSwitched.Store(lastDurable)
	}
	ds.epochIDInformed.Store(lastDurable)
	ds.epochIDRecordFinished.Store(lastDurable)
	ds.epochIDToBeRecorded.Store(lastDurable)

	if err := ds.cleanupRotatedEpochFiles(lastDurable); err != nil {
		return err
	}

	ds.state.Store(int32(StateReady))
	ds.compactionDone = make(chan struct{})
	go ds.onlineCompactionWorker()

	return nil
}

func (ds *Datastore) attachedAndDetachedWALPaths() ([]string, error) {
	return ListWALPaths(ds.dir)
}

func (ds *Datastore) cleanupRotatedEpochFiles(surviving uint64) error {
	entries, err := os.ReadDir(ds.dir)
	if err != nil {
		return IOError{Path: ds.dir, Operation: "readdir", Err: err}
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, epochFileName+".") {
			continue
		}
		path := filepath.Join(ds.dir, name)
		epoch, err := lastDurableEpochInFile(path)
		if err != nil {
			continue
		}
		if epoch < surviving {
			_ = os.Remove(path)
		}
	}
	return nil
}

// GetSnapshot returns the last recovered snapshot for the caller to cursor.
func (ds *Datastore) GetSnapshot() *Snapshot {
	return ds.snapshot
}

// BackupFile describes one file the caller should copy as part of a backup.
type BackupFile struct {
	Path string
	Size int64
}

// BeginBackup returns a manifest of files to copy for a consistent backup:
// the manifest, the catalog, the epoch file, the compacted base file (if
// present), and every currently registered WAL file.
func (ds *Datastore) BeginBackup() ([]BackupFile, error) {
	var names []string
	names = append(names, manifestFileName, compactionCatalogName, epochFileName)
	if _, err := os.Stat(filepath.Join(ds.dir, compactedBaseFileName)); err == nil {
		names = append(names, compactedBaseFileName)
	}

	ds.filesMu.Lock()
	for path := range ds.files {
		names = append(names, filepath.Base(path))
	}
	ds.filesMu.Unlock()

	var out []BackupFile
	seen := map[string]bool{}
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		path := filepath.Join(ds.dir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		out = append(out, BackupFile{Path: path, Size: info.Size()})
	}
	return out, nil
}

// Shutdown stops the compaction worker, releases the directory lock, and
// returns a channel that closes once teardown completes.
func (ds *Datastore) Shutdown() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ds.state.Store(int32(StateShutdown))
		ds.stopOnlineCompactionWorker()
		_ = ds.snapshot.Close()
		_ = ds.lock.Release()
		time.Sleep(100 * time.Millisecond)
	}()
	return done
}

// --- online compaction worker ---

func (ds *Datastore) onlineCompactionWorker() {
	ctrlDir := filepath.Join(ds.dir, controlDirName)
	_ = EnsureDirectoryExists(ctrlDir)
	triggerPath := filepath.Join(ctrlDir, startCompactionFileName)
	interval := time.Duration(ds.config.compactionPollIntervalMillis()) * time.Millisecond

	for {
		ds.compactionWorkerMu.Lock()
		if ds.compactionStop {
			ds.compactionWorkerMu.Unlock()
			close(ds.compactionDone)
			return
		}
		ds.compactionWorkerMu.Unlock()

		if _, err := os.Stat(triggerPath); err == nil {
			_ = os.Remove(triggerPath)
			if err := ds.compactWithOnline(); err != nil {
				ds.log.Error("online compaction pass failed", zap.Error(err))
			}
		}

		ds.compactionWorkerMu.Lock()
		if !ds.compactionStop {
			waitCh := make(chan struct{})
			go func() {
				time.Sleep(interval)
				close(waitCh)
			}()
			ds.compactionWorkerMu.Unlock()
			<-waitCh
		} else {
			ds.compactionWorkerMu.Unlock()
		}
	}
}

func (ds *Datastore) stopOnlineCompactionWorker() {
	ds.compactionWorkerMu.Lock()
	ds.compactionStop = true
	ds.compactionWorkerMu.Unlock()
	if ds.compactionDone != nil {
		<-ds.compactionDone
	}
}

// TriggerCompaction creates the ctrl/start_compaction file the background
// worker polls for.
func (ds *Datastore) TriggerCompaction() error {
	ctrlDir := filepath.Join(ds.dir, controlDirName)
	if err := EnsureDirectoryExists(ctrlDir); err != nil {
		return err
	}
	path := filepath.Join(ctrlDir, startCompactionFileName)
	f, err := os.Create(path)
	if err != nil {
		return IOError{Path: path, Operation: "create", Err: err}
	}
	return f.Close()
}

func (ds *Datastore) compactWithOnline() error {
	rr, err := ds.RotateLogFiles()
	if err != nil {
		return err
	}

	detached := ds.catalog.DetachedPWALsSnapshot()
	toCompact := SelectFilesForCompaction(rr.RotationEndFiles, detached)
	if len(toCompact) == 0 {
		return nil
	}

	tempDir := filepath.Join(ds.dir, compactionTempDirName)
	existingBase := filepath.Join(ds.dir, compactedBaseFileName)
	if _, statErr := os.Stat(existingBase); statErr != nil {
		existingBase = ""
	}
	sourceNames := append([]string{}, toCompact...)
	if existingBase != "" {
		sourceNames = append(sourceNames, compactedBaseFileName)
	}
	sourceBytes := totalFileSize(ds.dir, sourceNames...)

	builtPath, err := buildCompactedFile(ds.dir, toCompact, existingBase, tempDir, ds.config.recoverParallelism())
	if err != nil {
		return err
	}
	if builtInfo, statErr := os.Stat(builtPath); statErr == nil {
		if reclaimed := sourceBytes - builtInfo.Size(); reclaimed > 0 {
			ds.metrics.addBytesReclaimed(reclaimed)
		}
	}

	if err := HandleExistingCompactedFile(ds.dir); err != nil {
		return err
	}

	destPath := filepath.Join(ds.dir, compactedBaseFileName)
	if err := SafeRename(builtPath, destPath); err != nil {
		return err
	}

	actualFiles, err := GetFilesInDirectory(ds.dir)
	if err != nil {
		return err
	}
	for name := range detached {
		if !actualFiles[name] {
			delete(detached, name)
			ds.deregisterFile(filepath.Join(ds.dir, name))
		}
	}

	compactedInfo := []CompactedFileInfo{{Filename: compactedBaseFileName, Version: 1}}
	if err := UpdateCatalogFile(ds.dir, rr.EpochID, compactedInfo, detached); err != nil {
		return err
	}
	ds.catalog.MaxEpochID = rr.EpochID
	ds.catalog.CompactedFiles = compactedInfo
	ds.catalog.DetachedPWALs = detached

	ds.registerFile(destPath)

	prevPath := filepath.Join(ds.dir, compactedBackupFileName)
	_ = RemoveFileSafely(prevPath)

	ds.metrics.incCompactionPasses()
	return nil
}

package limestone

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"
)

const channelWriteBufferSize = 128 * 1024

// noEpoch is the tagged-optional sentinel meaning "no session open",
// substituting for the original's UINT64_MAX-as-sentinel convention.
const noEpoch = ^uint64(0)

// channelInternal is the private interface the datastore constructs and
// lends to each channel, standing in for the friend-class coupling between
// datastore and log_channel in the source this was ported from.
type channelInternal interface {
	epochIDSwitched() uint64
	registerFile(path string)
	deregisterFile(path string)
	addPersistentBlobIDs(ids []BlobID)
	updateMinEpochID()
	currentUnixMillis() int64
	asyncSessionClose() bool
	replicaSink() ReplicaSink
	logger() *zap.Logger
	addWALBytes(n int)
}

// countingWriter forwards to w while tallying the bytes actually written, so
// callers can report the exact wire size of one encoded record without
// duplicating the codec's own layout knowledge.
type countingWriter struct {
	w io.Writer
	n int
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += n
	return n, err
}

// LogChannel owns one attached WAL file and the atomic (current_epoch,
// finished_epoch) pair describing whether a session is open.
type LogChannel struct {
	envelope channelInternal
	location string
	id       int
	fileName string

	currentEpochID  atomic.Uint64
	finishedEpochID atomic.Uint64

	f          *os.File
	w          *bufio.Writer
	registered bool
}

func newLogChannel(envelope channelInternal, location string, id int) *LogChannel {
	c := &LogChannel{
		envelope: envelope,
		location: location,
		id:       id,
		fileName: fmt.Sprintf("%s%04d", logChannelPrefix, id),
	}
	c.currentEpochID.Store(noEpoch)
	return c
}

// FilePath returns the channel's current attached-file path.
func (c *LogChannel) FilePath() string {
	return filepath.Join(c.location, c.fileName)
}

// BeginSession opens the attached file for append and writes marker_begin.
// The do-while resync against epoch_id_switched defeats the ABA where the
// datastore bumps the switched counter between load and store.
func (c *LogChannel) BeginSession() error {
	for {
		switched := c.envelope.epochIDSwitched()
		c.currentEpochID.Store(switched)
		if c.currentEpochID.Load() == c.envelope.epochIDSwitched() {
			break
		}
	}

	path := c.FilePath()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return IOError{Path: path, Operation: "open", Err: err}
	}
	c.f = f
	c.w = bufio.NewWriterSize(f, channelWriteBufferSize)

	if !c.registered {
		c.envelope.registerFile(path)
		c.registered = true
	}

	epoch := c.currentEpochID.Load()
	cw := &countingWriter{w: c.w}
	if err := WriteMarkerBegin(cw, epoch); err != nil {
		return IOError{Path: path, Operation: "write", Err: err}
	}
	c.envelope.addWALBytes(cw.n)
	if sink := c.envelope.replicaSink(); sink != nil {
		sink.SendBegin(epoch)
	}
	return nil
}

func (c *LogChannel) finalizeSessionFile() error {
	epoch := c.currentEpochID.Load()
	cw := &countingWriter{w: c.w}
	if err := WriteMarkerEnd(cw, epoch); err != nil {
		return IOError{Path: c.FilePath(), Operation: "write", Err: err}
	}
	c.envelope.addWALBytes(cw.n)
	if err := c.w.Flush(); err != nil {
		return IOError{Path: c.FilePath(), Operation: "flush", Err: err}
	}
	if err := c.f.Sync(); err != nil {
		return IOError{Path: c.FilePath(), Operation: "fsync", Err: err}
	}
	c.finishedEpochID.Store(c.currentEpochID.Load())
	c.envelope.updateMinEpochID()
	c.currentEpochID.Store(noEpoch)
	if err := c.f.Close(); err != nil {
		return IOError{Path: c.FilePath(), Operation: "close", Err: err}
	}
	return nil
}

// EndSession closes the current session. Replication has two selectable
// orderings: async-close sends the end/flush replica messages before the
// local fsync; sync-close sends them after.
func (c *LogChannel) EndSession() error {
	epoch := c.currentEpochID.Load()
	sink := c.envelope.replicaSink()
	if c.envelope.asyncSessionClose() {
		if sink != nil {
			sink.SendEnd(epoch)
		}
		if err := c.finalizeSessionFile(); err != nil {
			return err
		}
	} else {
		if err := c.finalizeSessionFile(); err != nil {
			return err
		}
		if sink != nil {
			sink.SendEnd(epoch)
		}
	}
	return nil
}

func (c *LogChannel) fatal(op string, err error) error {
	wrapped := IOError{Path: c.FilePath(), Operation: op, Err: err}
	c.envelope.logger().Fatal("channel write failed, aborting process", zap.Error(wrapped))
	return wrapped // unreachable: Fatal calls os.Exit, kept for callers in tests that use a non-fatal logger
}

// AddEntry writes a normal_entry record and forwards it on the replica
// channel if one is configured.
func (c *LogChannel) AddEntry(storage StorageID, key, value []byte, version WriteVersion) error {
	cw := &countingWriter{w: c.w}
	if err := WriteNormalEntry(cw, storage, key, value, version); err != nil {
		return c.fatal("write", err)
	}
	c.envelope.addWALBytes(cw.n)
	if sink := c.envelope.replicaSink(); sink != nil {
		sink.SendEntry(c.currentEpochID.Load(), storage, key, value, version, nil)
	}
	return nil
}

// AddEntryWithBlobs writes a normal_with_blob record, registers the blob
// ids with the datastore's persistent registry, and forwards the event.
// Registration is idempotent by contract.
func (c *LogChannel) AddEntryWithBlobs(storage StorageID, key, value []byte, version WriteVersion, blobIDs []BlobID) error {
	if len(blobIDs) == 0 {
		return c.AddEntry(storage, key, value, version)
	}
	cw := &countingWriter{w: c.w}
	if err := WriteNormalWithBlob(cw, storage, key, value, version, blobIDs); err != nil {
		return c.fatal("write", err)
	}
	c.envelope.addWALBytes(cw.n)
	c.envelope.addPersistentBlobIDs(blobIDs)
	if sink := c.envelope.replicaSink(); sink != nil {
		sink.SendEntry(c.currentEpochID.Load(), storage, key, value, version, blobIDs)
	}
	return nil
}

// RemoveEntry writes a remove_entry record.
func (c *LogChannel) RemoveEntry(storage StorageID, key []byte, version WriteVersion) error {
	cw := &countingWriter{w: c.w}
	if err := WriteRemoveEntry(cw, storage, key, version); err != nil {
		return c.fatal("write", err)
	}
	c.envelope.addWALBytes(cw.n)
	if sink := c.envelope.replicaSink(); sink != nil {
		sink.SendRemove(c.currentEpochID.Load(), storage, key, version)
	}
	return nil
}

// AddStorage writes an add_storage record.
func (c *LogChannel) AddStorage(storage StorageID, version WriteVersion) error {
	cw := &countingWriter{w: c.w}
	if err := WriteAddStorage(cw, storage, version); err != nil {
		return c.fatal("write", err)
	}
	c.envelope.addWALBytes(cw.n)
	if sink := c.envelope.replicaSink(); sink != nil {
		sink.SendAddStorage(c.currentEpochID.Load(), storage, version)
	}
	return nil
}

// RemoveStorage writes a remove_storage record.
func (c *LogChannel) RemoveStorage(storage StorageID, version WriteVersion) error {
	cw := &countingWriter{w: c.w}
	if err := WriteRemoveStorage(cw, storage, version); err != nil {
		return c.fatal("write", err)
	}
	c.envelope.addWALBytes(cw.n)
	if sink := c.envelope.replicaSink(); sink != nil {
		sink.SendRemoveStorage(c.currentEpochID.Load(), storage, version)
	}
	return nil
}

// TruncateStorage writes a clear_storage record.
func (c *LogChannel) TruncateStorage(storage StorageID, version WriteVersion) error {
	cw := &countingWriter{w: c.w}
	if err := WriteClearStorage(cw, storage, version); err != nil {
		return c.fatal("write", err)
	}
	c.envelope.addWALBytes(cw.n)
	if sink := c.envelope.replicaSink(); sink != nil {
		sink.SendClearStorage(c.currentEpochID.Load(), storage, version)
	}
	return nil
}

// Rotate renames the attached file to pwal_NNNN.<unix_ms>.<epoch>,
// deregisters the attached path and registers the detached one. Only valid
// between sessions.
func (c *LogChannel) Rotate(epoch uint64) (string, error) {
	if c.currentEpochID.Load() != noEpoch {
		return "", PreconditionError{Operation: "Rotate", Reason: "session is open"}
	}
	newName := fmt.Sprintf("%s.%014d.%d", c.fileName, c.envelope.currentUnixMillis(), epoch)
	oldPath := c.FilePath()
	newPath := filepath.Join(c.location, newName)
	if err := os.Rename(oldPath, newPath); err != nil {
		return "", IOError{Path: oldPath, Operation: "rename", Err: err}
	}
	c.envelope.registerFile(newPath)
	c.registered = false
	c.envelope.deregisterFile(oldPath)
	return newName, nil
}

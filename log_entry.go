package limestone

import (
	"encoding/binary"
	"io"
)

// EntryType is the one-byte tag prefixing every record in a WAL file.
type EntryType uint8

const (
	EntryNormal                  EntryType = 1
	EntryMarkerBegin             EntryType = 2
	EntryMarkerEnd               EntryType = 3
	EntryMarkerDurable           EntryType = 4
	EntryRemove                  EntryType = 5
	EntryMarkerInvalidatedBegin  EntryType = 6
	EntryClearStorage            EntryType = 7
	EntryAddStorage               EntryType = 8
	EntryRemoveStorage           EntryType = 9
	EntryNormalWithBlob          EntryType = 10
)

// LogEntry is the decoded form of any record in a pWAL file. Only the
// fields relevant to Type are populated; this flat-struct shape (rather
// than one Go type per variant) keeps the hot write path allocation-free,
// matching the original codec's single-record writer functions.
type LogEntry struct {
	Type EntryType

	Storage StorageID
	Key     []byte
	Value   []byte
	Version WriteVersion
	BlobIDs []BlobID

	// Epoch is populated for marker_* records, which carry only an epoch
	// and no storage/key/value payload.
	Epoch uint64
}

// DecodeOutcome classifies the result of attempting to decode one record.
type DecodeOutcome int

const (
	DecodeOK DecodeOutcome = iota
	DecodeShortEntry
	DecodeUnknownType
	DecodeEOF
)

func writeUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func writeUint32LE(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint64LE(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// WriteMarkerBegin writes a marker_begin record opening an epoch snippet.
func WriteMarkerBegin(w io.Writer, epoch uint64) error {
	if err := writeUint8(w, uint8(EntryMarkerBegin)); err != nil {
		return err
	}
	return writeUint64LE(w, epoch)
}

// WriteMarkerEnd writes a marker_end record closing the current snippet.
func WriteMarkerEnd(w io.Writer, epoch uint64) error {
	if err := writeUint8(w, uint8(EntryMarkerEnd)); err != nil {
		return err
	}
	return writeUint64LE(w, epoch)
}

// WriteMarkerDurable writes a marker_durable record, used only in the
// epoch file, recording the largest epoch known durable at write time.
func WriteMarkerDurable(w io.Writer, epoch uint64) error {
	if err := writeUint8(w, uint8(EntryMarkerDurable)); err != nil {
		return err
	}
	return writeUint64LE(w, epoch)
}

// WriteMarkerInvalidatedBegin writes a whole marker_invalidated_begin record
// (tag byte and epoch). Repair-by-mark does not use it: the scanner
// overwrites only the tag byte of an existing marker_begin in place.
func WriteMarkerInvalidatedBegin(w io.Writer, epoch uint64) error {
	if err := writeUint8(w, uint8(EntryMarkerInvalidatedBegin)); err != nil {
		return err
	}
	return writeUint64LE(w, epoch)
}

// WriteNormalEntry writes a normal_entry record.
func WriteNormalEntry(w io.Writer, storage StorageID, key, value []byte, version WriteVersion) error {
	if err := writeUint8(w, uint8(EntryNormal)); err != nil {
		return err
	}
	if err := writeUint32LE(w, uint32(len(key))); err != nil {
		return err
	}
	if err := writeUint32LE(w, uint32(len(value))); err != nil {
		return err
	}
	if err := writeUint64LE(w, uint64(storage)); err != nil {
		return err
	}
	if _, err := w.Write(key); err != nil {
		return err
	}
	if err := writeUint64LE(w, version.Epoch); err != nil {
		return err
	}
	if err := writeUint64LE(w, version.Minor); err != nil {
		return err
	}
	_, err := w.Write(value)
	return err
}

// WriteNormalWithBlob writes a normal_with_blob record: a normal_entry
// immediately followed by a blob-id count and the ids themselves.
func WriteNormalWithBlob(w io.Writer, storage StorageID, key, value []byte, version WriteVersion, blobIDs []BlobID) error {
	if err := WriteNormalEntryWithTag(w, EntryNormalWithBlob, storage, key, value, version); err != nil {
		return err
	}
	if err := writeUint32LE(w, uint32(len(blobIDs))); err != nil {
		return err
	}
	for _, id := range blobIDs {
		if err := writeUint64LE(w, uint64(id)); err != nil {
			return err
		}
	}
	return nil
}

// WriteNormalEntryWithTag is WriteNormalEntry parameterized over the tag
// byte, shared by normal_entry and normal_with_blob which differ only in
// the tag and the trailing blob-id list.
func WriteNormalEntryWithTag(w io.Writer, tag EntryType, storage StorageID, key, value []byte, version WriteVersion) error {
	if err := writeUint8(w, uint8(tag)); err != nil {
		return err
	}
	if err := writeUint32LE(w, uint32(len(key))); err != nil {
		return err
	}
	if err := writeUint32LE(w, uint32(len(value))); err != nil {
		return err
	}
	if err := writeUint64LE(w, uint64(storage)); err != nil {
		return err
	}
	if _, err := w.Write(key); err != nil {
		return err
	}
	if err := writeUint64LE(w, version.Epoch); err != nil {
		return err
	}
	if err := writeUint64LE(w, version.Minor); err != nil {
		return err
	}
	_, err := w.Write(value)
	return err
}

// WriteRemoveEntry writes a remove_entry record.
func WriteRemoveEntry(w io.Writer, storage StorageID, key []byte, version WriteVersion) error {
	if err := writeUint8(w, uint8(EntryRemove)); err != nil {
		return err
	}
	if err := writeUint32LE(w, uint32(len(key))); err != nil {
		return err
	}
	if err := writeUint64LE(w, uint64(storage)); err != nil {
		return err
	}
	if _, err := w.Write(key); err != nil {
		return err
	}
	if err := writeUint64LE(w, version.Epoch); err != nil {
		return err
	}
	return writeUint64LE(w, version.Minor)
}

func writeStorageOnly(w io.Writer, tag EntryType, storage StorageID, version WriteVersion) error {
	if err := writeUint8(w, uint8(tag)); err != nil {
		return err
	}
	if err := writeUint64LE(w, uint64(storage)); err != nil {
		return err
	}
	if err := writeUint64LE(w, version.Epoch); err != nil {
		return err
	}
	return writeUint64LE(w, version.Minor)
}

// WriteClearStorage writes a clear_storage record.
func WriteClearStorage(w io.Writer, storage StorageID, version WriteVersion) error {
	return writeStorageOnly(w, EntryClearStorage, storage, version)
}

// WriteAddStorage writes an add_storage record.
func WriteAddStorage(w io.Writer, storage StorageID, version WriteVersion) error {
	return writeStorageOnly(w, EntryAddStorage, storage, version)
}

// WriteRemoveStorage writes a remove_storage record.
func WriteRemoveStorage(w io.Writer, storage StorageID, version WriteVersion) error {
	return writeStorageOnly(w, EntryRemoveStorage, storage, version)
}

func readFull(r io.Reader, buf []byte) (bool, error) {
	_, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func readUint32LE(r io.Reader) (uint32, bool, error) {
	var b [4]byte
	ok, err := readFull(r, b[:])
	if !ok || err != nil {
		return 0, ok, err
	}
	return binary.LittleEndian.Uint32(b[:]), true, nil
}

func readUint64LE(r io.Reader) (uint64, bool, error) {
	var b [8]byte
	ok, err := readFull(r, b[:])
	if !ok || err != nil {
		return 0, ok, err
	}
	return binary.LittleEndian.Uint64(b[:]), true, nil
}

// DecodeEntry reads one record from r. The returned outcome distinguishes a
// clean decode from a short record (truncated at EOF) from an unrecognized
// tag byte; the parser (dblog_scan.go) is the only caller that interprets
// these outcomes against the epoch sequence.
func DecodeEntry(r io.Reader) (LogEntry, DecodeOutcome, error) {
	var tagBuf [1]byte
	n, err := io.ReadFull(r, tagBuf[:])
	if n == 0 && (err == io.EOF) {
		return LogEntry{}, DecodeEOF, nil
	}
	if err != nil {
		return LogEntry{}, DecodeShortEntry, nil
	}
	tag := EntryType(tagBuf[0])

	switch tag {
	case EntryMarkerBegin, EntryMarkerEnd, EntryMarkerDurable, EntryMarkerInvalidatedBegin:
		epoch, ok, err := readUint64LE(r)
		if err != nil {
			return LogEntry{}, DecodeOK, err
		}
		if !ok {
			return LogEntry{}, DecodeShortEntry, nil
		}
		return LogEntry{Type: tag, Epoch: epoch}, DecodeOK, nil

	case EntryNormal, EntryNormalWithBlob:
		keyLen, ok, err := readUint32LE(r)
		if err != nil {
			return LogEntry{}, DecodeOK, err
		}
		if !ok {
			return LogEntry{}, DecodeShortEntry, nil
		}
		valLen, ok, err := readUint32LE(r)
		if err != nil {
			return LogEntry{}, DecodeOK, err
		}
		if !ok {
			return LogEntry{}, DecodeShortEntry, nil
		}
		storage, ok, err := readUint64LE(r)
		if err != nil {
			return LogEntry{}, DecodeOK, err
		}
		if !ok {
			return LogEntry{}, DecodeShortEntry, nil
		}
		key := make([]byte, keyLen)
		if ok, err := readFull(r, key); err != nil {
			return LogEntry{}, DecodeOK, err
		} else if !ok {
			return LogEntry{}, DecodeShortEntry, nil
		}
		epoch, ok, err := readUint64LE(r)
		if err != nil {
			return LogEntry{}, DecodeOK, err
		}
		if !ok {
			return LogEntry{}, DecodeShortEntry, nil
		}
		minor, ok, err := readUint64LE(r)
		if err != nil {
			return LogEntry{}, DecodeOK, err
		}
		if !ok {
			return LogEntry{}, DecodeShortEntry, nil
		}
		value := make([]byte, valLen)
		if ok, err := readFull(r, value); err != nil {
			return LogEntry{}, DecodeOK, err
		} else if !ok {
			return LogEntry{}, DecodeShortEntry, nil
		}
		entry := LogEntry{
			Type:    tag,
			Storage: StorageID(storage),
			Key:     key,
			Value:   value,
			Version: WriteVersion{Epoch: epoch, Minor: minor},
		}
		if tag == EntryNormalWithBlob {
			count, ok, err := readUint32LE(r)
			if err != nil {
				return LogEntry{}, DecodeOK, err
			}
			if !ok {
				return LogEntry{}, DecodeShortEntry, nil
			}
			ids := make([]BlobID, count)
			for i := range ids {
				id, ok, err := readUint64LE(r)
				if err != nil {
					return LogEntry{}, DecodeOK, err
				}
				if !ok {
					return LogEntry{}, DecodeShortEntry, nil
				}
				ids[i] = BlobID(id)
			}
			entry.BlobIDs = ids
		}
		return entry, DecodeOK, nil

	case EntryRemove:
		keyLen, ok, err := readUint32LE(r)
		if err != nil {
			return LogEntry{}, DecodeOK, err
		}
		if !ok {
			return LogEntry{}, DecodeShortEntry, nil
		}
		storage, ok, err := readUint64LE(r)
		if err != nil {
			return LogEntry{}, DecodeOK, err
		}
		if !ok {
			return LogEntry{}, DecodeShortEntry, nil
		}
		key := make([]byte, keyLen)
		if ok, err := readFull(r, key); err != nil {
			return LogEntry{}, DecodeOK, err
		} else if !ok {
			return LogEntry{}, DecodeShortEntry, nil
		}
		epoch, ok, err := readUint64LE(r)
		if err != nil {
			return LogEntry{}, DecodeOK, err
		}
		if !ok {
			return LogEntry{}, DecodeShortEntry, nil
		}
		minor, ok, err := readUint64LE(r)
		if err != nil {
			return LogEntry{}, DecodeOK, err
		}
		if !ok {
			return LogEntry{}, DecodeShortEntry, nil
		}
		return LogEntry{
			Type:    tag,
			Storage: StorageID(storage),
			Key:     key,
			Version: WriteVersion{Epoch: epoch, Minor: minor},
		}, DecodeOK, nil

	case EntryClearStorage, EntryAddStorage, EntryRemoveStorage:
		storage, ok, err := readUint64LE(r)
		if err != nil {
			return LogEntry{}, DecodeOK, err
		}
		if !ok {
			return LogEntry{}, DecodeShortEntry, nil
		}
		epoch, ok, err := readUint64LE(r)
		if err != nil {
			return LogEntry{}, DecodeOK, err
		}
		if !ok {
			return LogEntry{}, DecodeShortEntry, nil
		}
		minor, ok, err := readUint64LE(r)
		if err != nil {
			return LogEntry{}, DecodeOK, err
		}
		if !ok {
			return LogEntry{}, DecodeShortEntry, nil
		}
		return LogEntry{
			Type:    tag,
			Storage: StorageID(storage),
			Version: WriteVersion{Epoch: epoch, Minor: minor},
		}, DecodeOK, nil

	default:
		return LogEntry{}, DecodeUnknownType, nil
	}
}

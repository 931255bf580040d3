package limestone

import (
	"bufio"
	"encoding/gob"
	"net"
	"sync"
)

// ReplicaSink is the best-effort, fail-silent replica control channel.
// Sending is never allowed to block or fail the primary write path: once a
// send fails the sink disables itself and every later call becomes a no-op.
type ReplicaSink interface {
	SendBegin(epoch uint64)
	SendEnd(epoch uint64)
	SendEntry(epoch uint64, storage StorageID, key, value []byte, version WriteVersion, blobIDs []BlobID)
	SendRemove(epoch uint64, storage StorageID, key []byte, version WriteVersion)
	SendAddStorage(epoch uint64, storage StorageID, version WriteVersion)
	SendRemoveStorage(epoch uint64, storage StorageID, version WriteVersion)
	SendClearStorage(epoch uint64, storage StorageID, version WriteVersion)
}

// NopReplicaSink discards every event; it is the default when no replica
// endpoint is configured.
type NopReplicaSink struct{}

func (NopReplicaSink) SendBegin(uint64) {}
func (NopReplicaSink) SendEnd(uint64)   {}
func (NopReplicaSink) SendEntry(uint64, StorageID, []byte, []byte, WriteVersion, []BlobID) {}
func (NopReplicaSink) SendRemove(uint64, StorageID, []byte, WriteVersion)                  {}
func (NopReplicaSink) SendAddStorage(uint64, StorageID, WriteVersion)                      {}
func (NopReplicaSink) SendRemoveStorage(uint64, StorageID, WriteVersion)                   {}
func (NopReplicaSink) SendClearStorage(uint64, StorageID, WriteVersion)                    {}

// replicaEvent is the gob-framed message NetReplicaSink forwards; a narrow
// stand-in for a full replication protocol, which is explicitly out of
// scope.
type replicaEvent struct {
	Kind    string
	Epoch   uint64
	Storage StorageID
	Key     []byte
	Value   []byte
	Version WriteVersion
	BlobIDs []BlobID
}

// NetReplicaSink forwards events to a configured TCP endpoint. On first
// send failure it disables itself permanently; it never retries or blocks
// the primary.
type NetReplicaSink struct {
	mu      sync.Mutex
	conn    net.Conn
	enc     *gob.Encoder
	w       *bufio.Writer
	disabled bool
}

// DialNetReplicaSink connects to addr over TCP. A dial failure returns a
// sink that is already permanently disabled rather than an error, since a
// missing replica must never block datastore startup.
func DialNetReplicaSink(addr string) *NetReplicaSink {
	s := &NetReplicaSink{}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		s.disabled = true
		return s
	}
	s.conn = conn
	s.w = bufio.NewWriter(conn)
	s.enc = gob.NewEncoder(s.w)
	return s
}

func (s *NetReplicaSink) send(ev replicaEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return
	}
	if err := s.enc.Encode(ev); err != nil {
		s.disabled = true
		_ = s.conn.Close()
		return
	}
	if err := s.w.Flush(); err != nil {
		s.disabled = true
		_ = s.conn.Close()
	}
}

func (s *NetReplicaSink) SendBegin(epoch uint64) {
	s.send(replicaEvent{Kind: "begin", Epoch: epoch})
}

func (s *NetReplicaSink) SendEnd(epoch uint64) {
	s.send(replicaEvent{Kind: "end", Epoch: epoch})
}

func (s *NetReplicaSink) SendEntry(epoch uint64, storage StorageID, key, value []byte, version WriteVersion, blobIDs []BlobID) {
	s.send(replicaEvent{Kind: "entry", Epoch: epoch, Storage: storage, Key: key, Value: value, Version: version, BlobIDs: blobIDs})
}

func (s *NetReplicaSink) SendRemove(epoch uint64, storage StorageID, key []byte, version WriteVersion) {
	s.send(replicaEvent{Kind: "remove", Epoch: epoch, Storage: storage, Key: key, Version: version})
}

func (s *NetReplicaSink) SendAddStorage(epoch uint64, storage StorageID, version WriteVersion) {
	s.send(replicaEvent{Kind: "add_storage", Epoch: epoch, Storage: storage, Version: version})
}

func (s *NetReplicaSink) SendRemoveStorage(epoch uint64, storage StorageID, version WriteVersion) {
	s.send(replicaEvent{Kind: "remove_storage", Epoch: epoch, Storage: storage, Version: version})
}

func (s *NetReplicaSink) SendClearStorage(epoch uint64, storage StorageID, version WriteVersion) {
	s.send(replicaEvent{Kind: "clear_storage", Epoch: epoch, Storage: storage, Version: version})
}

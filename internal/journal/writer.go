package journal

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"topicmaster/broker/internal/registry"
	"topicmaster/broker/internal/transport"
	"topicmaster/broker/internal/wire"
)

// ManifestVersion is bumped whenever the bundle layout changes.
const ManifestVersion = 1

// Bundle file names relative to the journal directory.
const (
	ManifestFile  = "manifest.json"
	PacketsFile   = "packets.jsonl.sz"
	SnapshotsFile = "snapshots.bin.zst"
)

// SnapshotHeaderSize is the fixed prefix of every snapshot record: sequence,
// capture time in Unix nanoseconds and payload length, little endian.
const SnapshotHeaderSize = 8 + 8 + 4

// ErrClosed is returned when writing to a closed journal.
var ErrClosed = errors.New("journal closed")

var sessionCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Manifest describes the bundle layout so tooling can locate its files.
type Manifest struct {
	Version       int    `json:"version"`
	Session       string `json:"session"`
	CreatedAt     string `json:"created_at"`
	PacketsPath   string `json:"packets_path"`
	SnapshotsPath string `json:"snapshots_path"`
}

// PacketRecord is one line of the packet log.
type PacketRecord struct {
	CapturedAt   string `json:"captured_at"`
	ConnectionID uint64 `json:"conn_id"`
	Type         string `json:"type"`
	PayloadB64   string `json:"payload_b64"`
}

// Writer journals the master's control traffic: every inbound packet as a
// snappy-compressed JSON line and periodic publisher snapshots as zstd frames.
type Writer struct {
	mu             sync.Mutex
	dir            string
	now            func() time.Time
	packetFile     *os.File
	packetStream   *snappy.Writer
	snapshotFile   *os.File
	snapshotStream *zstd.Encoder
	snapshots      uint64
	closed         bool
}

// NewWriter creates <root>/<session>-<timestamp>/ and opens the compressed
// sinks. An empty session is replaced by a random UUID.
func NewWriter(root, session string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("journal root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := sessionCleaner.ReplaceAllString(session, "")
	if cleaned == "" {
		cleaned = uuid.NewString()
	}
	created := clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, fmt.Errorf("create journal dir: %w", err)
	}

	packetFile, err := os.Create(filepath.Join(path, PacketsFile))
	if err != nil {
		return nil, Manifest{}, err
	}
	packetStream := snappy.NewBufferedWriter(packetFile)

	snapshotFile, err := os.Create(filepath.Join(path, SnapshotsFile))
	if err != nil {
		packetFile.Close()
		return nil, Manifest{}, err
	}
	snapshotStream, err := zstd.NewWriter(snapshotFile)
	if err != nil {
		packetStream.Close()
		packetFile.Close()
		snapshotFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:       ManifestVersion,
		Session:       cleaned,
		CreatedAt:     created.Format(time.RFC3339Nano),
		PacketsPath:   PacketsFile,
		SnapshotsPath: SnapshotsFile,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(path, ManifestFile), data, 0o644)
	}
	if err != nil {
		snapshotStream.Close()
		snapshotFile.Close()
		packetStream.Close()
		packetFile.Close()
		return nil, Manifest{}, err
	}

	return &Writer{
		dir:            path,
		now:            clock,
		packetFile:     packetFile,
		packetStream:   packetStream,
		snapshotFile:   snapshotFile,
		snapshotStream: snapshotStream,
	}, manifest, nil
}

// Directory exposes the directory backing the bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// RecordPacket appends one inbound packet to the packet log.
func (w *Writer) RecordPacket(conn transport.ConnectionID, packet []byte) error {
	if w == nil {
		return ErrClosed
	}
	captured := w.now().UTC()
	packetType, _, ok := wire.Decode(packet)
	if !ok {
		packetType = "undecodable"
	}

	//1.- One JSON object per line keeps the log streamable.
	line, err := json.Marshal(PacketRecord{
		CapturedAt:   captured.Format(time.RFC3339Nano),
		ConnectionID: uint64(conn),
		Type:         packetType,
		PayloadB64:   base64.StdEncoding.EncodeToString(packet),
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, err := w.packetStream.Write(append(line, '\n')); err != nil {
		return err
	}
	return w.packetStream.Flush()
}

// WriteSnapshot appends the full publisher list as a publishers_init packet.
func (w *Writer) WriteSnapshot(publishers []wire.Publish) error {
	_, err := w.writeSnapshot(publishers)
	return err
}

func (w *Writer) writeSnapshot(publishers []wire.Publish) (uint64, error) {
	if w == nil {
		return 0, ErrClosed
	}
	captured := w.now().UTC()
	payload := wire.Encode(wire.TypePublishersInit, wire.Publishers{Publishers: publishers})

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	w.snapshots++
	header := make([]byte, SnapshotHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], w.snapshots)
	binary.LittleEndian.PutUint64(header[8:16], uint64(captured.UnixNano()))
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(payload)))
	if _, err := w.snapshotStream.Write(header); err != nil {
		return 0, err
	}
	if _, err := w.snapshotStream.Write(payload); err != nil {
		return 0, err
	}
	return w.snapshots, w.snapshotStream.Flush()
}

// PublisherSource yields the publishers captured by SnapshotRegistry.
type PublisherSource interface {
	AllPublishers() []registry.Publisher
}

// SnapshotRegistry writes the publishers currently known to src and returns the
// sequence number of the new snapshot.
func (w *Writer) SnapshotRegistry(src PublisherSource) (uint64, error) {
	if src == nil {
		return 0, errors.New("journal: publisher source required")
	}
	records := src.AllPublishers()
	publishers := make([]wire.Publish, 0, len(records))
	for _, rec := range records {
		publishers = append(publishers, wire.Publish{Topic: rec.Topic, MsgType: rec.MessageType, Host: rec.Host, Port: rec.Port})
	}
	return w.writeSnapshot(publishers)
}

// Snapshots returns how many snapshots have been written.
func (w *Writer) Snapshots() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshots
}

// Close flushes every sink and releases file handles, returning the first error.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(w.packetStream.Close())
	keep(w.packetFile.Close())
	keep(w.snapshotStream.Close())
	keep(w.snapshotFile.Close())
	return firstErr
}

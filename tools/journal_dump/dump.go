package journaldump

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"topicmaster/broker/internal/journal"
	"topicmaster/broker/internal/wire"
)

// Packet is one inbound packet decoded from the packet log.
type Packet struct {
	CapturedAt   time.Time `json:"captured_at"`
	ConnectionID uint64    `json:"conn_id"`
	Type         string    `json:"type"`
	Body         any       `json:"body,omitempty"`
	Raw          []byte    `json:"-"`
}

// Snapshot is one publisher snapshot decoded from the snapshot stream.
type Snapshot struct {
	Sequence   uint64         `json:"sequence"`
	CapturedAt time.Time      `json:"captured_at"`
	Publishers []wire.Publish `json:"publishers"`
}

// Load reads the manifest, packets and snapshots of a journal bundle. path may
// name the bundle directory or its manifest.
func Load(path string) (journal.Manifest, []Packet, []Snapshot, error) {
	if path == "" {
		return journal.Manifest{}, nil, nil, fmt.Errorf("path is required")
	}

	//1.- Locate the manifest so the data files resolve relative to it.
	manifestPath := path
	info, err := os.Stat(path)
	if err != nil {
		return journal.Manifest{}, nil, nil, err
	}
	if info.IsDir() {
		manifestPath = filepath.Join(path, journal.ManifestFile)
	}
	dir := filepath.Dir(manifestPath)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return journal.Manifest{}, nil, nil, err
	}
	var manifest journal.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return journal.Manifest{}, nil, nil, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.Version != journal.ManifestVersion {
		return journal.Manifest{}, nil, nil, fmt.Errorf("unsupported manifest version %d", manifest.Version)
	}

	//2.- Packets first, then snapshots.
	packets, err := loadPackets(filepath.Join(dir, manifest.PacketsPath))
	if err != nil {
		return journal.Manifest{}, nil, nil, err
	}
	snapshots, err := loadSnapshots(filepath.Join(dir, manifest.SnapshotsPath))
	if err != nil {
		return journal.Manifest{}, nil, nil, err
	}
	return manifest, packets, snapshots, nil
}

func loadPackets(path string) ([]Packet, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var packets []Packet
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record journal.PacketRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, fmt.Errorf("decode packet record: %w", err)
		}
		captured, err := time.Parse(time.RFC3339Nano, record.CapturedAt)
		if err != nil {
			return nil, err
		}
		raw, err := base64.StdEncoding.DecodeString(record.PayloadB64)
		if err != nil {
			return nil, err
		}
		packet := Packet{CapturedAt: captured, ConnectionID: record.ConnectionID, Type: record.Type, Raw: raw}
		if _, body, ok := wire.Decode(raw); ok {
			packet.Body = DecodeBody(record.Type, body)
		}
		packets = append(packets, packet)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return packets, nil
}

func loadSnapshots(path string) ([]Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var snapshots []Snapshot
	offset := 0
	for offset+journal.SnapshotHeaderSize <= len(data) {
		seq := binary.LittleEndian.Uint64(data[offset : offset+8])
		captured := int64(binary.LittleEndian.Uint64(data[offset+8 : offset+16]))
		size := int(binary.LittleEndian.Uint32(data[offset+16 : offset+20]))
		offset += journal.SnapshotHeaderSize
		if offset+size > len(data) {
			return nil, fmt.Errorf("snapshot %d truncated", seq)
		}
		_, body, ok := wire.Decode(data[offset : offset+size])
		offset += size
		if !ok {
			return nil, fmt.Errorf("snapshot %d is not a packet", seq)
		}
		var pubs wire.Publishers
		if err := pubs.Unmarshal(body); err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", seq, err)
		}
		snapshots = append(snapshots, Snapshot{Sequence: seq, CapturedAt: time.Unix(0, captured).UTC(), Publishers: pubs.Publishers})
	}
	return snapshots, nil
}

// DecodeBody turns a control message body into its typed form for display. Types
// without a known body yield nil.
func DecodeBody(packetType string, body []byte) any {
	var msg interface{ Unmarshal([]byte) error }
	switch packetType {
	case wire.TypeRegisterNamespace, wire.TypeNamespaceAdd, wire.TypeVersionInit:
		msg = &wire.String{}
	case wire.TypeNamespacesInit, wire.TypeNamespacesResponse:
		msg = &wire.StringV{}
	case wire.TypeAdvertise, wire.TypeUnadvertise, wire.TypePublisherAdd, wire.TypePublisherDel, wire.TypePublisherUpdate:
		msg = &wire.Publish{}
	case wire.TypePublishersInit, wire.TypePublisherList:
		msg = &wire.Publishers{}
	case wire.TypeSubscribe, wire.TypeUnsubscribe:
		msg = &wire.Subscribe{}
	case wire.TypeRequest:
		msg = &wire.Request{}
	case wire.TypeTopicInfoResponse:
		msg = &wire.TopicInfo{}
	default:
		return nil
	}
	if err := msg.Unmarshal(body); err != nil {
		return map[string]string{"error": err.Error()}
	}
	return msg
}

package journaldump

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"topicmaster/broker/internal/journal"
	"topicmaster/broker/internal/wire"
)

func TestLoadDecodesBundle(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	writer, _, err := journal.NewWriter(tmp, "dump", func() time.Time { return now })
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	if err := writer.RecordPacket(3, wire.Encode(wire.TypeSubscribe, wire.Subscribe{Topic: "/foo", Host: "h2", Port: 222})); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := writer.RecordPacket(3, wire.Encode("mystery", wire.String{Data: "?"})); err != nil {
		t.Fatalf("record: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := writer.WriteSnapshot([]wire.Publish{{Topic: "/foo", MsgType: "T", Host: "h1", Port: 111}}); err != nil {
			t.Fatalf("snapshot: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	manifest, packets, snapshots, err := Load(filepath.Join(writer.Directory(), journal.ManifestFile))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if manifest.Session != "dump" {
		t.Fatalf("unexpected manifest %+v", manifest)
	}
	if len(packets) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(packets))
	}
	sub, ok := packets[0].Body.(*wire.Subscribe)
	if !ok || sub.Topic != "/foo" || sub.Port != 222 || packets[0].ConnectionID != 3 {
		t.Fatalf("unexpected first packet %+v", packets[0])
	}
	if packets[1].Body != nil {
		t.Fatalf("expected unknown packet type to have no body, got %#v", packets[1].Body)
	}
	if len(snapshots) != 2 || snapshots[1].Sequence != 2 || !snapshots[0].CapturedAt.Equal(now) {
		t.Fatalf("unexpected snapshots %+v", snapshots)
	}
	if len(snapshots[0].Publishers) != 1 || snapshots[0].Publishers[0].Host != "h1" {
		t.Fatalf("unexpected snapshot publishers %+v", snapshots[0].Publishers)
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, journal.ManifestFile), []byte(`{"version":9}`), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if _, _, _, err := Load(dir); err == nil {
		t.Fatalf("expected version error")
	}
}

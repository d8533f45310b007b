package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"snapbuf/buffer"
	"snapbuf/snapshot"
)

func TestFileWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := NewFileWriter(dir)

	received := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	captures := []snapshot.TopicCapture{
		{
			Topic: "plant/line1",
			Messages: []buffer.Message{
				{Payload: []byte("first"), Metadata: map[string]string{"source": "mqtt"}, Received: received},
				{Payload: []byte("second"), Received: received.Add(time.Second)},
			},
		},
		{
			Topic:    "plant/line2",
			Messages: nil,
		},
	}

	if err := w.Write("capture.snap", captures); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "capture.snap"))
	if err != nil {
		t.Fatalf("open container: %v", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("container is empty")
	}

	var hdr header
	if err := json.Unmarshal(sc.Bytes(), &hdr); err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if hdr.Format != formatName || hdr.Version != formatVersion {
		t.Errorf("header = %+v", hdr)
	}
	if len(hdr.Topics) != 2 || hdr.Topics[0].Count != 2 || hdr.Topics[1].Count != 0 {
		t.Errorf("header topics = %+v", hdr.Topics)
	}

	var records []Record
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("container holds %d records, want 2", len(records))
	}
	if string(records[0].Payload) != "first" || records[0].Metadata["source"] != "mqtt" {
		t.Errorf("record 0 = %+v", records[0])
	}
	if !records[0].Received.Equal(received) {
		t.Errorf("record 0 received = %v, want %v", records[0].Received, received)
	}
	if string(records[1].Payload) != "second" {
		t.Errorf("record 1 payload = %q", records[1].Payload)
	}
}

func TestFileWriterCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")
	w := NewFileWriter(dir)

	err := w.Write("x.snap", []snapshot.TopicCapture{{Topic: "a"}})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "x.snap")); err != nil {
		t.Errorf("container missing: %v", err)
	}
}

func TestFileWriterNoPartialFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewFileWriter(dir)

	if err := w.Write("x.snap", nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// No stray temp files after a completed write.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".snapbuf-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestNewFileWriterDefaultsToCwd(t *testing.T) {
	w := NewFileWriter("")
	if w.Dir() != "." {
		t.Errorf("Dir() = %q, want .", w.Dir())
	}
}

// Package storage persists drained snapshot captures as container files on
// disk. A container is a stream of JSON lines: one header describing the
// capture, then one record per message in drain order.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"snapbuf/logging"
	"snapbuf/snapshot"
)

const (
	// Ext is the container file suffix.
	Ext = ".snap"

	formatName    = "snapbuf"
	formatVersion = 1
)

// header is the first line of a container file.
type header struct {
	Format  string         `json:"format"`
	Version int            `json:"version"`
	Created time.Time      `json:"created"`
	Topics  []topicSummary `json:"topics"`
}

type topicSummary struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// Record is one buffered message as serialized into a container file. The
// payload is base64-encoded by the JSON encoder.
type Record struct {
	Topic    string            `json:"topic"`
	Received time.Time         `json:"received"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// FileWriter writes snapshot containers into a fixed output directory. It
// satisfies the snapshot.Writer contract.
type FileWriter struct {
	dir string
}

// NewFileWriter creates a writer that places containers under dir. An empty
// dir means the current working directory.
func NewFileWriter(dir string) *FileWriter {
	if dir == "" {
		dir = "."
	}
	return &FileWriter{dir: dir}
}

// Ext returns the required container filename suffix.
func (w *FileWriter) Ext() string {
	return Ext
}

// Dir returns the output directory.
func (w *FileWriter) Dir() string {
	return w.dir
}

// Write serializes the captures under filename inside the output directory.
// The container is written to a temporary file and renamed into place so a
// failed write never leaves a partial container behind.
func (w *FileWriter) Write(filename string, captures []snapshot.TopicCapture) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(w.dir, ".snapbuf-*")
	if err != nil {
		return fmt.Errorf("failed to create container file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := writeContainer(tmp, captures); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close container file: %w", err)
	}

	finalPath := filepath.Join(w.dir, filename)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize container file: %w", err)
	}

	logStorage("wrote container %s (%d topics)", finalPath, len(captures))
	return nil
}

// writeContainer streams the header and all records to f.
func writeContainer(f *os.File, captures []snapshot.TopicCapture) error {
	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)

	hdr := header{
		Format:  formatName,
		Version: formatVersion,
		Created: time.Now().UTC(),
		Topics:  make([]topicSummary, 0, len(captures)),
	}
	for _, c := range captures {
		hdr.Topics = append(hdr.Topics, topicSummary{Topic: c.Topic, Count: len(c.Messages)})
	}
	if err := enc.Encode(hdr); err != nil {
		return fmt.Errorf("failed to write container header: %w", err)
	}

	for _, c := range captures {
		for _, m := range c.Messages {
			rec := Record{
				Topic:    c.Topic,
				Received: m.Received,
				Metadata: m.Metadata,
				Payload:  m.Payload,
			}
			if err := enc.Encode(rec); err != nil {
				return fmt.Errorf("failed to write record for %s: %w", c.Topic, err)
			}
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush container: %w", err)
	}
	return nil
}

func logStorage(format string, args ...interface{}) {
	logging.DebugLog("storage", format, args...)
}

// Package snapshot coordinates the per-topic buffers, the node-wide recording
// state, and triggered writes to durable storage.
package snapshot

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"snapbuf/buffer"
	"snapbuf/logging"
)

// filenameTimeFormat is appended to synthesized and suffix-less filenames so
// every triggered write gets a unique default name.
const filenameTimeFormat = "2006-01-02-15-04-05"

// Writer persists a set of drained topic captures as one container file.
// Implementations report failure as a single opaque error.
type Writer interface {
	// Ext is the suffix required on container filenames, including the dot.
	Ext() string
	// Write serializes the captures under the given filename.
	Write(filename string, captures []TopicCapture) error
}

// TopicCapture is the drained contents of one topic's buffer, oldest first.
type TopicCapture struct {
	Topic    string
	Messages []buffer.Message
}

// TopicStatus describes one buffer's current occupancy.
type TopicStatus struct {
	Topic string
	Count int
	Bytes int64
	Span  time.Duration
}

// Status is a point-in-time view of the node state for the control surface.
type Status struct {
	Recording bool
	Writing   bool
	Topics    []TopicStatus
}

// Manager owns the topic buffers and arbitrates concurrent ingestion,
// pause/resume, and triggered writes. The topic set is fixed once the
// service starts: AddTopic must not be called after ingestion begins.
type Manager struct {
	writer Writer

	// buffers is built at startup and read-only afterwards, so the hot
	// ingestion path reads it without locking. Each buffer carries its
	// own lock for queue mutations.
	buffers map[string]*buffer.TopicBuffer
	order   []string

	// mu guards only the recording and writing flags. It is never held
	// while a buffer lock is held or while the writer runs.
	mu        sync.RWMutex
	recording bool
	writing   bool

	now func() time.Time
}

// NewManager creates a manager that persists triggered writes through w.
// Recording starts enabled.
func NewManager(w Writer) *Manager {
	return &Manager{
		writer:    w,
		buffers:   make(map[string]*buffer.TopicBuffer),
		recording: true,
		now:       time.Now,
	}
}

// AddTopic creates the buffer for a subscribed topic. Must be called during
// startup, before any ingestion or trigger reaches the manager.
func (m *Manager) AddTopic(topic string, limits buffer.Limits) error {
	if topic == "" {
		return fmt.Errorf("topic name is empty")
	}
	if _, exists := m.buffers[topic]; exists {
		return fmt.Errorf("topic already buffered: %s", topic)
	}
	m.buffers[topic] = buffer.New(topic, limits)
	m.order = append(m.order, topic)
	return nil
}

// Topics returns the subscribed topic names in subscription order.
func (m *Manager) Topics() []string {
	topics := make([]string, len(m.order))
	copy(topics, m.order)
	return topics
}

// HandleMessage routes one delivered bus message into its topic's buffer.
// Messages are silently discarded while recording is paused. The recording
// read is a snapshot: a pause may race one in-flight message, which is
// acceptable for a best-effort pause.
func (m *Manager) HandleMessage(topic string, payload []byte, metadata map[string]string) {
	m.mu.RLock()
	recording := m.recording
	m.mu.RUnlock()
	if !recording {
		return
	}

	buf, ok := m.buffers[topic]
	if !ok {
		// Sources only deliver subscribed topics; anything else is a
		// wiring bug worth a log line, not a crash.
		logSnapshot("dropping message for unsubscribed topic %s", topic)
		return
	}

	msg := buffer.Message{
		Payload:  payload,
		Metadata: metadata,
		Received: m.now(),
	}
	if !buf.Push(msg) {
		logSnapshot("warning: dropped oversized message on %s (%d bytes exceeds %d byte limit)",
			topic, msg.Size(), buf.Limits().Memory)
	}
}

// Pause stops new messages from being buffered. Idempotent; existing buffer
// contents are untouched.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.recording = false
	m.mu.Unlock()
	logSnapshot("recording paused")
}

// Resume re-enables buffering of new messages. Idempotent.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.recording = true
	m.mu.Unlock()
	logSnapshot("recording resumed")
}

// Recording reports whether new messages are currently being buffered.
func (m *Manager) Recording() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recording
}

// TriggerWrite drains the requested topics (all subscribed topics when the
// list is empty) and persists them as one container file, returning the
// resolved filename. Drained messages are permanently removed regardless of
// write success: a failed write does not restore buffered data.
//
// Only one write may be in flight at a time; a second concurrent call fails
// with ErrWriteInProgress. Unknown topic names fail the whole operation with
// UnknownTopicError before any buffer is touched.
func (m *Manager) TriggerWrite(topics []string, filename string) (string, error) {
	m.mu.Lock()
	if m.writing {
		m.mu.Unlock()
		return "", ErrWriteInProgress
	}
	m.writing = true
	m.mu.Unlock()

	// The writing flag must clear on every exit path, including a writer
	// panic, or the node could never flush again.
	defer func() {
		m.mu.Lock()
		m.writing = false
		m.mu.Unlock()
	}()

	targets := topics
	if len(targets) == 0 {
		targets = m.order
	} else {
		for _, topic := range targets {
			if _, ok := m.buffers[topic]; !ok {
				return "", UnknownTopicError{Topic: topic}
			}
		}
	}

	resolved := m.resolveFilename(filename)

	// Each topic is drained independently under its own lock so arrivals
	// on other topics never wait on this write.
	captures := make([]TopicCapture, 0, len(targets))
	total := 0
	for _, topic := range targets {
		msgs := m.buffers[topic].Drain()
		total += len(msgs)
		captures = append(captures, TopicCapture{Topic: topic, Messages: msgs})
	}

	logSnapshot("writing %d messages from %d topics to %s", total, len(captures), resolved)
	if err := m.writer.Write(resolved, captures); err != nil {
		logSnapshot("write failed for %s: %v", resolved, err)
		return resolved, fmt.Errorf("storage write: %w", err)
	}
	return resolved, nil
}

// resolveFilename applies the output naming rules: an empty name becomes the
// current timestamp plus the storage suffix; a name missing the suffix gets
// the timestamp and suffix appended so operator-supplied names are never
// silently overwritten.
func (m *Manager) resolveFilename(name string) string {
	ext := m.writer.Ext()
	if name == "" {
		return m.now().Format(filenameTimeFormat) + ext
	}
	if !strings.HasSuffix(name, ext) {
		return name + m.now().Format(filenameTimeFormat) + ext
	}
	return name
}

// Status reports the node state and per-topic occupancy in subscription
// order.
func (m *Manager) Status() Status {
	m.mu.RLock()
	status := Status{
		Recording: m.recording,
		Writing:   m.writing,
	}
	m.mu.RUnlock()

	status.Topics = make([]TopicStatus, 0, len(m.order))
	for _, topic := range m.order {
		buf := m.buffers[topic]
		status.Topics = append(status.Topics, TopicStatus{
			Topic: topic,
			Count: buf.Len(),
			Bytes: buf.Bytes(),
			Span:  buf.Span(),
		})
	}
	return status
}

func logSnapshot(format string, args ...interface{}) {
	logging.DebugLog("snapshot", format, args...)
}

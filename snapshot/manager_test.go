package snapshot

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"snapbuf/buffer"
)

// fakeWriter records the last write and optionally fails, blocks, or panics
// so tests can exercise the drain and mutual exclusion protocols.
type fakeWriter struct {
	mu       sync.Mutex
	filename string
	captures []TopicCapture
	writes   int

	err     error
	block   chan struct{}
	started chan struct{}
	panics  bool
}

func (w *fakeWriter) Ext() string { return ".snap" }

func (w *fakeWriter) Write(filename string, captures []TopicCapture) error {
	// Signal the first write exactly once; later writes must not re-close.
	w.mu.Lock()
	started := w.started
	w.started = nil
	w.mu.Unlock()
	if started != nil {
		close(started)
	}
	if w.block != nil {
		<-w.block
	}
	if w.panics {
		panic("writer exploded")
	}
	w.mu.Lock()
	w.filename = filename
	w.captures = captures
	w.writes++
	w.mu.Unlock()
	return w.err
}

func (w *fakeWriter) last() (string, []TopicCapture) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filename, w.captures
}

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestManager(t *testing.T, w Writer, topics ...string) *Manager {
	t.Helper()
	m := NewManager(w)
	m.now = func() time.Time { return fixedNow }
	for _, topic := range topics {
		if err := m.AddTopic(topic, buffer.Limits{Duration: buffer.NoLimit, Memory: buffer.NoLimit}); err != nil {
			t.Fatalf("AddTopic(%s): %v", topic, err)
		}
	}
	return m
}

func TestAddTopicDuplicate(t *testing.T) {
	m := newTestManager(t, &fakeWriter{}, "a")
	if err := m.AddTopic("a", buffer.Limits{}); err == nil {
		t.Error("duplicate AddTopic succeeded")
	}
	if err := m.AddTopic("", buffer.Limits{}); err == nil {
		t.Error("empty topic AddTopic succeeded")
	}
}

func TestHandleMessageRouting(t *testing.T) {
	w := &fakeWriter{}
	m := newTestManager(t, w, "a", "b")

	m.HandleMessage("a", []byte("one"), nil)
	m.HandleMessage("a", []byte("two"), nil)
	m.HandleMessage("b", []byte("three"), nil)
	m.HandleMessage("unknown", []byte("lost"), nil)

	status := m.Status()
	if len(status.Topics) != 2 {
		t.Fatalf("status has %d topics, want 2", len(status.Topics))
	}
	if status.Topics[0].Topic != "a" || status.Topics[0].Count != 2 {
		t.Errorf("topic a status = %+v", status.Topics[0])
	}
	if status.Topics[1].Topic != "b" || status.Topics[1].Count != 1 {
		t.Errorf("topic b status = %+v", status.Topics[1])
	}
}

func TestPauseResume(t *testing.T) {
	m := newTestManager(t, &fakeWriter{}, "a")

	m.Pause()
	m.Pause() // idempotent
	if m.Recording() {
		t.Error("Recording() = true after Pause")
	}
	m.HandleMessage("a", []byte("dropped"), nil)
	if got := m.Status().Topics[0].Count; got != 0 {
		t.Errorf("buffered %d messages while paused, want 0", got)
	}

	m.Resume()
	if !m.Recording() {
		t.Error("Recording() = false after Resume")
	}
	m.HandleMessage("a", []byte("kept"), nil)
	if got := m.Status().Topics[0].Count; got != 1 {
		t.Errorf("buffered %d messages after resume, want 1", got)
	}
}

func TestTriggerWriteAllTopics(t *testing.T) {
	w := &fakeWriter{}
	m := newTestManager(t, w, "a", "b")
	m.HandleMessage("a", []byte("m1"), nil)
	m.HandleMessage("a", []byte("m2"), nil)
	m.HandleMessage("b", []byte("m3"), nil)

	// Empty topic list means every subscribed topic, occupied or not.
	filename, err := m.TriggerWrite(nil, "")
	if err != nil {
		t.Fatalf("TriggerWrite: %v", err)
	}
	if want := "2026-03-14-09-26-53.snap"; filename != want {
		t.Errorf("filename = %q, want %q", filename, want)
	}

	_, captures := w.last()
	if len(captures) != 2 {
		t.Fatalf("wrote %d captures, want 2", len(captures))
	}
	if captures[0].Topic != "a" || len(captures[0].Messages) != 2 {
		t.Errorf("capture a = %+v", captures[0])
	}
	if string(captures[0].Messages[0].Payload) != "m1" {
		t.Errorf("first message = %q, want m1", captures[0].Messages[0].Payload)
	}
	if captures[1].Topic != "b" || len(captures[1].Messages) != 1 {
		t.Errorf("capture b = %+v", captures[1])
	}

	// Drain is destructive.
	for _, ts := range m.Status().Topics {
		if ts.Count != 0 {
			t.Errorf("topic %s still holds %d messages after write", ts.Topic, ts.Count)
		}
	}
}

func TestTriggerWriteSubset(t *testing.T) {
	w := &fakeWriter{}
	m := newTestManager(t, w, "a", "b")
	m.HandleMessage("a", []byte("m1"), nil)
	m.HandleMessage("b", []byte("m2"), nil)

	if _, err := m.TriggerWrite([]string{"a"}, ""); err != nil {
		t.Fatalf("TriggerWrite: %v", err)
	}

	_, captures := w.last()
	if len(captures) != 1 || captures[0].Topic != "a" {
		t.Fatalf("captures = %+v, want only topic a", captures)
	}

	// Untouched topic keeps its buffered data.
	status := m.Status()
	if status.Topics[1].Count != 1 {
		t.Errorf("topic b count = %d after subset write, want 1", status.Topics[1].Count)
	}
}

func TestTriggerWriteUnknownTopic(t *testing.T) {
	w := &fakeWriter{}
	m := newTestManager(t, w, "a")
	m.HandleMessage("a", []byte("m1"), nil)

	_, err := m.TriggerWrite([]string{"a", "nope"}, "")
	var unknown UnknownTopicError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want UnknownTopicError", err)
	}
	if unknown.Topic != "nope" {
		t.Errorf("unknown.Topic = %q, want nope", unknown.Topic)
	}

	// Validation failure must leave every buffer untouched.
	if got := m.Status().Topics[0].Count; got != 1 {
		t.Errorf("topic a count = %d after rejected write, want 1", got)
	}
	if w.writes != 0 {
		t.Errorf("writer called %d times on rejected write, want 0", w.writes)
	}
}

func TestTriggerWriteFilenames(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     string
	}{
		{"empty synthesizes timestamp", "", "2026-03-14-09-26-53.snap"},
		{"missing suffix appends timestamp", "capture-", "capture-2026-03-14-09-26-53.snap"},
		{"full name kept verbatim", "capture.snap", "capture.snap"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, &fakeWriter{}, "a")
			got, err := m.TriggerWrite(nil, tt.filename)
			if err != nil {
				t.Fatalf("TriggerWrite: %v", err)
			}
			if got != tt.want {
				t.Errorf("resolved filename = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTriggerWriteMutualExclusion(t *testing.T) {
	w := &fakeWriter{
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	m := newTestManager(t, w, "a")

	firstDone := make(chan error, 1)
	go func() {
		_, err := m.TriggerWrite(nil, "")
		firstDone <- err
	}()
	<-w.started

	if !m.Status().Writing {
		t.Error("Status().Writing = false during in-flight write")
	}
	if _, err := m.TriggerWrite(nil, ""); !errors.Is(err, ErrWriteInProgress) {
		t.Errorf("concurrent TriggerWrite error = %v, want ErrWriteInProgress", err)
	}

	close(w.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first TriggerWrite: %v", err)
	}

	// Flag clears once the write completes.
	if _, err := m.TriggerWrite(nil, ""); err != nil {
		t.Errorf("TriggerWrite after completion: %v", err)
	}
}

func TestTriggerWriteFailureStillDrains(t *testing.T) {
	w := &fakeWriter{err: fmt.Errorf("disk full")}
	m := newTestManager(t, w, "a")
	m.HandleMessage("a", []byte("m1"), nil)

	filename, err := m.TriggerWrite(nil, "")
	if err == nil {
		t.Fatal("TriggerWrite succeeded with failing writer")
	}
	if filename == "" {
		t.Error("failed write did not report its resolved filename")
	}

	// Drained data is gone even though the write failed.
	if got := m.Status().Topics[0].Count; got != 0 {
		t.Errorf("topic a count = %d after failed write, want 0", got)
	}

	// The node can write again.
	w.err = nil
	if _, err := m.TriggerWrite(nil, ""); err != nil {
		t.Errorf("TriggerWrite after failure: %v", err)
	}
}

func TestTriggerWritePanicClearsFlag(t *testing.T) {
	w := &fakeWriter{panics: true}
	m := newTestManager(t, w, "a")

	func() {
		defer func() {
			if recover() == nil {
				t.Error("writer panic did not propagate")
			}
		}()
		m.TriggerWrite(nil, "")
	}()

	if m.Status().Writing {
		t.Error("Writing flag stuck after writer panic")
	}
	w.panics = false
	if _, err := m.TriggerWrite(nil, ""); err != nil {
		t.Errorf("TriggerWrite after panic: %v", err)
	}
}

func TestDrainThenRefill(t *testing.T) {
	w := &fakeWriter{}
	m := newTestManager(t, w, "a")
	m.HandleMessage("a", []byte("before"), nil)
	if _, err := m.TriggerWrite(nil, ""); err != nil {
		t.Fatalf("TriggerWrite: %v", err)
	}

	m.HandleMessage("a", []byte("after"), nil)
	if _, err := m.TriggerWrite(nil, ""); err != nil {
		t.Fatalf("second TriggerWrite: %v", err)
	}
	_, captures := w.last()
	if len(captures[0].Messages) != 1 || string(captures[0].Messages[0].Payload) != "after" {
		t.Errorf("second capture = %+v, want single post-drain message", captures[0])
	}
}

func TestStatusSpan(t *testing.T) {
	m := newTestManager(t, &fakeWriter{}, "a")

	base := fixedNow
	i := 0
	m.now = func() time.Time {
		ts := base.Add(time.Duration(i) * time.Second)
		i++
		return ts
	}

	m.HandleMessage("a", []byte("m1"), nil)
	m.HandleMessage("a", []byte("m2"), nil)
	m.HandleMessage("a", []byte("m3"), nil)

	ts := m.Status().Topics[0]
	if ts.Span != 2*time.Second {
		t.Errorf("Span = %v, want 2s", ts.Span)
	}
	if ts.Bytes != 6 {
		t.Errorf("Bytes = %d, want 6", ts.Bytes)
	}
}

// Package buffer implements the per-topic sliding window queue that retains
// only the most recent bus traffic under independent memory and duration caps.
package buffer

import (
	"errors"
	"sync"
	"time"
)

// ErrEmptyBuffer is returned by Pop on an empty queue. The drain protocol
// never pops more than it observed present, so seeing this error indicates a
// logic defect rather than a runtime condition.
var ErrEmptyBuffer = errors.New("buffer is empty")

// TopicBuffer is a FIFO queue of buffered messages for one topic. Every push
// enforces the topic's resolved limits by evicting from the front as needed.
// All methods are safe for concurrent use; the buffer holds its own lock for
// the full extent of each operation.
type TopicBuffer struct {
	topic  string
	limits Limits

	mu         sync.Mutex
	queue      []Message
	totalBytes int64
}

// New creates a buffer for the named topic with resolved limits.
func New(topic string, limits Limits) *TopicBuffer {
	return &TopicBuffer{
		topic:  topic,
		limits: limits,
	}
}

// Topic returns the topic name this buffer holds messages for.
func (b *TopicBuffer) Topic() string {
	return b.topic
}

// Limits returns the resolved limits this buffer enforces.
func (b *TopicBuffer) Limits() Limits {
	return b.limits
}

// Push admits msg, evicting the oldest messages as needed to stay within the
// memory and duration bounds. The newest message always wins over older ones.
// Returns false without mutating the buffer when the message alone exceeds a
// bounded memory limit; that drop is expected steady-state behavior for
// oversized samples, not an error.
func (b *TopicBuffer) Push(msg Message) bool {
	size := msg.Size()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limits.Memory >= 0 && size > b.limits.Memory {
		return false
	}

	// Evict strictly from the front until the new message fits both bounds.
	for len(b.queue) > 0 && b.exceedsLimits(msg, size) {
		front := b.queue[0]
		b.queue[0] = Message{} // release the payload for GC
		b.queue = b.queue[1:]
		b.totalBytes -= front.Size()
	}

	b.queue = append(b.queue, msg)
	b.totalBytes += size
	return true
}

// exceedsLimits reports whether admitting msg now would violate either bound.
// Caller must hold b.mu and guarantee the queue is non-empty.
func (b *TopicBuffer) exceedsLimits(msg Message, size int64) bool {
	if b.limits.Memory >= 0 && b.totalBytes+size > b.limits.Memory {
		return true
	}
	if b.limits.Duration >= 0 && msg.Received.Sub(b.queue[0].Received) > b.limits.Duration {
		return true
	}
	return false
}

// Pop removes and returns the oldest message, or ErrEmptyBuffer.
func (b *TopicBuffer) Pop() (Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return Message{}, ErrEmptyBuffer
	}

	front := b.queue[0]
	b.queue[0] = Message{}
	b.queue = b.queue[1:]
	b.totalBytes -= front.Size()
	if len(b.queue) == 0 {
		b.queue = nil
	}
	return front, nil
}

// Drain removes and returns the entire queue, oldest first, under a single
// lock hold. Pushes arriving after the lock is released land in the emptied
// buffer and are captured by a future drain.
func (b *TopicBuffer) Drain() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.queue
	b.queue = nil
	b.totalBytes = 0
	return msgs
}

// Span returns the time difference between the newest and oldest buffered
// message, or zero when fewer than two messages are queued.
func (b *TopicBuffer) Span() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) < 2 {
		return 0
	}
	return b.queue[len(b.queue)-1].Received.Sub(b.queue[0].Received)
}

// Len returns the number of buffered messages.
func (b *TopicBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Bytes returns the total payload bytes currently buffered.
func (b *TopicBuffer) Bytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalBytes
}

package buffer

import "time"

// Message is a single buffered bus message. The payload is opaque: the buffer
// accounts for its size but never interprets its contents. Metadata carries
// the connection descriptors the message arrived under (source, schema, etc).
type Message struct {
	Payload  []byte
	Metadata map[string]string
	// Received is the time the service accepted the message, not any
	// timestamp embedded in the payload.
	Received time.Time
}

// Size returns the payload size in bytes used for memory accounting.
func (m Message) Size() int64 {
	return int64(len(m.Payload))
}

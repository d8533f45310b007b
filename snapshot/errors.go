package snapshot

import (
	"errors"
	"fmt"
)

// ErrWriteInProgress is returned by TriggerWrite while another triggered
// write is still in flight. Concurrent writes are rejected, not queued; the
// caller may retry once the running write completes.
var ErrWriteInProgress = errors.New("snapshot write already in progress")

// UnknownTopicError reports a trigger request naming a topic the service
// never subscribed to. Validation is all-or-nothing: no buffer is touched
// when any requested topic is unknown.
type UnknownTopicError struct {
	Topic string
}

func (e UnknownTopicError) Error() string {
	return fmt.Sprintf("unknown topic: %s", e.Topic)
}

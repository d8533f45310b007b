package buffer

import "time"

// NoLimit disables a retention bound. Any negative value is treated the same;
// zero is a real (and very tight) bound.
const NoLimit = -1

// Limits holds the resolved retention bounds for one topic buffer.
// A negative value on either axis means that axis is unbounded.
type Limits struct {
	// Duration is the maximum time span between the newest and oldest
	// buffered message.
	Duration time.Duration
	// Memory is the maximum total payload bytes held in the buffer.
	Memory int64
}

// TopicLimits are the per-topic bounds as configured, before resolution.
// Nil fields inherit the node default for that axis.
type TopicLimits struct {
	Duration *time.Duration
	Memory   *int64
}

// ResolveLimits merges a topic's configured bounds with the node defaults,
// replacing inherited (nil) fields. The result is immutable for the life of
// the buffer it configures.
func ResolveLimits(t TopicLimits, defaults Limits) Limits {
	resolved := defaults
	if t.Duration != nil {
		resolved.Duration = *t.Duration
	}
	if t.Memory != nil {
		resolved.Memory = *t.Memory
	}
	return resolved
}

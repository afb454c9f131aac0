// Package stream decouples process output production from observation.
// A Streamer keeps a bounded ring buffer of the most recent output
// chunks per process and fans events out to typed subscribers.
package stream

import "time"

// EventType classifies an output event.
type EventType int

const (
	// EventStdout is a chunk of standard output.
	EventStdout EventType = iota
	// EventStderr is a chunk of standard error.
	EventStderr
	// EventExit reports process termination. Always the last event
	// delivered for a process.
	EventExit
	// EventError reports a stream-level failure or lifecycle notice.
	EventError
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventExit:
		return "exit"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one emitted output value. Events are never mutated after
// creation.
type Event struct {
	// ProcessID identifies the producing process.
	ProcessID string

	// Type classifies the event.
	Type EventType

	// Payload is the chunk text, error message, or empty for exit.
	Payload string

	// Timestamp is when the event was produced.
	Timestamp time.Time

	// ExitCode is set only for EventExit.
	ExitCode *int
}

// Handler receives events. Handlers run synchronously on the
// publishing goroutine; slow handlers delay delivery for that
// process.
type Handler func(Event)

// Package pubsub fans lifecycle and log events out to any number of
// subscribers without ever blocking a publisher.
package pubsub

import "time"

// EventType tags what happened to the payload.
type EventType string

// Event types published in this process: the pool announces child process
// lifecycle, the logger republishes every entry it writes.
const (
	ProcessSpawned EventType = "process_spawned"
	ProcessExited  EventType = "process_exited"
	LogLine        EventType = "log_line"
)

// Event wraps a payload with its type and publish time.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

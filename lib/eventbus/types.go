/*
Copyright 2024 WebSSH2 Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package eventbus is the gateway's in-process publish/subscribe
// mechanism for cross-cutting, asynchronous domain events (auth.*,
// connection.*, terminal.*, session.*, system.*, recording.*, replay.*).
// It is deliberately distinct from lib/session's Store subscriptions:
// Store subscribers see synchronous state deltas for one session; Bus
// subscribers see asynchronous domain events for the whole process.
package eventbus

import (
	"fmt"
	"time"
)

// Priority orders both queue position and, within a single event,
// subscriber dispatch order (descending).
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// EventType is drawn from the closed families named in spec.md: auth.*,
// connection.*, terminal.*, session.*, system.*, recording.*, replay.*.
// It stays a plain string (rather than an enum) because subscribers
// filter on dotted prefixes (e.g. "auth.") as well as exact types.
type EventType string

const (
	EventSystemError EventType = "system.error"
)

// Event is one bus payload.
type Event struct {
	Type     EventType
	Payload  interface{}
	Priority Priority

	retries    int
	enqueuedAt time.Time
}

// Handler processes one Event. A returned error counts as a failure:
// the bus increments its failure counter, may publish a system.error,
// and may retry the event up to the configured cap.
type Handler func(Event) error

// SubscribeOptions configures one subscription.
type SubscribeOptions struct {
	// Filter, if set, is consulted before Handler on every event of the
	// subscribed type(s); returning false skips Handler for that event.
	Filter func(Event) bool
	// Priority orders this subscriber relative to others on the same
	// event: higher values are invoked first.
	Priority int
	// Once unsubscribes automatically after the first invocation of
	// Handler, whether or not it returns an error.
	Once bool
}

// Unsubscribe removes a previously registered subscription.
type Unsubscribe func()

// Stats is a snapshot returned by GetStats.
type Stats struct {
	Published      uint64
	Processed      uint64
	Failed         uint64
	QueueSize      int
	ProcessingTime time.Duration
}

// ErrQueueFull is returned by Publish/PublishMany when the bounded
// queue is at capacity. The bus never blocks the producer.
type ErrQueueFull struct {
	Cap int
}

func (e *ErrQueueFull) Error() string {
	return fmt.Sprintf("eventbus: queue full (cap=%d)", e.Cap)
}

// ErrCircuitOpen is returned when the circuit breaker middleware has
// tripped for an event type.
type ErrCircuitOpen struct {
	Type EventType
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("eventbus: circuit open for %q", e.Type)
}

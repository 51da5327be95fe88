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

// Package terminal tracks per-session PTY geometry/environment and
// maintains an optional bounded ring buffer of outbound bytes for
// recording/replay.
package terminal

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/billchurch/webssh2-go/lib/ids"
)

const defaultRingCapacity = 10000

// Geometry is the (term, rows, cols, environment, cwd) tuple a session
// carries.
type Geometry struct {
	Term        string
	Rows        int
	Cols        int
	Environment map[string]string
	Cwd         string
}

// Chunk is one recorded ring buffer entry.
type Chunk struct {
	Timestamp time.Time
	Bytes     []byte
}

type ringBuffer struct {
	mu   sync.Mutex
	cap  int
	data []Chunk
	next int
	full bool
}

func newRingBuffer(cap int) *ringBuffer {
	if cap <= 0 {
		cap = defaultRingCapacity
	}
	return &ringBuffer{cap: cap, data: make([]Chunk, cap)}
}

func (r *ringBuffer) push(c Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[r.next] = c
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

// drain returns the buffered chunks oldest-first and clears the buffer.
func (r *ringBuffer) drain() []Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Chunk
	if r.full {
		out = append(out, r.data[r.next:]...)
		out = append(out, r.data[:r.next]...)
	} else {
		out = append(out, r.data[:r.next]...)
	}
	r.next = 0
	r.full = false
	return out
}

type sessionState struct {
	mu       sync.Mutex
	geometry Geometry
	ring     *ringBuffer
	record   bool
}

// Service owns Geometry and the optional ring buffer per session.
type Service struct {
	clock        clockwork.Clock
	ringCapacity int

	mu       sync.Mutex
	sessions map[ids.SessionId]*sessionState
}

// NewService constructs a Service. ringCapacity <= 0 uses the spec.md
// default of 10,000.
func NewService(clock clockwork.Clock, ringCapacity int) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		clock:        clock,
		ringCapacity: ringCapacity,
		sessions:     make(map[ids.SessionId]*sessionState),
	}
}

func (s *Service) stateFor(id ids.SessionId) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		st = &sessionState{geometry: Geometry{Environment: map[string]string{}}}
		s.sessions[id] = st
	}
	return st
}

// SetGeometry records term/rows/cols/env/cwd for id.
func (s *Service) SetGeometry(id ids.SessionId, g Geometry) {
	st := s.stateFor(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.geometry = g
}

// Geometry returns the currently recorded geometry for id.
func (s *Service) Geometry(id ids.SessionId) Geometry {
	st := s.stateFor(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.geometry
}

// Resize updates only rows/cols, leaving term/env/cwd untouched.
func (s *Service) Resize(id ids.SessionId, rows, cols int) {
	st := s.stateFor(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.geometry.Rows = rows
	st.geometry.Cols = cols
}

// EnableRecording turns on the ring buffer for id. Subsequent calls to
// Append accumulate into it until StartRecording flushes and clears it.
func (s *Service) EnableRecording(id ids.SessionId) {
	st := s.stateFor(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.record = true
	if st.ring == nil {
		st.ring = newRingBuffer(s.ringCapacity)
	}
}

// Append records outbound bytes if recording is enabled for id; it is a
// no-op otherwise, so callers can call it unconditionally on every
// outbound write.
func (s *Service) Append(id ids.SessionId, data []byte) {
	st := s.stateFor(id)
	st.mu.Lock()
	record := st.record
	ring := st.ring
	st.mu.Unlock()

	if !record || ring == nil {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	ring.push(Chunk{Timestamp: s.clock.Now(), Bytes: cp})
}

// StartRecording flushes the buffered chunks to recorder as a series of
// (timestamp, bytes) events, per the recording.start handling in
// spec.md §4.H.
func (s *Service) StartRecording(id ids.SessionId, recorder func(Chunk)) {
	st := s.stateFor(id)
	st.mu.Lock()
	ring := st.ring
	st.mu.Unlock()
	if ring == nil {
		return
	}
	for _, c := range ring.drain() {
		recorder(c)
	}
}

// Destroy clears all state for id, per the session.destroyed handling in
// spec.md §4.H.
func (s *Service) Destroy(id ids.SessionId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

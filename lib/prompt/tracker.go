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

package prompt

import (
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/billchurch/webssh2-go/lib/apperr"
	"github.com/billchurch/webssh2-go/lib/ids"
)

const defaultPerSocketCap = 5

// Tracker is the process-wide prompt correlation singleton. All state is
// guarded by a single mutex keyed conceptually by prompt id and socket
// id; there is no global lock held across I/O, since Track/Validate/
// RemoveAllForSocket never perform I/O themselves.
type Tracker struct {
	clock   clockwork.Clock
	perSock int

	mu       sync.Mutex
	byID     map[ids.PromptId]*TrackedPrompt
	bySocket map[string]map[ids.PromptId]struct{}
}

// NewTracker constructs a Tracker. perSocketCap <= 0 uses the spec.md
// default of 5.
func NewTracker(clock clockwork.Clock, perSocketCap int) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if perSocketCap <= 0 {
		perSocketCap = defaultPerSocketCap
	}
	return &Tracker{
		clock:    clock,
		perSock:  perSocketCap,
		byID:     make(map[ids.PromptId]*TrackedPrompt),
		bySocket: make(map[string]map[ids.PromptId]struct{}),
	}
}

// Track registers a new prompt payload for socketId and returns its id.
func (t *Tracker) Track(socketId string, payload Payload) (ids.PromptId, error) {
	if err := validatePayload(payload); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweepExpiredLocked()

	if len(t.bySocket[socketId]) >= t.perSock {
		return "", apperr.New(apperr.KindPolicy, apperr.CodeMaxPrompts, nil,
			"socket %s already has %d pending prompts", socketId, t.perSock)
	}

	id := ids.NewPromptId()
	now := t.clock.Now()
	tp := &TrackedPrompt{
		ID:              id,
		SocketId:        socketId,
		Payload:         payload,
		CreatedAt:       now,
		TimeoutAt:       now.Add(payload.Timeout),
		ExpectedButtons: buttonSet(payload.Buttons),
		ExpectedInputs:  inputSet(payload.Inputs),
	}

	t.byID[id] = tp
	if t.bySocket[socketId] == nil {
		t.bySocket[socketId] = make(map[ids.PromptId]struct{})
	}
	t.bySocket[socketId][id] = struct{}{}

	return id, nil
}

// Validate checks resp against the TrackedPrompt it claims to answer. On
// success, or on EXPIRED, the prompt is removed. UNKNOWN_PROMPT and
// FOREIGN_PROMPT leave any existing prompt state untouched.
func (t *Tracker) Validate(socketId string, resp Response) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp, ok := t.byID[resp.ID]
	if !ok {
		return apperr.New(apperr.KindValidation, apperr.CodeUnknownPrompt, nil,
			"prompt %s is not pending", resp.ID)
	}

	if tp.SocketId != socketId {
		return apperr.New(apperr.KindValidation, apperr.CodeForeignPrompt, nil,
			"prompt %s does not belong to socket %s", resp.ID, socketId)
	}

	if !t.clock.Now().Before(tp.TimeoutAt) {
		t.removeLocked(tp)
		return apperr.New(apperr.KindValidation, apperr.CodeExpired, nil,
			"prompt %s expired", resp.ID)
	}

	if err := validateResponse(tp, resp); err != nil {
		return err
	}

	t.removeLocked(tp)
	return nil
}

// RemoveAllForSocket is idempotent and should be called on socket
// disconnect.
func (t *Tracker) RemoveAllForSocket(socketId string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.bySocket[socketId] {
		delete(t.byID, id)
	}
	delete(t.bySocket, socketId)
}

// Get returns a copy of the tracked prompt, if still pending.
func (t *Tracker) Get(id ids.PromptId) (TrackedPrompt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp, ok := t.byID[id]
	if !ok {
		return TrackedPrompt{}, false
	}
	return *tp, true
}

func (t *Tracker) removeLocked(tp *TrackedPrompt) {
	delete(t.byID, tp.ID)
	if socket, ok := t.bySocket[tp.SocketId]; ok {
		delete(socket, tp.ID)
		if len(socket) == 0 {
			delete(t.bySocket, tp.SocketId)
		}
	}
}

// sweepExpiredLocked removes timed-out prompts. Called opportunistically
// from Track so a socket can't dodge its cap by never revisiting expired
// prompts; callers needing a background sweep can call SweepExpired on a
// ticker.
func (t *Tracker) sweepExpiredLocked() {
	now := t.clock.Now()
	for id, tp := range t.byID {
		if !now.Before(tp.TimeoutAt) {
			t.removeLocked(tp)
			_ = id
		}
	}
}

// SweepExpired removes all currently expired prompts. Safe to call from
// a periodic goroutine.
func (t *Tracker) SweepExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepExpiredLocked()
}

func buttonSet(buttons []Button) map[string]struct{} {
	s := make(map[string]struct{}, len(buttons))
	for _, b := range buttons {
		s[b.Action] = struct{}{}
	}
	return s
}

func inputSet(inputs []Input) map[string]struct{} {
	s := make(map[string]struct{}, len(inputs))
	for _, in := range inputs {
		s[in.Key] = struct{}{}
	}
	return s
}

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

// Package hostkey presents unknown SSH host-key fingerprints to the
// user as a prompt (via lib/prompt) and persists accepted keys per
// policy. A fingerprint mismatch against a known key is a distinct,
// never-auto-accepted error class.
package hostkey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/billchurch/webssh2-go/lib/apperr"
	"github.com/billchurch/webssh2-go/lib/ids"
	"github.com/billchurch/webssh2-go/lib/prompt"
)

// Decision is the user's response to an unknown-host-key prompt.
type Decision string

const (
	DecisionAllow           Decision = "accept"
	DecisionReject          Decision = "reject"
	DecisionAllowAndRemember Decision = "accept-and-remember"
)

// hostPort is the Store's key.
type hostPort struct {
	host string
	port int
}

// Store persists accepted fingerprints keyed by (host, port). The
// default implementation is in-memory; a persistent implementation only
// needs to satisfy this interface.
type Store interface {
	Get(host string, port int) (fingerprint string, ok bool)
	Put(host string, port int, fingerprint string) error
}

// MemoryStore is an in-memory Store, safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[hostPort]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[hostPort]string)}
}

func (m *MemoryStore) Get(host string, port int) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fp, ok := m.data[hostPort{host, port}]
	return fp, ok
}

func (m *MemoryStore) Put(host string, port int, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[hostPort{host, port}] = fingerprint
	return nil
}

type pendingDecision struct {
	ch chan Decision
}

// Notifier delivers a freshly tracked prompt to whatever is holding the
// socket it belongs to. lib/bridge.Manager satisfies this by looking up
// the live Bridge for socketId and calling Socket.Send("prompt", ...).
type Notifier interface {
	Notify(socketId string, id ids.PromptId, payload prompt.Payload)
}

// Service mediates unknown/changed host key verification through
// lib/prompt.
type Service struct {
	store    Store
	tracker  *prompt.Tracker
	timeout  time.Duration
	notifier Notifier

	mu      sync.Mutex
	pending map[ids.PromptId]*pendingDecision
}

// NewService constructs a Service. timeout <= 0 defaults to 60s. A nil
// notifier still tracks and blocks on the prompt; it just never reaches
// the browser, which is fine for tests that resolve prompts directly.
func NewService(store Store, tracker *prompt.Tracker, timeout time.Duration, notifier Notifier) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{
		store:    store,
		tracker:  tracker,
		timeout:  timeout,
		notifier: notifier,
		pending:  make(map[ids.PromptId]*pendingDecision),
	}
}

// SetNotifier wires the notifier after construction, for callers whose
// Notifier (typically a *bridge.Manager) can only be built once this
// Service already exists as one of its own dependencies.
func (s *Service) SetNotifier(notifier Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = notifier
}

// VerifyHostKey is suitable for direct use, wrapped, as an
// ssh.HostKeyCallback. It blocks until the user responds to the prompt,
// the prompt times out, or ctx is done.
func (s *Service) VerifyHostKey(ctx context.Context, socketId, host string, port int, key ssh.PublicKey) error {
	fp := ssh.FingerprintSHA256(key)

	if known, ok := s.store.Get(host, port); ok {
		if known == fp {
			return nil
		}
		return apperr.Connection(apperr.CodeHostKeyMismatch, nil,
			"host key for %s:%d changed (expected %s, got %s)", host, port, known, fp)
	}

	payload := prompt.Payload{
		Title:   "Unknown host key",
		Message: fmt.Sprintf("The authenticity of %s:%d can't be established. Fingerprint: %s", host, port, fp),
		Icon:    "warning",
		Buttons: []prompt.Button{
			{Action: string(DecisionAllow), Label: "Accept once"},
			{Action: string(DecisionAllowAndRemember), Label: "Accept and remember"},
			{Action: string(DecisionReject), Label: "Reject"},
		},
		Timeout: s.timeout,
	}
	id, err := s.tracker.Track(socketId, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	notifier := s.notifier
	s.mu.Unlock()
	if notifier != nil {
		notifier.Notify(socketId, id, payload)
	}

	pd := &pendingDecision{ch: make(chan Decision, 1)}
	s.mu.Lock()
	s.pending[id] = pd
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case decision := <-pd.ch:
		switch decision {
		case DecisionAllow:
			return nil
		case DecisionAllowAndRemember:
			return s.store.Put(host, port, fp)
		default:
			return apperr.Connection(apperr.CodeHostKeyUnknown, nil,
				"host key for %s:%d rejected by user", host, port)
		}
	case <-timer.C:
		return apperr.Connection(apperr.CodeTimeout, nil,
			"host key prompt for %s:%d timed out", host, port)
	case <-ctx.Done():
		return apperr.Connection(apperr.CodeTimeout, ctx.Err(),
			"host key prompt for %s:%d timed out", host, port)
	}
}

// Owns reports whether id is a pending host-key prompt on this Service,
// so the Socket Bridge can route a prompt_response to the right owner
// (this Service or the auth state machine) without guessing.
func (s *Service) Owns(id ids.PromptId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// Resolve validates resp against the Prompt Tracker and, on success,
// delivers the decision to the goroutine blocked in VerifyHostKey for
// that prompt id.
func (s *Service) Resolve(socketId string, resp prompt.Response) error {
	if err := s.tracker.Validate(socketId, resp); err != nil {
		return err
	}

	s.mu.Lock()
	pd, ok := s.pending[resp.ID]
	s.mu.Unlock()
	if !ok {
		return apperr.Protocol(apperr.CodeUnexpectedPrompt, nil, "host key prompt %s is not pending", resp.ID)
	}
	select {
	case pd.ch <- Decision(resp.Action):
	default:
	}
	return nil
}

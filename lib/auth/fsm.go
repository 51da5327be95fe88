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

// Package auth drives one socket's authentication lifecycle —
// idle → collecting → dialing → interactive → authenticated|failed —
// and mirrors its outcomes (success, failure, and the clear that follows
// a non-final failure) into lib/session as the Store's own AuthState, per
// spec.md §4.F (now §4.G in SPEC_FULL.md). The intermediate
// collecting/dialing/interactive states are not dispatched to the Store.
package auth

import (
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/billchurch/webssh2-go/lib/apperr"
	"github.com/billchurch/webssh2-go/lib/ids"
	"github.com/billchurch/webssh2-go/lib/prompt"
	"github.com/billchurch/webssh2-go/lib/session"
)

// State is the auth machine's closed state set.
type State string

const (
	StateIdle          State = "idle"
	StateCollecting    State = "collecting"
	StateDialing       State = "dialing"
	StateInteractive   State = "interactive"
	StateAuthenticated State = "authenticated"
	StateFailed        State = "failed"
)

// FailureReason is the closed set of terminal-failure reasons a Machine
// reports, matching spec.md §4.F.
type FailureReason string

const (
	ReasonInvalidCredentials FailureReason = "invalid_credentials"
	ReasonPolicyBlocked      FailureReason = "policy_blocked"
	ReasonNoMethod           FailureReason = "no_method"
	ReasonNetwork            FailureReason = "network"
	ReasonTimeout            FailureReason = "timeout"
)

const defaultMaxAttempts = 3

type pendingPrompt struct {
	ch chan prompt.Response
}

// Machine is one socket's auth state, serialized by its own mutex. One
// Machine exists per live socket; it is discarded on disconnect.
type Machine struct {
	clock   clockwork.Clock
	log     *logrus.Entry
	store   *session.Store
	tracker *prompt.Tracker

	sessionId   ids.SessionId
	socketId    string
	maxAttempts int

	mu       sync.Mutex
	state    State
	attempts int
	pending  *pendingPrompt
}

// Config constructs a Machine.
type Config struct {
	Clock       clockwork.Clock
	Log         *logrus.Entry
	Store       *session.Store
	Tracker     *prompt.Tracker
	SessionId   ids.SessionId
	SocketId    string
	MaxAttempts int
}

func New(cfg Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.WithField("component", "auth")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Machine{
		clock:       cfg.Clock,
		log:         cfg.Log,
		store:       cfg.Store,
		tracker:     cfg.Tracker,
		sessionId:   cfg.SessionId,
		socketId:    cfg.SocketId,
		maxAttempts: cfg.MaxAttempts,
		state:       StateIdle,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartWithServerCredentials handles a socket whose HTTP session
// already carries sshCredentials (usedBasicAuth or POSTed form):
// collecting proceeds straight to dialing with no request_auth round
// trip.
func (m *Machine) StartWithServerCredentials() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDialing
}

// StartWithoutCredentials handles a socket with no server-side
// credentials: it enters collecting and the caller is expected to send
// a request_auth message and wait for an authenticate message.
func (m *Machine) StartWithoutCredentials() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateCollecting
}

// ReceiveAuthenticate transitions collecting → dialing once an
// authenticate message arrives from the client. The Store's own
// CONNECTION_START/AUTH_SUCCESS/CONNECTION_ESTABLISHED actions are
// dispatched by whichever adapter's Connect call actually succeeds,
// since the reducer requires auth.status=authenticated as a
// postcondition of a completed SSH/Telnet handshake, not a
// precondition of starting one.
func (m *Machine) ReceiveAuthenticate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCollecting {
		return apperr.Auth(apperr.CodeInterrupted, nil, "authenticate received outside collecting state (in %s)", m.state)
	}
	m.state = StateDialing
	return nil
}

// BeginKeyboardInteractive raises a prompt for one keyboard-interactive
// question and transitions dialing → interactive. The caller (the SSH
// adapter's keyboard-interactive callback) should then block on
// AwaitResponse for the same id.
func (m *Machine) BeginKeyboardInteractive(question string) (ids.PromptId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tracker == nil {
		return "", apperr.Auth(apperr.CodeNoMethod, nil, "no prompt tracker configured for keyboard-interactive")
	}

	id, err := m.tracker.Track(m.socketId, prompt.Payload{
		Title:   "Keyboard-interactive authentication",
		Message: question,
		Icon:    "lock",
		Buttons: []prompt.Button{{Action: "submit", Label: "Submit"}},
		Inputs:  []prompt.Input{{Key: "answer", Label: question, Required: false, Secret: true}},
		Timeout: 60_000_000_000, // 60s, expressed in nanoseconds to avoid importing time here twice
	})
	if err != nil {
		return "", err
	}

	m.pending = &pendingPrompt{ch: make(chan prompt.Response, 1)}
	m.state = StateInteractive
	return id, nil
}

// AwaitResponse blocks until ResolvePrompt delivers the validated
// client response for id.
func (m *Machine) AwaitResponse() (prompt.Response, bool) {
	m.mu.Lock()
	pending := m.pending
	m.mu.Unlock()
	if pending == nil {
		return prompt.Response{}, false
	}
	resp, ok := <-pending.ch
	return resp, ok
}

// ResolvePrompt validates a prompt_response against the Prompt Tracker
// and, on success, delivers it to the goroutine blocked in
// AwaitResponse, returning dialing state for the next keyboard-
// interactive round (or terminal success/failure as decided by the
// caller via RecordSuccess/RecordFailure).
func (m *Machine) ResolvePrompt(resp prompt.Response) error {
	if m.tracker != nil {
		if err := m.tracker.Validate(m.socketId, resp); err != nil {
			return err
		}
	}

	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	if m.state == StateInteractive {
		m.state = StateDialing
	}
	m.mu.Unlock()

	if pending != nil {
		select {
		case pending.ch <- resp:
		default:
		}
	}
	return nil
}

// RecordSuccess transitions to authenticated and mirrors it into the
// Session Store.
func (m *Machine) RecordSuccess(username, method string) {
	m.mu.Lock()
	m.state = StateAuthenticated
	m.attempts = 0
	m.mu.Unlock()

	if m.sessionId != "" && m.store != nil {
		m.store.Dispatch(m.sessionId, session.AuthSuccess{Username: username, Method: method})
	}
}

// RecordFailure records one failed attempt. If attempts have reached
// maxAttempts the machine moves to the terminal failed state and the
// caller must disconnect the socket; otherwise credentials are cleared
// and the machine returns to collecting for another attempt.
func (m *Machine) RecordFailure(reason FailureReason) (terminal bool) {
	m.mu.Lock()
	m.attempts++
	terminal = m.attempts >= m.maxAttempts
	if terminal {
		m.state = StateFailed
	} else {
		m.state = StateCollecting
	}
	m.mu.Unlock()

	if m.sessionId != "" && m.store != nil {
		m.store.Dispatch(m.sessionId, session.AuthFailure{Error: string(reason), Method: ""})
		if !terminal {
			m.store.Dispatch(m.sessionId, session.AuthClear{})
		}
	}
	return terminal
}

// Attempts returns the number of failed attempts recorded so far.
func (m *Machine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

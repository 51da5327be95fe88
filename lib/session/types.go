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

// Package session owns the per-session state tree: the single source of
// truth for a browser connection's auth, transport, and terminal state,
// mutated only through the typed actions in actions.go and the pure
// reducer in reducer.go.
package session

import (
	"time"

	"github.com/billchurch/webssh2-go/lib/ids"
)

// AuthStatus is the auth lifecycle of a Session.
type AuthStatus string

const (
	AuthIdle          AuthStatus = "idle"
	AuthPending       AuthStatus = "pending"
	AuthAuthenticated AuthStatus = "authenticated"
	AuthFailed        AuthStatus = "failed"
)

func (s AuthStatus) String() string { return string(s) }

// ConnStatus is the transport lifecycle of a Session.
type ConnStatus string

const (
	ConnIdle       ConnStatus = "idle"
	ConnConnecting ConnStatus = "connecting"
	ConnConnected  ConnStatus = "connected"
	ConnError      ConnStatus = "error"
	ConnClosed     ConnStatus = "closed"
)

// AuthState collapses the teacher lineage's several overlapping auth
// flags (usedBasicAuth, authMethod, authenticated) into one
// discriminated status plus a method, per the Open Question resolution
// in SPEC_FULL.md.
type AuthState struct {
	Status       AuthStatus
	Username     string
	Method       string
	ErrorMessage string
}

// ConnectionState is the Session's view of its (at most one) live
// Connection, owned for real by the Connection Pool.
type ConnectionState struct {
	Status       ConnStatus
	ConnectionId ids.ConnectionId
	Host         string
	Port         int
	ErrorMessage string
}

// TerminalState tracks geometry and environment for the remote PTY.
type TerminalState struct {
	Term        string
	Rows        int
	Cols        int
	Environment map[string]string
	Cwd         string
}

// Metadata is bookkeeping that does not participate in the auth/connection
// state machine.
type Metadata struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	UserId    string
	ClientIp  string
	UserAgent string
}

// Session is the value owned exclusively by the Store. Callers receive
// copies from GetState/dispatch notifications; there is no way to obtain
// a mutable reference from outside the package.
type Session struct {
	ID         ids.SessionId
	Auth       AuthState
	Connection ConnectionState
	Terminal   TerminalState
	Metadata   Metadata
}

func newSession(id ids.SessionId, now time.Time) Session {
	return Session{
		ID:   id,
		Auth: AuthState{Status: AuthIdle},
		Connection: ConnectionState{
			Status: ConnIdle,
		},
		Terminal: TerminalState{
			Term:        "xterm-256color",
			Rows:        24,
			Cols:        80,
			Environment: map[string]string{},
		},
		Metadata: Metadata{
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// clone returns a deep-enough copy so the reducer never aliases the
// environment map between old and new states.
func (s Session) clone() Session {
	next := s
	env := make(map[string]string, len(s.Terminal.Environment))
	for k, v := range s.Terminal.Environment {
		env[k] = v
	}
	next.Terminal.Environment = env
	return next
}

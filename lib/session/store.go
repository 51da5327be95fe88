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

package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/billchurch/webssh2-go/lib/ids"
)

// defaultTTL bounds how long a torn-down session lingers in the Store
// before SweepExpired reclaims it, per spec.md:143 step 7 (left in the
// Store "subject to a TTL GC" rather than removed eagerly).
const defaultTTL = 30 * time.Minute

// Subscriber is notified synchronously from Dispatch with the post-action
// state; no other action on that session is applied until it returns. It must not block and must not call
// Dispatch on the same session id directly; doing so is safe but the
// nested dispatch is queued to run once the current one finishes (see
// entry.dispatching below).
type Subscriber func(Session)

// Unsubscribe removes a previously registered Subscriber.
type Unsubscribe func()

type entry struct {
	mu          sync.Mutex
	state       Session
	subs        map[int]Subscriber
	nextSubID   int
	dispatching bool
	pending     []Action
}

// Store is the single source of truth for per-session state. It is safe
// for concurrent use; mutations to a given session are serialized, but
// different sessions proceed independently.
type Store struct {
	clock clockwork.Clock
	log   *logrus.Entry
	ttl   time.Duration

	mu       sync.RWMutex
	sessions map[ids.SessionId]*entry
}

// NewStore constructs a Store. A nil clock defaults to the real wall
// clock, matching the teacher's clockwork.Clock-or-real-clock convention
// in lib/srv/authhandlers.go's CheckAndSetDefaults.
func NewStore(clock clockwork.Clock, log *logrus.Entry) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.WithField("component", "session")
	}
	return &Store{
		clock:    clock,
		log:      log,
		ttl:      defaultTTL,
		sessions: make(map[ids.SessionId]*entry),
	}
}

// SetTTL overrides the default GC TTL that SweepExpired applies.
func (st *Store) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.ttl = ttl
}

// SweepExpired removes every session whose state has not changed in
// over the Store's TTL, mirroring lib/web's sessionStore.sweepExpired
// shape. It is meant to run periodically from a background goroutine
// alongside that sweep, not from the hot Dispatch path, since a torn
// down session needs to stay queryable for a grace period (reconnect,
// late log reads) before it is reclaimed.
func (st *Store) SweepExpired() int {
	now := st.clock.Now()

	st.mu.RLock()
	var expired []ids.SessionId
	for id, e := range st.sessions {
		e.mu.Lock()
		stale := now.Sub(e.state.Metadata.UpdatedAt) > st.ttl
		e.mu.Unlock()
		if stale {
			expired = append(expired, id)
		}
	}
	st.mu.RUnlock()

	for _, id := range expired {
		st.RemoveSession(id)
	}
	if len(expired) > 0 {
		st.log.WithField("count", len(expired)).Info("swept expired sessions")
	}
	return len(expired)
}

// CreateSession is idempotent per id: if a session with this id already
// exists its current state is returned unchanged. An empty id allocates a
// fresh one.
func (st *Store) CreateSession(id ids.SessionId) Session {
	if id == "" {
		id = ids.NewSessionId()
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if e, ok := st.sessions[id]; ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.state
	}

	e := &entry{
		state: newSession(id, st.clock.Now()),
		subs:  make(map[int]Subscriber),
	}
	st.sessions[id] = e
	return e.state
}

// GetState returns a copy of the current state, or false if the session
// does not exist.
func (st *Store) GetState(id ids.SessionId) (Session, bool) {
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// Dispatch applies action to session id via the pure reducer and notifies
// subscribers synchronously with the post-state. Unknown session ids are
// a no-op (logged at warn level) rather than an error, matching the
// "never throwing" requirement.
func (st *Store) Dispatch(id ids.SessionId, action Action) {
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		st.log.WithField("session_id", string(id)).Warn("dispatch on unknown session")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dispatching {
		e.pending = append(e.pending, action)
		return
	}

	e.dispatching = true
	defer func() { e.dispatching = false }()

	current := action
	for {
		next, applied, reason := reduce(e.state, current)
		if applied {
			next.Metadata.UpdatedAt = st.clock.Now()
			e.state = next
		} else {
			st.log.WithFields(logrus.Fields{
				"session_id": string(id),
				"action":     actionName(current),
				"reason":     reason,
			}).Warn("ignored illegal session transition")
		}

		// Subscribers run with e.mu released, so a nested Dispatch (queued
		// through e.dispatching) or an Unsubscribe from inside fn does not
		// deadlock on it.
		subs := make([]Subscriber, 0, len(e.subs))
		for _, fn := range e.subs {
			subs = append(subs, fn)
		}
		state := e.state
		e.mu.Unlock()
		for _, fn := range subs {
			fn(state)
		}
		e.mu.Lock()

		if len(e.pending) == 0 {
			return
		}
		current, e.pending = e.pending[0], e.pending[1:]
	}
}

// Subscribe registers fn to be called with the post-state after every
// Dispatch on id. The returned Unsubscribe is safe to call from within
// fn itself (it only removes fn from future notifications).
func (st *Store) Subscribe(id ids.SessionId, fn Subscriber) Unsubscribe {
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return func() {}
	}

	e.mu.Lock()
	subID := e.nextSubID
	e.nextSubID++
	e.subs[subID] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, subID)
		e.mu.Unlock()
	}
}

// RemoveSession deletes the session and cancels its subscriptions.
func (st *Store) RemoveSession(id ids.SessionId) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

func actionName(a Action) string {
	switch a.(type) {
	case AuthSuccess:
		return "AUTH_SUCCESS"
	case AuthFailure:
		return "AUTH_FAILURE"
	case AuthClear:
		return "AUTH_CLEAR"
	case ConnectionStart:
		return "CONNECTION_START"
	case ConnectionEstablished:
		return "CONNECTION_ESTABLISHED"
	case ConnectionErrorAction:
		return "CONNECTION_ERROR"
	case ConnectionClosed:
		return "CONNECTION_CLOSED"
	case TerminalResize:
		return "TERMINAL_RESIZE"
	case TerminalSetEnv:
		return "TERMINAL_SET_ENV"
	case TerminalInit:
		return "TERMINAL_INIT"
	case TerminalDestroy:
		return "TERMINAL_DESTROY"
	case MetadataUpdate:
		return "METADATA_UPDATE"
	default:
		return "UNKNOWN"
	}
}

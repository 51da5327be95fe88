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
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/billchurch/webssh2-go/lib/ids"
)

func TestCreateSessionDefaults(t *testing.T) {
	st := NewStore(clockwork.NewFakeClock(), nil)
	s := st.CreateSession("")
	require.NotEmpty(t, s.ID)
	require.Equal(t, 80, s.Terminal.Cols)
	require.Equal(t, 24, s.Terminal.Rows)
	require.Equal(t, AuthIdle, s.Auth.Status)
	require.NotNil(t, s.Terminal.Environment)
}

func TestCreateSessionIdempotent(t *testing.T) {
	st := NewStore(clockwork.NewFakeClock(), nil)
	id := ids.SessionId("fixed")
	a := st.CreateSession(id)
	st.Dispatch(id, AuthSuccess{Username: "alice", Method: "password"})
	b := st.CreateSession(id)
	require.Equal(t, AuthAuthenticated, b.Auth.Status)
	require.NotEqual(t, a.Auth.Status, b.Auth.Status)
}

func TestDispatchUpdatesUpdatedAt(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := NewStore(clock, nil)
	id := st.CreateSession("").ID
	before, _ := st.GetState(id)

	clock.Advance(1)
	st.Dispatch(id, AuthSuccess{Username: "alice", Method: "password"})
	after, _ := st.GetState(id)

	require.True(t, after.Metadata.UpdatedAt.After(before.Metadata.UpdatedAt))
	require.True(t, !after.Metadata.UpdatedAt.Before(after.Metadata.CreatedAt))
}

func TestConnectionEstablishedRequiresAuth(t *testing.T) {
	st := NewStore(clockwork.NewFakeClock(), nil)
	id := st.CreateSession("").ID

	st.Dispatch(id, ConnectionEstablished{ConnectionId: "conn-1"})
	s, _ := st.GetState(id)
	require.Equal(t, ConnIdle, s.Connection.Status, "illegal transition must be ignored")

	st.Dispatch(id, AuthSuccess{Username: "alice", Method: "password"})
	st.Dispatch(id, ConnectionEstablished{ConnectionId: "conn-1"})
	s, _ = st.GetState(id)
	require.Equal(t, ConnConnected, s.Connection.Status)
	require.Equal(t, ids.ConnectionId("conn-1"), s.Connection.ConnectionId)
}

func TestTerminalResizeRejectsZero(t *testing.T) {
	st := NewStore(clockwork.NewFakeClock(), nil)
	id := st.CreateSession("").ID

	st.Dispatch(id, TerminalResize{Rows: 0, Cols: 10})
	s, _ := st.GetState(id)
	require.Equal(t, 24, s.Terminal.Rows, "invalid resize must be ignored")

	st.Dispatch(id, TerminalResize{Rows: 40, Cols: 120})
	s, _ = st.GetState(id)
	require.Equal(t, 40, s.Terminal.Rows)
	require.Equal(t, 120, s.Terminal.Cols)
}

func TestSubscribeFiresSynchronouslyOnce(t *testing.T) {
	st := NewStore(clockwork.NewFakeClock(), nil)
	id := st.CreateSession("").ID

	var calls int
	var lastUsername string
	unsub := st.Subscribe(id, func(s Session) {
		calls++
		lastUsername = s.Auth.Username
	})
	defer unsub()

	st.Dispatch(id, AuthSuccess{Username: "bob", Method: "password"})
	require.Equal(t, 1, calls)
	require.Equal(t, "bob", lastUsername)
}

func TestSubscribeCanDispatchReentrantly(t *testing.T) {
	st := NewStore(clockwork.NewFakeClock(), nil)
	id := st.CreateSession("").ID

	var order []string
	st.Subscribe(id, func(s Session) {
		order = append(order, s.Auth.Status.String())
		if s.Auth.Status == AuthAuthenticated && len(order) == 1 {
			// Reentrant dispatch: must be queued, not run inline, and
			// must not deadlock.
			st.Dispatch(id, AuthClear{})
		}
	})

	st.Dispatch(id, AuthSuccess{Username: "carol", Method: "password"})
	require.Equal(t, []string{"authenticated", "idle"}, order)
}

func TestMetadataUpdateIdempotent(t *testing.T) {
	st := NewStore(clockwork.NewFakeClock(), nil)
	id := st.CreateSession("").ID

	ip := "10.0.0.1"
	st.Dispatch(id, MetadataUpdate{ClientIp: &ip})
	first, _ := st.GetState(id)

	st.Dispatch(id, MetadataUpdate{ClientIp: &ip})
	second, _ := st.GetState(id)

	require.Equal(t, first.Metadata.ClientIp, second.Metadata.ClientIp)
	require.Equal(t, first.Metadata.UserId, second.Metadata.UserId)
	require.Equal(t, first.Metadata.UserAgent, second.Metadata.UserAgent)
}

func TestRemoveSessionDropsState(t *testing.T) {
	st := NewStore(clockwork.NewFakeClock(), nil)
	id := st.CreateSession("").ID
	st.RemoveSession(id)
	_, ok := st.GetState(id)
	require.False(t, ok)
}

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

package bridge

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/billchurch/webssh2-go/lib/adapter"
	"github.com/billchurch/webssh2-go/lib/ids"
	"github.com/billchurch/webssh2-go/lib/pool"
	"github.com/billchurch/webssh2-go/lib/prompt"
	"github.com/billchurch/webssh2-go/lib/session"
	"github.com/billchurch/webssh2-go/lib/terminal"
)

type sentMsg struct {
	event   string
	payload interface{}
}

type fakeSocket struct {
	id string

	mu   sync.Mutex
	sent []sentMsg
	data [][]byte
	ch   chan sentMsg

	closed bool
}

func newFakeSocket(id string) *fakeSocket {
	return &fakeSocket{id: id, ch: make(chan sentMsg, 64)}
}

func (s *fakeSocket) ID() string { return s.id }

func (s *fakeSocket) Send(event string, payload interface{}) error {
	s.mu.Lock()
	s.sent = append(s.sent, sentMsg{event, payload})
	s.mu.Unlock()
	s.ch <- sentMsg{event, payload}
	return nil
}

func (s *fakeSocket) SendData(data []byte) error {
	cp := append([]byte(nil), data...)
	s.mu.Lock()
	s.data = append(s.data, cp)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) awaitEvent(t *testing.T, event string) sentMsg {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-s.ch:
			if m.event == event {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", event)
		}
	}
}

// pipeStream is an in-memory adapter.Stream backed by a pipe, standing
// in for an open shell channel.
type pipeStream struct {
	r io.ReadCloser
	w io.WriteCloser
}

// newPipeStream returns a Stream whose Read side is fed by the returned
// writer (standing in for data arriving from the remote shell) and whose
// Write side discards input (nothing in these tests reads it back).
func newPipeStream() (*pipeStream, *io.PipeWriter) {
	outR, outW := io.Pipe()
	sinkR, sinkW := io.Pipe()
	go io.Copy(io.Discard, sinkR)
	return &pipeStream{r: outR, w: sinkW}, outW
}

func (p *pipeStream) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeStream) Close() error {
	_ = p.r.Close()
	return p.w.Close()
}

type fakeAdapter struct {
	mu      sync.Mutex
	shell   *pipeStream
	shellW  *io.PipeWriter
	resized []string
}

func (a *fakeAdapter) Shell(connId ids.ConnectionId, opts adapter.ShellOptions) (adapter.Stream, error) {
	stream, w := newPipeStream()
	a.mu.Lock()
	a.shell = stream
	a.shellW = w
	a.mu.Unlock()
	return stream, nil
}

func (a *fakeAdapter) Exec(connId ids.ConnectionId, opts adapter.ExecOptions) (adapter.ExecResult, error) {
	return adapter.ExecResult{Stdout: []byte("ok"), ExitCode: 0}, nil
}

func (a *fakeAdapter) Resize(connId ids.ConnectionId, rows, cols int) error {
	return nil
}

func (a *fakeAdapter) Disconnect(connId ids.ConnectionId) error { return nil }

func (a *fakeAdapter) GetConnectionStatus(connId ids.ConnectionId) (string, bool) {
	return "connected", true
}

func (a *fakeAdapter) DisconnectSession(sessionId ids.SessionId) error { return nil }

func newTestManager(t *testing.T) (*Manager, *fakeAdapter, *session.Store, ids.SessionId) {
	clock := clockwork.NewFakeClock()
	log := logrus.NewEntry(logrus.New())
	store := session.NewStore(clock, log)
	sessionId := ids.NewSessionId()
	_ = store.CreateSession(sessionId)

	ad := &fakeAdapter{}
	connector := func(socketId string, sessId ids.SessionId, creds AuthenticateParams, onKI adapter.KeyboardInteractiveHandler) (ids.ConnectionId, error) {
		return ids.NewConnectionId(), nil
	}

	deps := Deps{
		Clock:      clock,
		Log:        log,
		Store:      store,
		Pool:       pool.New(clock, log),
		Tracker:    prompt.NewTracker(clock, 0),
		Terminal:   terminal.NewService(clock, 0),
		Adapters:   map[string]adapter.Adapter{"ssh": ad},
		Connectors: map[string]Connector{"ssh": connector},
	}
	mgr := NewManager(deps, Options{AllowReplay: true, AllowReauth: true})
	return mgr, ad, store, sessionId
}

func TestBridgeAuthenticateAndOpenShell(t *testing.T) {
	mgr, ad, _, sessionId := newTestManager(t)
	sock := newFakeSocket("sock-1")

	b, err := mgr.Open(sock, sessionId, HTTPSessionData{})
	require.NoError(t, err)

	sock.awaitEvent(t, "authentication") // request_auth

	b.HandleAuthenticate(AuthenticateParams{
		Username: "alice", Host: "example.com", Port: 22, Password: "secret",
	})

	authMsg := sock.awaitEvent(t, "authentication")
	payload := authMsg.payload.(map[string]interface{})
	require.Equal(t, true, payload["success"])

	sock.awaitEvent(t, "permissions")
	sock.awaitEvent(t, "updateUI")
	sock.awaitEvent(t, "getTerminal")

	b.HandleTerminal(TerminalParams{Term: "xterm", Cols: 80, Rows: 24})

	require.Eventually(t, func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return ad.shellW != nil
	}, time.Second, 10*time.Millisecond)

	ad.mu.Lock()
	w := ad.shellW
	ad.mu.Unlock()
	_, werr := w.Write([]byte("hello from shell"))
	require.NoError(t, werr)

	require.Eventually(t, func() bool {
		sock.mu.Lock()
		defer sock.mu.Unlock()
		for _, d := range sock.data {
			if bytes.Equal(d, []byte("hello from shell")) {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	b.Teardown("test complete")
	require.True(t, sock.closed)
}

func TestManagerNotifyDeliversPromptToOwningSocket(t *testing.T) {
	mgr, _, _, sessionId := newTestManager(t)
	sock := newFakeSocket("sock-notify")

	_, err := mgr.Open(sock, sessionId, HTTPSessionData{})
	require.NoError(t, err)
	sock.awaitEvent(t, "authentication") // request_auth

	mgr.Notify("sock-notify", ids.PromptId("prompt-1"), prompt.Payload{Title: "Unknown host key", Icon: "warning"})

	msg := sock.awaitEvent(t, "prompt")
	payload := msg.payload.(map[string]interface{})
	require.Equal(t, "prompt-1", payload["id"])
	require.Equal(t, "Unknown host key", payload["title"])
}

func TestManagerNotifyIgnoresUnknownSocket(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	// No socket registered under this id; Notify must not panic.
	mgr.Notify("no-such-socket", ids.PromptId("prompt-1"), prompt.Payload{})
}

func TestBridgeAuthFailureRetriesUntilExhausted(t *testing.T) {
	mgr, _, _, sessionId := newTestManager(t)
	mgr.deps.Connectors["ssh"] = func(socketId string, sessId ids.SessionId, creds AuthenticateParams, onKI adapter.KeyboardInteractiveHandler) (ids.ConnectionId, error) {
		return "", require.AnError
	}
	mgr.opts.MaxAuthAttempts = 2
	sock := newFakeSocket("sock-2")

	b, err := mgr.Open(sock, sessionId, HTTPSessionData{})
	require.NoError(t, err)
	sock.awaitEvent(t, "authentication")

	b.HandleAuthenticate(AuthenticateParams{Username: "bob", Host: "h", Port: 22, Password: "wrong"})
	first := sock.awaitEvent(t, "authentication")
	require.Equal(t, false, first.payload.(map[string]interface{})["success"])
	sock.awaitEvent(t, "authentication") // request_auth retry

	b.HandleAuthenticate(AuthenticateParams{Username: "bob", Host: "h", Port: 22, Password: "wrong"})
	sock.awaitEvent(t, "authentication") // failure #2
	sock.awaitEvent(t, "ssherror")

	require.Eventually(t, func() bool {
		sock.mu.Lock()
		defer sock.mu.Unlock()
		return sock.closed
	}, time.Second, 10*time.Millisecond)
}

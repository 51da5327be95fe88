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

package wsapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/billchurch/webssh2-go/lib/adapter"
	"github.com/billchurch/webssh2-go/lib/bridge"
	"github.com/billchurch/webssh2-go/lib/ids"
	"github.com/billchurch/webssh2-go/lib/pool"
	"github.com/billchurch/webssh2-go/lib/prompt"
	"github.com/billchurch/webssh2-go/lib/session"
	"github.com/billchurch/webssh2-go/lib/terminal"
)

// fakeStream is a shell stream that echoes nothing on its own; the
// test writes to its pipe side to simulate server output.
type fakeStream struct {
	r io.ReadCloser
	w io.WriteCloser
}

func newFakeStream() (*fakeStream, *io.PipeWriter) {
	r, serverW := io.Pipe()
	sinkR, sinkW := io.Pipe()
	go io.Copy(io.Discard, sinkR)
	return &fakeStream{r: r, w: sinkW}, serverW
}

func (s *fakeStream) Read(b []byte) (int, error)  { return s.r.Read(b) }
func (s *fakeStream) Write(b []byte) (int, error) { return s.w.Write(b) }
func (s *fakeStream) Close() error {
	_ = s.r.Close()
	return s.w.Close()
}

type fakeAdapter struct {
	mu     sync.Mutex
	shell  *fakeStream
	shellW *io.PipeWriter
}

func (a *fakeAdapter) Shell(connId ids.ConnectionId, opts adapter.ShellOptions) (adapter.Stream, error) {
	stream, w := newFakeStream()
	a.mu.Lock()
	a.shell, a.shellW = stream, w
	a.mu.Unlock()
	return stream, nil
}
func (a *fakeAdapter) Exec(connId ids.ConnectionId, opts adapter.ExecOptions) (adapter.ExecResult, error) {
	return adapter.ExecResult{}, nil
}
func (a *fakeAdapter) Resize(connId ids.ConnectionId, rows, cols int) error { return nil }
func (a *fakeAdapter) Disconnect(connId ids.ConnectionId) error            { return nil }
func (a *fakeAdapter) GetConnectionStatus(connId ids.ConnectionId) (string, bool) {
	return "connected", true
}
func (a *fakeAdapter) DisconnectSession(sessionId ids.SessionId) error { return nil }

type stubSessions struct{}

func (stubSessions) SessionFor(r *http.Request) (ids.SessionId, bridge.HTTPSessionData) {
	return ids.NewSessionId(), bridge.HTTPSessionData{}
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeAdapter) {
	clock := clockwork.NewFakeClock()
	log := logrus.NewEntry(logrus.New())
	store := session.NewStore(clock, log)
	ad := &fakeAdapter{}
	connector := func(socketId string, sessId ids.SessionId, creds bridge.AuthenticateParams, onKI adapter.KeyboardInteractiveHandler) (ids.ConnectionId, error) {
		return ids.NewConnectionId(), nil
	}
	deps := bridge.Deps{
		Clock:      clock,
		Log:        log,
		Store:      store,
		Pool:       pool.New(clock, log),
		Tracker:    prompt.NewTracker(clock, 0),
		Terminal:   terminal.NewService(clock, 0),
		Adapters:   map[string]adapter.Adapter{"ssh": ad},
		Connectors: map[string]bridge.Connector{"ssh": connector},
	}
	mgr := bridge.NewManager(deps, bridge.Options{AllowReplay: true})

	ep := NewEndpoint(Config{
		Manager:  mgr,
		Sessions: stubSessions{},
		Log:      log,
		KeepAlive: 50 * time.Millisecond,
	})

	srv := httptest.NewServer(ep)
	return srv, ad
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ssh/socket.io"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn, want string) wireEnvelope {
	for i := 0; i < 20; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if mt != websocket.TextMessage {
			continue
		}
		var env wireEnvelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Event == want {
			return env
		}
	}
	t.Fatalf("never received event %q", want)
	return wireEnvelope{}
}

func TestEndpointFullHandshakeAndShellPipe(t *testing.T) {
	srv, ad := newTestServer(t)
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()

	readEnvelope(t, conn, "authentication") // request_auth

	authPayload, _ := json.Marshal(bridge.AuthenticateParams{
		Username: "alice", Host: "example.com", Port: 22, Password: "secret",
	})
	authMsg, _ := json.Marshal(wireEnvelope{Event: "authenticate", Payload: authPayload})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, authMsg))

	readEnvelope(t, conn, "permissions")
	readEnvelope(t, conn, "getTerminal")

	termPayload, _ := json.Marshal(bridge.TerminalParams{Term: "xterm", Cols: 80, Rows: 24})
	termMsg, _ := json.Marshal(wireEnvelope{Event: "terminal", Payload: termPayload})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, termMsg))

	require.Eventually(t, func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return ad.shellW != nil
	}, 2*time.Second, 10*time.Millisecond)

	ad.mu.Lock()
	w := ad.shellW
	ad.mu.Unlock()
	_, err := w.Write([]byte("hello from shell"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	require.True(t, bytes.Equal([]byte("hello from shell"), data))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("echo hi\n")))
}

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

// Package wsapi is the WebSocket Endpoint: it upgrades an HTTP request
// to a gorilla/websocket connection, implements lib/bridge.Socket over
// it, and decodes wire frames into the typed messages lib/bridge's
// Handle* methods expect. It owns no session, connection, or prompt
// state itself; that all lives behind the Bridge it drives.
package wsapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/billchurch/webssh2-go/lib/bridge"
	"github.com/billchurch/webssh2-go/lib/ids"
	"github.com/billchurch/webssh2-go/lib/prompt"
)

// SessionResolver binds an inbound HTTP upgrade request to the session
// id and any HTTP-deposited credentials the Bridge handshake needs.
// lib/web.Handler satisfies this.
type SessionResolver interface {
	SessionFor(r *http.Request) (ids.SessionId, bridge.HTTPSessionData)
}

// Config wires the endpoint's collaborators and the handshake's
// origin-allow-list, per spec.md §4.G step 1.
type Config struct {
	Manager  *bridge.Manager
	Sessions SessionResolver
	Log      *logrus.Entry

	AllowedOrigins  []string
	KeepAlive       time.Duration
	ReadBufferSize  int
	WriteBufferSize int
}

func (c *Config) checkAndSetDefaults() {
	if c.Log == nil {
		c.Log = logrus.WithField("component", "wsapi")
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 4096
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 4096
	}
}

// Endpoint is an http.Handler that upgrades to a WebSocket and drives
// one Bridge per connection.
type Endpoint struct {
	cfg      Config
	upgrader websocket.Upgrader
}

// NewEndpoint builds the WebSocket Endpoint. Grounded on the
// websocket.Upgrader{ReadBufferSize, WriteBufferSize, CheckOrigin}
// construction in the sibling fork's lib/web/command.go.
func NewEndpoint(cfg Config) *Endpoint {
	cfg.checkAndSetDefaults()
	e := &Endpoint{cfg: cfg}
	e.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     e.checkOrigin,
	}
	return e
}

func (e *Endpoint) checkOrigin(r *http.Request) bool {
	if len(e.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range e.cfg.AllowedOrigins {
		if allowed == "*" || allowed == u.Host || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP is the /ssh/socket.io handler from spec.md §6.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.cfg.Log.WithError(err).Error("websocket upgrade failed")
		return
	}

	sock := &socket{id: uuid.New().String(), conn: conn, log: e.cfg.Log}
	sessionID, httpData := e.cfg.Sessions.SessionFor(r)

	b, err := e.cfg.Manager.Open(sock, sessionID, httpData)
	if err != nil {
		_ = sock.Send("ssherror", map[string]interface{}{"message": err.Error()})
		_ = sock.Close()
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * e.cfg.KeepAlive))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * e.cfg.KeepAlive))
	})

	done := make(chan struct{})
	go e.pingLoop(conn, done)

	e.readLoop(b, conn)
	close(done)
}

// pingLoop keeps the connection's read deadline alive from the server
// side, mirroring the sibling fork's startPingLoop.
func (e *Endpoint) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(e.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (e *Endpoint) readLoop(b *bridge.Bridge, conn *websocket.Conn) {
	defer b.Teardown("websocket closed")
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			b.HandleData(data)
		case websocket.TextMessage:
			e.dispatch(b, data)
		}
	}
}

// wireEnvelope is every client->server text frame's shape: a named
// event with its payload left raw until the event name picks the
// concrete type to decode into, enforcing spec.md §6's "validate
// against a declared schema before any handler sees it" discipline.
type wireEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (e *Endpoint) dispatch(b *bridge.Bridge, raw []byte) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		e.cfg.Log.WithError(err).Debug("malformed socket frame")
		return
	}

	switch env.Event {
	case "authenticate":
		var p bridge.AuthenticateParams
		if !e.decode(env.Payload, &p, env.Event) {
			return
		}
		b.HandleAuthenticate(p)
	case "terminal":
		var p bridge.TerminalParams
		if !e.decode(env.Payload, &p, env.Event) {
			return
		}
		b.HandleTerminal(p)
	case "resize":
		var p bridge.ResizeParams
		if !e.decode(env.Payload, &p, env.Event) {
			return
		}
		b.HandleResize(p)
	case "exec":
		var p bridge.ExecParams
		if !e.decode(env.Payload, &p, env.Event) {
			return
		}
		b.HandleExec(p)
	case "control":
		var action bridge.ControlAction
		if !e.decode(env.Payload, &action, env.Event) {
			return
		}
		b.HandleControl(action)
	case "prompt_response":
		var resp prompt.Response
		if !e.decode(env.Payload, &resp, env.Event) {
			return
		}
		b.HandlePromptResponse(resp)
	default:
		e.cfg.Log.WithField("event", env.Event).Debug("unknown socket event")
	}
}

func (e *Endpoint) decode(raw json.RawMessage, dst interface{}, event string) bool {
	if err := json.Unmarshal(raw, dst); err != nil {
		e.cfg.Log.WithError(err).WithField("event", event).Debug("malformed payload")
		return false
	}
	return true
}

// socket implements lib/bridge.Socket over one gorilla/websocket
// connection. WriteMessage is not safe for concurrent use, so every
// write (data frames from the shell pump, event frames from Handle*
// running on other goroutines) goes through writeMu.
type socket struct {
	id   string
	conn *websocket.Conn
	log  *logrus.Entry

	writeMu sync.Mutex
}

func (s *socket) ID() string { return s.id }

func (s *socket) Send(event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(wireEnvelope{Event: event, Payload: raw})
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, b)
}

func (s *socket) SendData(data []byte) error {
	return s.write(websocket.BinaryMessage, data)
}

func (s *socket) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

func (s *socket) Close() error {
	return s.conn.Close()
}

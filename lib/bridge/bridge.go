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

// Package bridge is the per-socket handler that drives one browser
// WebSocket's lifecycle: handshake, authentication, terminal geometry,
// shell piping, resize/control/exec handling, and teardown, per
// spec.md §4.G. It is transport-agnostic: the WebSocket Endpoint
// (lib/wsapi) implements Socket over gorilla/websocket and decodes wire
// frames into the typed params in messages.go before calling a Bridge's
// Handle* methods.
package bridge

import (
	"fmt"
	"io"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/billchurch/webssh2-go/lib/adapter"
	"github.com/billchurch/webssh2-go/lib/apperr"
	authfsm "github.com/billchurch/webssh2-go/lib/auth"
	"github.com/billchurch/webssh2-go/lib/hostkey"
	"github.com/billchurch/webssh2-go/lib/ids"
	"github.com/billchurch/webssh2-go/lib/logging"
	"github.com/billchurch/webssh2-go/lib/pool"
	"github.com/billchurch/webssh2-go/lib/prompt"
	"github.com/billchurch/webssh2-go/lib/session"
	"github.com/billchurch/webssh2-go/lib/sftp"
	"github.com/billchurch/webssh2-go/lib/terminal"
)

// Socket is the minimal transport contract the bridge needs from
// whatever carries the WebSocket connection. lib/wsapi is the only
// implementer in this repository.
type Socket interface {
	ID() string
	Send(event string, payload interface{}) error
	SendData(data []byte) error
	Close() error
}

// HTTPSessionData is what the HTTP Routing Shim deposited into the
// cookie-bound HTTP session before the WebSocket upgrade, per
// spec.md §6.
type HTTPSessionData struct {
	Credentials   *AuthenticateParams
	UsedBasicAuth bool
}

// DuplicatePolicy decides what happens when a second socket opens a
// bridge for a session that already has one.
type DuplicatePolicy string

const (
	DuplicateReplace DuplicatePolicy = "replace"
	DuplicateReject  DuplicatePolicy = "reject"
)

// Deps are the process-wide singletons a Bridge looks up by id rather
// than owning, per spec.md §3's ownership summary.
type Deps struct {
	Clock    clockwork.Clock
	Log      *logrus.Entry
	Store    *session.Store
	Pool     *pool.Pool
	Tracker  *prompt.Tracker
	Terminal *terminal.Service
	HostKeys *hostkey.Service
	Emitter  *logging.Emitter
	Policy   *logging.Policy
	// Adapters maps protocol name ("ssh", "telnet") to the adapter that
	// serves every post-connect operation (shell, exec, resize,
	// disconnect) for it.
	Adapters map[string]adapter.Adapter
	// Connectors maps protocol name to the closure that dials and
	// authenticates a new connection for that protocol, filling in the
	// protocol-specific extras (private key, host-key verification,
	// login/password prompt patterns) the wiring layer (cmd/webssh2)
	// constructed the concrete adapter with.
	Connectors map[string]Connector
	// SftpProviders maps protocol name to the sftp.ClientProvider that
	// can open an SFTP subsystem channel over a live connection of that
	// protocol. Only "ssh" is ever populated; telnet has no equivalent
	// channel. lib/sshadapter.Adapter satisfies ClientProvider directly.
	SftpProviders map[string]sftp.ClientProvider
}

// Connector dials and authenticates one connection for a protocol. It
// is supplied by the wiring layer, not by lib/sshadapter/lib/telnetadapter
// directly, since it closes over the concrete adapter together with
// per-protocol config (host-key service, login prompts) the Socket
// Bridge itself has no business constructing.
type Connector func(socketId string, sessionId ids.SessionId, creds AuthenticateParams, onKeyboardInteractive adapter.KeyboardInteractiveHandler) (ids.ConnectionId, error)

// Options configures the permission surface and resource limits a
// Bridge enforces. Field names mirror the `permissions` message from
// spec.md §6.
type Options struct {
	AllowReplay       bool
	AllowReauth       bool
	AllowReconnect    bool
	AllowFileTransfer bool

	MaxAuthAttempts int
	ReplayNewline   string // "\r\n" or "\n"; defaults to "\n"

	ExecRatePerSec    float64
	ExecBurst         int
	PromptRatePerSec  float64
	PromptBurst       int
	ControlRatePerSec float64
	ControlBurst      int

	EnvValueCap int
	EnvDenyList map[string]struct{}

	// ProtocolForPort chooses "ssh" or "telnet" for a given destination
	// port. The default treats port 23 as telnet and everything else as
	// ssh, matching the conventional WebSSH2 deployment.
	ProtocolForPort func(port int) string

	DuplicatePolicy DuplicatePolicy
}

func (o *Options) setDefaults() {
	if o.MaxAuthAttempts <= 0 {
		o.MaxAuthAttempts = 3
	}
	if o.ReplayNewline == "" {
		o.ReplayNewline = "\n"
	}
	if o.ExecBurst <= 0 {
		o.ExecBurst = 5
	}
	if o.PromptBurst <= 0 {
		o.PromptBurst = 10
	}
	if o.ControlBurst <= 0 {
		o.ControlBurst = 10
	}
	if o.ProtocolForPort == nil {
		o.ProtocolForPort = func(port int) string {
			if port == 23 {
				return "telnet"
			}
			return "ssh"
		}
	}
	if o.DuplicatePolicy == "" {
		o.DuplicatePolicy = DuplicateReplace
	}
}

// Manager keeps the process-wide "at most one active bridge per
// session" invariant from spec.md §4.G step 1.
type Manager struct {
	deps Deps
	opts Options

	mu        sync.Mutex
	bySession map[ids.SessionId]*Bridge
	bySocket  map[string]*Bridge
}

// NewManager constructs a Manager shared across all sockets.
func NewManager(deps Deps, opts Options) *Manager {
	opts.setDefaults()
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Log == nil {
		deps.Log = logrus.WithField("component", "bridge")
	}
	return &Manager{
		deps:      deps,
		opts:      opts,
		bySession: make(map[ids.SessionId]*Bridge),
		bySocket:  make(map[string]*Bridge),
	}
}

// Notify implements lib/hostkey.Notifier: it finds the Bridge that owns
// socketId and forwards the prompt as a "prompt" wire event so the
// browser can render it, independent of the Handle* methods driven by
// inbound client messages.
func (m *Manager) Notify(socketId string, id ids.PromptId, payload prompt.Payload) {
	m.mu.Lock()
	b, ok := m.bySocket[socketId]
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = b.socket.Send("prompt", map[string]interface{}{
		"id":      string(id),
		"title":   payload.Title,
		"message": payload.Message,
		"icon":    payload.Icon,
		"buttons": payload.Buttons,
		"inputs":  payload.Inputs,
	})
}

// Open performs the handshake step: binds socket to sessionId, enforces
// the one-bridge-per-session invariant per m.opts.DuplicatePolicy, and
// returns a Bridge ready to drive authentication.
func (m *Manager) Open(socket Socket, sessionId ids.SessionId, httpSession HTTPSessionData) (*Bridge, error) {
	m.mu.Lock()
	if existing, ok := m.bySession[sessionId]; ok {
		if m.opts.DuplicatePolicy == DuplicateReject {
			m.mu.Unlock()
			return nil, apperr.Validation("session %s already has an active bridge", sessionId)
		}
		m.mu.Unlock()
		existing.Teardown("replaced by a new connection for the same session")
		m.mu.Lock()
	}

	b := &Bridge{
		socket:       socket,
		sessionId:    sessionId,
		socketId:     socket.ID(),
		manager:      m,
		deps:         m.deps,
		opts:         m.opts,
		log:          m.deps.Log.WithField("session_id", string(sessionId)),
		envFilter:    NewEnvFilter(m.opts.EnvDenyList, m.opts.EnvValueCap),
		cmdGuard:     NewCommandGuard(nil),
		execLimiter:  rate.NewLimiter(rate.Limit(orUnlimited(m.opts.ExecRatePerSec)), m.opts.ExecBurst),
		promptLimiter: rate.NewLimiter(rate.Limit(orUnlimited(m.opts.PromptRatePerSec)), m.opts.PromptBurst),
		controlLimiter: rate.NewLimiter(rate.Limit(orUnlimited(m.opts.ControlRatePerSec)), m.opts.ControlBurst),
	}
	m.bySession[sessionId] = b
	m.bySocket[b.socketId] = b
	m.mu.Unlock()

	b.auth = authfsm.New(authfsm.Config{
		Clock:       m.deps.Clock,
		Log:         b.log,
		Store:       m.deps.Store,
		Tracker:     m.deps.Tracker,
		SessionId:   sessionId,
		SocketId:    b.socketId,
		MaxAttempts: m.opts.MaxAuthAttempts,
	})

	if httpSession.Credentials != nil {
		b.pendingCreds = httpSession.Credentials
		b.auth.StartWithServerCredentials()
		go b.connectAndAuth(*httpSession.Credentials)
	} else {
		b.auth.StartWithoutCredentials()
		_ = b.socket.Send("authentication", map[string]interface{}{"action": "request_auth"})
	}

	return b, nil
}

func orUnlimited(perSec float64) float64 {
	if perSec <= 0 {
		return 1e9
	}
	return perSec
}

// remove drops b from the Manager's index; called from Bridge.Teardown.
func (m *Manager) remove(sessionId ids.SessionId, b *Bridge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bySession[sessionId] == b {
		delete(m.bySession, sessionId)
	}
	if m.bySocket[b.socketId] == b {
		delete(m.bySocket, b.socketId)
	}
}

// Bridge is one socket's live handler. All exported Handle* methods are
// safe to call from whatever goroutine reads frames off the transport;
// they serialize internally via mu.
type Bridge struct {
	socket    Socket
	sessionId ids.SessionId
	socketId  string
	manager   *Manager

	deps Deps
	opts Options
	log  *logrus.Entry

	envFilter *EnvFilter
	cmdGuard  *CommandGuard

	execLimiter    *rate.Limiter
	promptLimiter  *rate.Limiter
	controlLimiter *rate.Limiter

	mu           sync.Mutex
	auth         *authfsm.Machine
	protocol     string
	connId       ids.ConnectionId
	shell        adapter.Stream
	pendingCreds *AuthenticateParams
	torn         bool
}

// HandleAuthenticate answers an outstanding request_auth. It is a no-op
// error if the auth machine is not currently in the collecting state
// (e.g. a stray resend).
func (b *Bridge) HandleAuthenticate(p AuthenticateParams) {
	if err := p.validate(); err != nil {
		b.sendTypedError(err)
		return
	}
	if err := b.auth.ReceiveAuthenticate(); err != nil {
		b.sendTypedError(err)
		return
	}
	b.mu.Lock()
	b.pendingCreds = &p
	b.mu.Unlock()
	go b.connectAndAuth(p)
}

// connectAndAuth runs step 2: drives the connect+auth handshake through
// the protocol adapter and reports the outcome to the client. It may
// block on network I/O, so callers invoke it on its own goroutine.
func (b *Bridge) connectAndAuth(creds AuthenticateParams) {
	start := b.deps.Clock.Now()

	if b.deps.Policy != nil {
		if err := b.deps.Policy.CheckHost(creds.Host); err != nil {
			b.failAuth(err, authfsm.ReasonPolicyBlocked)
			return
		}
		method := "password"
		if creds.PrivateKey != "" {
			method = "publickey"
		}
		if err := b.deps.Policy.CheckAuthMethod(method); err != nil {
			b.failAuth(err, authfsm.ReasonPolicyBlocked)
			return
		}
	}

	proto := b.opts.ProtocolForPort(creds.Port)
	connect, ok := b.deps.Connectors[proto]
	if !ok {
		b.failAuth(apperr.Connection(apperr.CodeRefused, nil, "no connector configured for protocol %q", proto), authfsm.ReasonNoMethod)
		return
	}

	onKeyboardInteractive := func(name, instruction, question string, echo bool) (string, error) {
		id, err := b.auth.BeginKeyboardInteractive(question)
		if err != nil {
			return "", err
		}
		_ = b.socket.Send("authentication", map[string]interface{}{
			"action":  "keyboard-interactive",
			"message": question,
		})
		resp, ok := b.auth.AwaitResponse()
		if !ok {
			return "", apperr.Auth(apperr.CodeInterrupted, nil, "keyboard-interactive prompt %s was never answered", id)
		}
		return resp.Inputs["answer"], nil
	}

	connId, err := connect(b.socketId, b.sessionId, creds, onKeyboardInteractive)
	if err != nil {
		b.failAuth(err, classifyConnectError(err))
		return
	}

	b.mu.Lock()
	b.protocol = proto
	b.connId = connId
	b.mu.Unlock()

	method := "password"
	if creds.PrivateKey != "" {
		method = "publickey"
	}
	b.auth.RecordSuccess(creds.Username, method)

	if b.deps.Emitter != nil {
		b.deps.Emitter.Emit(logging.Event{
			EventName:    "auth.success",
			Subsystem:    "bridge",
			SessionId:    string(b.sessionId),
			ConnectionId: string(connId),
			Status:       logging.StatusSuccess,
			DurationMs:   b.deps.Clock.Now().Sub(start).Milliseconds(),
		})
	}

	_ = b.socket.Send("authentication", map[string]interface{}{"success": true})
	_ = b.socket.Send("permissions", map[string]interface{}{
		"allowReplay":       b.opts.AllowReplay,
		"allowReauth":       b.opts.AllowReauth,
		"allowReconnect":    b.opts.AllowReconnect,
		"allowFileTransfer": b.opts.AllowFileTransfer,
	})
	_ = b.socket.Send("updateUI", map[string]interface{}{"status": "connected"})
	_ = b.socket.Send("getTerminal", nil)
}

func classifyConnectError(err error) authfsm.FailureReason {
	ae, ok := apperr.As(err)
	if !ok {
		return authfsm.ReasonNetwork
	}
	switch ae.Code {
	case apperr.CodeTimeout:
		return authfsm.ReasonTimeout
	case apperr.CodePolicyBlocked, apperr.CodeSubnetBlocked:
		return authfsm.ReasonPolicyBlocked
	case apperr.CodeInvalidCredentials:
		return authfsm.ReasonInvalidCredentials
	case apperr.CodeNoMethod:
		return authfsm.ReasonNoMethod
	default:
		return authfsm.ReasonNetwork
	}
}

func (b *Bridge) failAuth(err error, reason authfsm.FailureReason) {
	if b.deps.Emitter != nil {
		b.deps.Emitter.Emit(logging.Event{
			EventName: "auth.failure",
			Subsystem: "bridge",
			SessionId: string(b.sessionId),
			Status:    logging.StatusFailure,
			Reason:    string(reason),
		})
	}

	exhausted := b.auth.RecordFailure(reason)
	_ = b.socket.Send("authentication", map[string]interface{}{
		"success": false,
		"message": err.Error(),
	})
	if exhausted {
		_ = b.socket.Send("ssherror", map[string]interface{}{"message": "authentication failed: too many attempts"})
		b.Teardown("auth attempts exhausted")
		return
	}
	_ = b.socket.Send("authentication", map[string]interface{}{"action": "request_auth"})
}

// HandleTerminal answers a server getTerminal request: step 3, followed
// immediately by step 4 (opening the shell).
func (b *Bridge) HandleTerminal(p TerminalParams) {
	if err := p.validate(); err != nil {
		b.sendTypedError(err)
		return
	}

	env := b.envFilter.Filter(p.Env)
	b.deps.Store.Dispatch(b.sessionId, session.TerminalInit{
		Term: p.Term, Rows: p.Rows, Cols: p.Cols, Environment: env,
	})
	if b.deps.Terminal != nil {
		b.deps.Terminal.SetGeometry(b.sessionId, terminalGeometry(p, env))
	}

	b.mu.Lock()
	proto, connId := b.protocol, b.connId
	b.mu.Unlock()

	ad, ok := b.deps.Adapters[proto]
	if !ok {
		b.sendTypedError(apperr.Connection(apperr.CodeRefused, nil, "no adapter for protocol %q", proto))
		return
	}

	stream, err := ad.Shell(connId, adapter.ShellOptions{Term: p.Term, Rows: p.Rows, Cols: p.Cols, Environment: env})
	if err != nil {
		b.sendTypedError(err)
		return
	}

	b.mu.Lock()
	b.shell = stream
	b.mu.Unlock()

	go b.pumpShellToSocket(stream)
}

func terminalGeometry(p TerminalParams, env map[string]string) terminal.Geometry {
	return terminal.Geometry{Term: p.Term, Rows: p.Rows, Cols: p.Cols, Environment: env}
}

// pumpShellToSocket is the adapter→socket half of step 5's steady
// state; it runs until the shell stream closes or a write to the
// socket fails.
func (b *Bridge) pumpShellToSocket(stream adapter.Stream) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if b.deps.Terminal != nil {
				b.deps.Terminal.Append(b.sessionId, buf[:n])
			}
			if sendErr := b.socket.SendData(buf[:n]); sendErr != nil {
				b.Teardown("socket write failed")
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				b.log.WithError(err).Debug("shell stream closed with error")
			}
			b.Teardown("shell stream closed")
			return
		}
	}
}

// HandleData is the socket→adapter half of step 5's steady state.
func (b *Bridge) HandleData(data []byte) {
	b.mu.Lock()
	stream := b.shell
	connId := b.connId
	b.mu.Unlock()
	if stream == nil {
		return
	}
	if _, err := stream.Write(data); err != nil {
		b.log.WithError(err).Debug("write to shell failed")
		return
	}
	if c, ok := b.deps.Pool.Get(connId); ok {
		c.Touch(b.deps.Clock.Now())
	}
}

// HandleResize dispatches TERMINAL_RESIZE and forwards the new
// geometry to the adapter.
func (b *Bridge) HandleResize(p ResizeParams) {
	if err := p.validate(); err != nil {
		b.sendTypedError(err)
		return
	}
	b.deps.Store.Dispatch(b.sessionId, session.TerminalResize{Rows: p.Rows, Cols: p.Cols})
	if b.deps.Terminal != nil {
		b.deps.Terminal.Resize(b.sessionId, p.Rows, p.Cols)
	}

	b.mu.Lock()
	proto, connId := b.protocol, b.connId
	b.mu.Unlock()
	if ad, ok := b.deps.Adapters[proto]; ok {
		if err := ad.Resize(connId, p.Rows, p.Cols); err != nil {
			b.log.WithError(err).Debug("adapter resize failed")
		}
	}
}

// HandleControl dispatches replayCredentials/reauth/disconnect, each
// gated by the matching permission.
func (b *Bridge) HandleControl(action ControlAction) {
	if !b.controlLimiter.Allow() {
		b.sendRateLimited("control")
		return
	}

	switch action {
	case ControlReplayCredentials:
		if !b.opts.AllowReplay {
			b.sendTypedError(apperr.Policy(apperr.CodePolicyBlocked, nil, "credential replay is disabled"))
			return
		}
		b.mu.Lock()
		stream, creds := b.shell, b.pendingCreds
		b.mu.Unlock()
		if stream == nil || creds == nil {
			return
		}
		_, _ = stream.Write([]byte(creds.Password + b.opts.ReplayNewline))

	case ControlReauth:
		if !b.opts.AllowReauth {
			b.sendTypedError(apperr.Policy(apperr.CodePolicyBlocked, nil, "reauthentication is disabled"))
			return
		}
		b.reauth()

	case ControlDisconnect:
		b.Teardown("client requested disconnect")

	default:
		b.sendTypedError(apperr.Validation("unknown control action %q", action))
	}
}

func (b *Bridge) reauth() {
	b.mu.Lock()
	stream := b.shell
	connId := b.connId
	proto := b.protocol
	b.shell = nil
	b.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	if ad, ok := b.deps.Adapters[proto]; ok && connId != "" {
		_ = ad.Disconnect(connId)
	}
	b.deps.Store.Dispatch(b.sessionId, session.AuthClear{})
	b.auth.StartWithoutCredentials()
	_ = b.socket.Send("authentication", map[string]interface{}{"action": "request_auth"})
}

// HandleExec runs step 5's exec branch: rate-limited, schema-validated,
// environment-filtered, and command-safety-checked before it ever
// reaches the adapter.
func (b *Bridge) HandleExec(p ExecParams) {
	if !b.execLimiter.Allow() {
		b.sendRateLimited("exec")
		return
	}
	if err := p.validate(); err != nil {
		b.sendTypedError(err)
		return
	}
	if err := b.cmdGuard.Check(p.Command); err != nil {
		b.sendTypedError(err)
		return
	}

	b.mu.Lock()
	proto, connId := b.protocol, b.connId
	b.mu.Unlock()
	ad, ok := b.deps.Adapters[proto]
	if !ok {
		b.sendTypedError(apperr.Connection(apperr.CodeRefused, nil, "no adapter for protocol %q", proto))
		return
	}

	env := b.envFilter.Filter(p.Env)
	go func() {
		result, err := ad.Exec(connId, adapter.ExecOptions{
			Command: p.Command, Pty: p.Pty, Term: p.Term, Rows: p.Rows, Cols: p.Cols, Environment: env,
		})
		if err != nil {
			b.sendTypedError(err)
			return
		}
		if len(result.Stdout) > 0 {
			_ = b.socket.Send("exec-data", map[string]interface{}{"stream": "stdout", "data": result.Stdout})
		}
		if len(result.Stderr) > 0 {
			_ = b.socket.Send("exec-data", map[string]interface{}{"stream": "stderr", "data": result.Stderr})
		}
		_ = b.socket.Send("exec-exit", map[string]interface{}{"code": result.ExitCode})
	}()
}

// HandlePromptResponse routes a client's prompt_response to whichever
// service is holding that prompt id: the Host-Key Service for
// unknown-host-key confirmations, or the Auth State Machine for
// keyboard-interactive answers, per spec.md §4.G step 6.
func (b *Bridge) HandlePromptResponse(resp prompt.Response) {
	if !b.promptLimiter.Allow() {
		b.sendRateLimited("prompt_response")
		return
	}

	if b.deps.HostKeys != nil && b.deps.HostKeys.Owns(resp.ID) {
		if err := b.deps.HostKeys.Resolve(b.socketId, resp); err != nil {
			b.sendTypedError(err)
		}
		return
	}
	if err := b.auth.ResolvePrompt(resp); err != nil {
		b.sendTypedError(err)
	}
}

// Teardown runs step 7: close the shell stream, adapter disconnect,
// CONNECTION_CLOSED dispatch, drop pending prompts, destroy terminal
// state, and close the transport. It performs no flush step of its
// own. It is idempotent.
func (b *Bridge) Teardown(reason string) {
	b.mu.Lock()
	if b.torn {
		b.mu.Unlock()
		return
	}
	b.torn = true
	stream := b.shell
	connId := b.connId
	proto := b.protocol
	b.shell = nil
	b.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	if ad, ok := b.deps.Adapters[proto]; ok && connId != "" {
		_ = ad.Disconnect(connId)
	}
	b.deps.Store.Dispatch(b.sessionId, session.ConnectionClosed{})
	if b.deps.Tracker != nil {
		b.deps.Tracker.RemoveAllForSocket(b.socketId)
	}
	if b.deps.Terminal != nil {
		b.deps.Terminal.Destroy(b.sessionId)
	}
	if b.manager != nil {
		b.manager.remove(b.sessionId, b)
	}
	if b.deps.Emitter != nil {
		b.deps.Emitter.Emit(logging.Event{
			EventName: "bridge.teardown",
			Subsystem: "bridge",
			SessionId: string(b.sessionId),
			Status:    logging.StatusSuccess,
			Reason:    reason,
		})
	}
	_ = b.socket.Close()
}

// sendTypedError reports err to the client. A Connection-kind error
// also tears the bridge down: the transport to the target is already
// gone or unusable, so there is nothing left for the socket to do.
// Validation and Policy errors are reported and leave the socket open.
func (b *Bridge) sendTypedError(err error) {
	ae, ok := apperr.As(err)
	if !ok {
		_ = b.socket.Send("ssherror", map[string]interface{}{"message": err.Error()})
		return
	}
	_ = b.socket.Send("ssherror", map[string]interface{}{
		"message": ae.Message,
		"kind":    string(ae.Kind),
		"code":    string(ae.Code),
	})
	if ae.Kind == apperr.KindConnection {
		b.Teardown("connection_error")
	}
}

func (b *Bridge) sendRateLimited(messageType string) {
	b.log.WithField("message_type", messageType).Warn("dropped message: rate limit exceeded")
	if b.deps.Emitter != nil {
		b.deps.Emitter.Emit(logging.Event{
			EventName: "bridge.rate_limited",
			Subsystem: "bridge",
			SessionId: string(b.sessionId),
			Status:    logging.StatusFailure,
			Reason:    fmt.Sprintf("%s rate limit exceeded", messageType),
		})
	}
}

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

// Package sshadapter implements the SSH half of the protocol adapter
// contract (lib/adapter) over golang.org/x/crypto/ssh.
package sshadapter

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/billchurch/webssh2-go/lib/adapter"
	"github.com/billchurch/webssh2-go/lib/apperr"
	"github.com/billchurch/webssh2-go/lib/hostkey"
	"github.com/billchurch/webssh2-go/lib/ids"
	"github.com/billchurch/webssh2-go/lib/logging"
	"github.com/billchurch/webssh2-go/lib/pool"
	"github.com/billchurch/webssh2-go/lib/session"
)

// Config carries the SSH-specific extras ConnectConfig does not, per
// the "transport config" step of the connect sequence.
type Config struct {
	adapter.ConnectConfig

	PrivateKey []byte
	Passphrase string

	// TryKeyboard enables keyboard-interactive auth per server policy.
	TryKeyboard bool

	HostKeyService *hostkey.Service
	SocketId       string
}

// clientEnd adapts *ssh.Client to pool.Client.
type clientEnd struct{ c *ssh.Client }

func (e clientEnd) End() error { return e.c.Close() }

type connState struct {
	mu     sync.Mutex
	client *ssh.Client
	shell  *ssh.Session
	status string
}

// Adapter is the process-wide SSH adapter singleton.
type Adapter struct {
	clock  clockwork.Clock
	log    *logrus.Entry
	pool   *pool.Pool
	store  *session.Store
	policy *logging.Policy
	em     *logging.Emitter

	mu    sync.Mutex
	conns map[ids.ConnectionId]*connState
}

func New(clock clockwork.Clock, log *logrus.Entry, p *pool.Pool, store *session.Store, policy *logging.Policy, em *logging.Emitter) *Adapter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.WithField("component", "sshadapter")
	}
	return &Adapter{
		clock:  clock,
		log:    log,
		pool:   p,
		store:  store,
		policy: policy,
		em:     em,
		conns:  make(map[ids.ConnectionId]*connState),
	}
}

// Connect implements the 8-step sequence from spec.md §4.E.
func (a *Adapter) Connect(cfg Config) (ids.ConnectionId, error) {
	start := a.clock.Now()

	// Step 1: subnet allow-list.
	if a.policy != nil {
		if err := a.policy.CheckHost(cfg.Host); err != nil {
			a.logConnect(start, false, "policy_block")
			return "", err
		}
	}

	// Step 2/3: transport config + auth method precedence.
	authMethods, method := a.buildAuthMethods(cfg)
	if len(authMethods) == 0 {
		a.log.WithField("host", cfg.Host).Warn("no usable auth method; attempting anyway")
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            authMethods,
		Timeout:         readyTimeout(cfg.ReadyTimeoutMs),
		HostKeyCallback: a.hostKeyCallback(cfg),
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout(cfg.ReadyTimeoutMs))
	defer cancel()

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		client, err := dialContext(ctx, addr, clientConfig)
		resultCh <- dialResult{client, err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			a.dispatchConnError(cfg.SessionId, res.err)
			a.logConnect(start, false, "dial_failed")
			return "", apperr.Connection(apperr.CodeRefused, res.err, "ssh dial to %s failed", addr)
		}
		return a.onDialSuccess(cfg, res.client, method, start)
	case <-ctx.Done():
		a.log.WithField("host", cfg.Host).Warn("Connection timeout")
		a.dispatchConnError(cfg.SessionId, ctx.Err())
		a.logConnect(start, false, "ready_timeout")
		return "", apperr.Connection(apperr.CodeTimeout, ctx.Err(), "ssh connect to %s timed out", addr)
	}
}

func dialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (a *Adapter) onDialSuccess(cfg Config, client *ssh.Client, method string, start time.Time) (ids.ConnectionId, error) {
	conn := a.pool.NewConnection(cfg.SessionId, pool.SSH, clientEnd{client}, cfg.Host, cfg.Port, cfg.Username)
	if err := a.pool.Add(conn); err != nil {
		_ = client.Close()
		return "", err
	}
	conn.SetStatus(pool.Connected)

	a.mu.Lock()
	a.conns[conn.ID] = &connState{client: client, status: "connected"}
	a.mu.Unlock()

	if cfg.SessionId != "" {
		a.store.Dispatch(cfg.SessionId, session.AuthSuccess{Username: cfg.Username, Method: method})
		a.store.Dispatch(cfg.SessionId, session.ConnectionStart{Host: cfg.Host, Port: cfg.Port})
		a.store.Dispatch(cfg.SessionId, session.ConnectionEstablished{ConnectionId: conn.ID})
	}

	go a.watchClose(conn.ID, cfg.SessionId, client)

	a.logConnect(start, true, "")
	return conn.ID, nil
}

func (a *Adapter) watchClose(connID ids.ConnectionId, sessionID ids.SessionId, client *ssh.Client) {
	_ = client.Wait()

	a.mu.Lock()
	delete(a.conns, connID)
	a.mu.Unlock()

	a.pool.Remove(connID)
	if sessionID != "" {
		a.store.Dispatch(sessionID, session.ConnectionClosed{})
	}
}

func (a *Adapter) dispatchConnError(sessionID ids.SessionId, err error) {
	if sessionID == "" {
		return
	}
	a.store.Dispatch(sessionID, session.ConnectionErrorAction{Error: err.Error()})
}

func (a *Adapter) logConnect(start time.Time, ok bool, reason string) {
	if a.em == nil {
		return
	}
	status := logging.StatusSuccess
	if !ok {
		status = logging.StatusFailure
	}
	a.em.Emit(logging.Event{
		EventName:  "connect",
		Subsystem:  "ssh",
		Status:     status,
		DurationMs: a.clock.Now().Sub(start).Milliseconds(),
		Reason:     reason,
	})
}

func readyTimeout(ms int) time.Duration {
	if ms <= 0 {
		return 20 * time.Second
	}
	return time.Duration(ms) * time.Millisecond
}

// buildAuthMethods chooses the auth method in strict precedence:
// password, then private key, then keyboard-interactive.
func (a *Adapter) buildAuthMethods(cfg Config) ([]ssh.AuthMethod, string) {
	if cfg.Password != "" {
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, "password"
	}
	if len(cfg.PrivateKey) > 0 {
		signer, err := parsePrivateKey(cfg.PrivateKey, cfg.Passphrase)
		if err == nil {
			return []ssh.AuthMethod{ssh.PublicKeys(signer)}, "publickey"
		}
		a.log.WithError(err).Warn("failed to parse private key, falling back")
	}
	if cfg.TryKeyboard {
		return []ssh.AuthMethod{ssh.KeyboardInteractive(a.keyboardInteractive(cfg))}, "keyboard-interactive"
	}
	return nil, "none"
}

func parsePrivateKey(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(pemBytes)
}

// keyboardInteractive auto-answers any prompt whose text contains
// "password" (case-insensitive) with the configured password unless
// ForwardAllPrompts is set, in which case every prompt goes to the
// caller-supplied handler.
func (a *Adapter) keyboardInteractive(cfg Config) ssh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i, q := range questions {
			echo := i < len(echos) && echos[i]
			switch {
			case !cfg.ForwardAllPrompts && strings.Contains(strings.ToLower(q), "password"):
				answers[i] = cfg.Password
			case cfg.OnKeyboardInteractive != nil:
				answer, err := cfg.OnKeyboardInteractive(name, instruction, q, echo)
				if err != nil {
					return nil, err
				}
				answers[i] = answer
			default:
				answers[i] = ""
			}
		}
		return answers, nil
	}
}

func (a *Adapter) hostKeyCallback(cfg Config) ssh.HostKeyCallback {
	if cfg.HostKeyService == nil {
		return ssh.InsecureIgnoreHostKey()
	}
	svc := cfg.HostKeyService
	socketID := cfg.SocketId
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		host, portStr, err := net.SplitHostPort(hostname)
		if err != nil {
			host, portStr = hostname, "22"
		}
		port, _ := strconv.Atoi(portStr)
		return svc.VerifyHostKey(ctx, socketID, host, port, key)
	}
}

// Shell implements adapter.Adapter.Shell.
func (a *Adapter) Shell(connID ids.ConnectionId, opts adapter.ShellOptions) (adapter.Stream, error) {
	st, err := a.stateFor(connID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	sess, err := st.client.NewSession()
	if err != nil {
		return nil, apperr.Connection(apperr.CodeRefused, err, "failed to open ssh session")
	}

	for k, v := range opts.Environment {
		_ = sess.Setenv(k, v)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	term := opts.Term
	if term == "" {
		term = "xterm"
	}
	if err := sess.RequestPty(term, opts.Rows, opts.Cols, modes); err != nil {
		_ = sess.Close()
		return nil, apperr.Protocol(apperr.CodeNegotiation, err, "pty request failed")
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, apperr.Connection(apperr.CodeRefused, err, "failed to open stdin pipe")
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, apperr.Connection(apperr.CodeRefused, err, "failed to open stdout pipe")
	}

	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return nil, apperr.Connection(apperr.CodeRefused, err, "failed to start shell")
	}

	st.shell = sess
	return &shellStream{session: sess, in: stdin, out: stdout}, nil
}

type shellStream struct {
	session *ssh.Session
	in      io.WriteCloser
	out     io.Reader
}

func (s *shellStream) Read(p []byte) (int, error)  { return s.out.Read(p) }
func (s *shellStream) Write(p []byte) (int, error) { return s.in.Write(p) }
func (s *shellStream) Close() error                { return s.session.Close() }

// Exec implements adapter.Adapter.Exec.
func (a *Adapter) Exec(connID ids.ConnectionId, opts adapter.ExecOptions) (adapter.ExecResult, error) {
	start := a.clock.Now()
	st, err := a.stateFor(connID)
	if err != nil {
		return adapter.ExecResult{}, err
	}

	st.mu.Lock()
	sess, err := st.client.NewSession()
	st.mu.Unlock()
	if err != nil {
		a.logExec(start, false)
		return adapter.ExecResult{}, apperr.Connection(apperr.CodeRefused, err, "failed to open ssh session")
	}
	defer sess.Close()

	for k, v := range opts.Environment {
		_ = sess.Setenv(k, v)
	}

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	runErr := sess.Run(opts.Command)
	result := adapter.ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if runErr == nil {
		result.ExitCode = 0
		a.logExec(start, true)
		return result, nil
	}
	if exitErr, ok := runErr.(*ssh.ExitError); ok {
		result.ExitCode = exitErr.ExitStatus()
		a.logExec(start, true)
		return result, nil
	}
	a.logExec(start, false)
	return result, apperr.Connection(apperr.CodeClosed, runErr, "exec failed: %v", runErr)
}

func (a *Adapter) logExec(start time.Time, ok bool) {
	if a.em == nil {
		return
	}
	status := logging.StatusSuccess
	if !ok {
		status = logging.StatusFailure
	}
	a.em.Emit(logging.Event{
		EventName:  "exec",
		Subsystem:  "ssh",
		Status:     status,
		DurationMs: a.clock.Now().Sub(start).Milliseconds(),
	})
}

// Resize implements adapter.Adapter.Resize.
func (a *Adapter) Resize(connID ids.ConnectionId, rows, cols int) error {
	st, err := a.stateFor(connID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.shell == nil {
		return apperr.Connection(apperr.CodeClosed, nil, "no active shell to resize")
	}
	return st.shell.WindowChange(rows, cols)
}

// Disconnect implements adapter.Adapter.Disconnect.
func (a *Adapter) Disconnect(connID ids.ConnectionId) error {
	a.mu.Lock()
	st, ok := a.conns[connID]
	delete(a.conns, connID)
	a.mu.Unlock()
	if !ok {
		return apperr.Connection(apperr.CodeClosed, nil, "connection %s not found", connID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.shell != nil {
		_ = st.shell.Close()
	}
	return st.client.Close()
}

// DisconnectSession closes every connection belonging to sessionID.
func (a *Adapter) DisconnectSession(sessionID ids.SessionId) error {
	for _, conn := range a.pool.GetBySession(sessionID) {
		if conn.Protocol != pool.SSH {
			continue
		}
		_ = a.Disconnect(conn.ID)
	}
	return nil
}

// GetConnectionStatus implements adapter.Adapter.GetConnectionStatus.
func (a *Adapter) GetConnectionStatus(connID ids.ConnectionId) (string, bool) {
	conn, ok := a.pool.Get(connID)
	if !ok {
		return "", false
	}
	return string(conn.StatusNow()), true
}

// Client returns the underlying *ssh.Client for connID, for callers
// (lib/sftp) that need to open an out-of-band SFTP subsystem channel
// on an already-authenticated connection.
func (a *Adapter) Client(connID ids.ConnectionId) (*ssh.Client, error) {
	st, err := a.stateFor(connID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.client, nil
}

func (a *Adapter) stateFor(connID ids.ConnectionId) (*connState, error) {
	a.mu.Lock()
	st, ok := a.conns[connID]
	a.mu.Unlock()
	if !ok {
		return nil, apperr.Connection(apperr.CodeClosed, nil, "connection %s not found", connID)
	}
	return st, nil
}

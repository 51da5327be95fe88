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

// Package telnetadapter implements the Telnet half of the protocol
// adapter contract (lib/adapter) with an RFC 854/1073/1091 option
// negotiation state machine (see iac.go) and regex-driven login.
package telnetadapter

import (
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/billchurch/webssh2-go/lib/adapter"
	"github.com/billchurch/webssh2-go/lib/apperr"
	"github.com/billchurch/webssh2-go/lib/ids"
	"github.com/billchurch/webssh2-go/lib/logging"
	"github.com/billchurch/webssh2-go/lib/pool"
	"github.com/billchurch/webssh2-go/lib/session"
)

var (
	defaultLoginPrompt    = regexp.MustCompile(`(?i)login\s*:\s*$`)
	defaultPasswordPrompt = regexp.MustCompile(`(?i)password\s*:\s*$`)
)

// Config carries the Telnet-specific extras.
type Config struct {
	adapter.ConnectConfig

	TermType       string
	LoginPrompt    *regexp.Regexp
	PasswordPrompt *regexp.Regexp
	FailurePrompt  *regexp.Regexp
	// FailureGrace bounds how long Connect waits for FailurePrompt to
	// appear after the password is sent before declaring success.
	FailureGrace time.Duration
}

func (c *Config) setDefaults() {
	if c.TermType == "" {
		c.TermType = "xterm"
	}
	if c.LoginPrompt == nil {
		c.LoginPrompt = defaultLoginPrompt
	}
	if c.PasswordPrompt == nil {
		c.PasswordPrompt = defaultPasswordPrompt
	}
	if c.FailureGrace <= 0 {
		c.FailureGrace = 500 * time.Millisecond
	}
}

type connEnd struct{ conn net.Conn }

func (e connEnd) End() error { return e.conn.Close() }

type connState struct {
	mu   sync.Mutex
	conn net.Conn
	neg  *negotiation
	rows int
	cols int
}

// Adapter is the process-wide Telnet adapter singleton.
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
		log = logrus.WithField("component", "telnetadapter")
	}
	return &Adapter{clock: clock, log: log, pool: p, store: store, policy: policy, em: em, conns: make(map[ids.ConnectionId]*connState)}
}

// Connect dials, negotiates options opportunistically as they arrive,
// and drives the login/password prompt exchange.
func (a *Adapter) Connect(cfg Config) (ids.ConnectionId, error) {
	cfg.setDefaults()
	start := a.clock.Now()

	if a.policy != nil {
		if err := a.policy.CheckHost(cfg.Host); err != nil {
			a.logConnect(start, false, "policy_block")
			return "", err
		}
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	timeout := readyTimeout(cfg.ReadyTimeoutMs)

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		a.dispatchConnError(cfg.SessionId, err)
		a.logConnect(start, false, "dial_failed")
		return "", apperr.Connection(apperr.CodeRefused, err, "telnet dial to %s failed", addr)
	}

	neg := newNegotiation(cfg.TermType)
	deadline := time.Now().Add(timeout)

	if _, err := readUntil(conn, neg, cfg.LoginPrompt, deadline); err != nil {
		_ = conn.Close()
		a.dispatchConnError(cfg.SessionId, err)
		a.logConnect(start, false, "login_prompt_timeout")
		return "", apperr.Connection(apperr.CodeTimeout, err, "telnet login prompt not seen")
	}
	if _, err := conn.Write([]byte(cfg.Username + "\r\n")); err != nil {
		_ = conn.Close()
		return "", apperr.Connection(apperr.CodeClosed, err, "failed writing username")
	}

	if _, err := readUntil(conn, neg, cfg.PasswordPrompt, deadline); err != nil {
		_ = conn.Close()
		a.dispatchConnError(cfg.SessionId, err)
		a.logConnect(start, false, "password_prompt_timeout")
		return "", apperr.Connection(apperr.CodeTimeout, err, "telnet password prompt not seen")
	}
	if _, err := conn.Write([]byte(cfg.Password + "\r\n")); err != nil {
		_ = conn.Close()
		return "", apperr.Connection(apperr.CodeClosed, err, "failed writing password")
	}

	if cfg.FailurePrompt != nil {
		graceDeadline := time.Now().Add(cfg.FailureGrace)
		if _, err := readUntil(conn, neg, cfg.FailurePrompt, graceDeadline); err == nil {
			_ = conn.Close()
			a.dispatchAuthFailure(cfg.SessionId, "invalid_credentials")
			a.logConnect(start, false, "auth_rejected")
			return "", apperr.Auth(apperr.CodeInvalidCredentials, nil, "telnet login rejected for %s", cfg.Username)
		}
	}

	conn.SetReadDeadline(time.Time{})

	poolConn := a.pool.NewConnection(cfg.SessionId, pool.Telnet, connEnd{conn}, cfg.Host, cfg.Port, cfg.Username)
	if err := a.pool.Add(poolConn); err != nil {
		_ = conn.Close()
		return "", err
	}
	poolConn.SetStatus(pool.Connected)

	a.mu.Lock()
	a.conns[poolConn.ID] = &connState{conn: conn, neg: neg}
	a.mu.Unlock()

	if cfg.SessionId != "" {
		a.store.Dispatch(cfg.SessionId, session.AuthSuccess{Username: cfg.Username, Method: "password"})
		a.store.Dispatch(cfg.SessionId, session.ConnectionStart{Host: cfg.Host, Port: cfg.Port})
		a.store.Dispatch(cfg.SessionId, session.ConnectionEstablished{ConnectionId: poolConn.ID})
	}

	go a.watchClose(poolConn.ID, cfg.SessionId, conn)

	a.logConnect(start, true, "")
	return poolConn.ID, nil
}

// readUntil feeds bytes read from conn through neg and accumulates
// decoded clean bytes until pattern matches the accumulated tail or
// deadline passes; any negotiation reply is written back immediately.
func readUntil(conn net.Conn, neg *negotiation, pattern *regexp.Regexp, deadline time.Time) (string, error) {
	var acc []byte
	buf := make([]byte, 4096)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return "", err
		}
		n, err := conn.Read(buf)
		if n > 0 {
			clean, reply := neg.Feed(buf[:n])
			if len(reply) > 0 {
				if _, werr := conn.Write(reply); werr != nil {
					return "", werr
				}
			}
			acc = append(acc, clean...)
			if pattern.Match(acc) {
				return string(acc), nil
			}
		}
		if err != nil {
			return "", err
		}
	}
}

func (a *Adapter) watchClose(connID ids.ConnectionId, sessionID ids.SessionId, conn net.Conn) {
	buf := make([]byte, 1)
	for {
		conn.SetReadDeadline(time.Time{})
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}
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

func (a *Adapter) dispatchAuthFailure(sessionID ids.SessionId, reason string) {
	if sessionID == "" {
		return
	}
	a.store.Dispatch(sessionID, session.AuthFailure{Error: reason, Method: "password"})
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
		Subsystem:  "telnet",
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

// Shell wraps the already-connected socket as a Stream; Telnet has no
// separate channel concept, so the whole connection is the shell.
func (a *Adapter) Shell(connID ids.ConnectionId, opts adapter.ShellOptions) (adapter.Stream, error) {
	st, err := a.stateFor(connID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	st.rows, st.cols = opts.Rows, opts.Cols
	st.mu.Unlock()

	if opts.Rows > 0 && opts.Cols > 0 {
		_, _ = st.conn.Write(NAWS(opts.Cols, opts.Rows))
	}
	return &telnetStream{conn: st.conn, neg: st.neg}, nil
}

type telnetStream struct {
	conn    net.Conn
	neg     *negotiation
	mu      sync.Mutex
	pending []byte
}

func (s *telnetStream) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			n := copy(p, s.pending)
			s.pending = s.pending[n:]
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()

		buf := make([]byte, 4096)
		n, err := s.conn.Read(buf)
		if n > 0 {
			clean, reply := s.neg.Feed(buf[:n])
			if len(reply) > 0 {
				_, _ = s.conn.Write(reply)
			}
			if len(clean) > 0 {
				s.mu.Lock()
				s.pending = append(s.pending, clean...)
				s.mu.Unlock()
				continue
			}
		}
		if err != nil {
			return 0, err
		}
	}
}

func (s *telnetStream) Write(p []byte) (int, error) {
	escaped := make([]byte, 0, len(p))
	for _, b := range p {
		escaped = append(escaped, b)
		if b == iacIAC {
			escaped = append(escaped, iacIAC)
		}
	}
	if _, err := s.conn.Write(escaped); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *telnetStream) Close() error { return s.conn.Close() }

// Exec has no standard telnet analogue to SSH's out-of-band exec
// channel; callers needing remote command execution over telnet must
// drive it through the interactive shell themselves.
func (a *Adapter) Exec(connID ids.ConnectionId, opts adapter.ExecOptions) (adapter.ExecResult, error) {
	return adapter.ExecResult{}, apperr.Protocol(apperr.CodeNegotiation, nil, "telnet adapter does not support out-of-band exec")
}

// Resize reports a new window size via NAWS.
func (a *Adapter) Resize(connID ids.ConnectionId, rows, cols int) error {
	st, err := a.stateFor(connID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.rows, st.cols = rows, cols
	conn := st.conn
	st.mu.Unlock()
	_, werr := conn.Write(NAWS(cols, rows))
	return werr
}

// Disconnect closes the underlying connection.
func (a *Adapter) Disconnect(connID ids.ConnectionId) error {
	a.mu.Lock()
	st, ok := a.conns[connID]
	delete(a.conns, connID)
	a.mu.Unlock()
	if !ok {
		return apperr.Connection(apperr.CodeClosed, nil, "connection %s not found", connID)
	}
	return st.conn.Close()
}

// DisconnectSession closes every telnet connection for sessionID.
func (a *Adapter) DisconnectSession(sessionID ids.SessionId) error {
	for _, conn := range a.pool.GetBySession(sessionID) {
		if conn.Protocol != pool.Telnet {
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

func (a *Adapter) stateFor(connID ids.ConnectionId) (*connState, error) {
	a.mu.Lock()
	st, ok := a.conns[connID]
	a.mu.Unlock()
	if !ok {
		return nil, apperr.Connection(apperr.CodeClosed, nil, "connection %s not found", connID)
	}
	return st, nil
}

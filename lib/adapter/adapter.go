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

// Package adapter declares the shared contract both the SSH and Telnet
// protocol adapters implement, per spec.md §4.E.
package adapter

import (
	"io"

	"github.com/billchurch/webssh2-go/lib/ids"
)

// ShellOptions requests a pseudo-terminal shell with the given geometry
// and environment.
type ShellOptions struct {
	Term        string
	Rows        int
	Cols        int
	Environment map[string]string
}

// ExecOptions requests a single non-interactive command.
type ExecOptions struct {
	Command     string
	Pty         bool
	Term        string
	Rows        int
	Cols        int
	Environment map[string]string
}

// ExecResult is the outcome of a completed Exec call.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Stream is a bidirectional byte pipe onto an open shell or exec
// channel.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// KeyboardInteractiveHandler answers a single keyboard-interactive
// prompt, returning the text to submit.
type KeyboardInteractiveHandler func(name, instruction, question string, echo bool) (string, error)

// ConnectConfig is the shared dial configuration; protocol-specific
// extras (host key callback, terminal-type for telnet) live on the
// concrete adapter's own config type, which embeds this one.
type ConnectConfig struct {
	SessionId ids.SessionId
	Host      string
	Port      int
	Username  string
	Password  string

	ReadyTimeoutMs      int
	KeepaliveIntervalMs int
	KeepaliveCountMax   int

	OnKeyboardInteractive KeyboardInteractiveHandler
	ForwardAllPrompts     bool
}

// Adapter is the shared protocol adapter contract from spec.md §4.E,
// covering every operation a connection needs once it exists. Connect
// deliberately is not part of this interface: the SSH adapter's dial
// needs a private key/passphrase and a host-key verifier, the Telnet
// adapter's needs login/password/failure prompt patterns, and neither
// set of extras belongs on the shared ConnectConfig. The Socket Bridge
// instead calls a per-protocol Connector closure (see lib/bridge) that
// closes over the concrete adapter and fills in those extras; every
// other method here is identical across both concrete adapters and so
// is called polymorphically through this interface.
type Adapter interface {
	Shell(connId ids.ConnectionId, opts ShellOptions) (Stream, error)
	Exec(connId ids.ConnectionId, opts ExecOptions) (ExecResult, error)
	Resize(connId ids.ConnectionId, rows, cols int) error
	Disconnect(connId ids.ConnectionId) error
	GetConnectionStatus(connId ids.ConnectionId) (string, bool)
	DisconnectSession(sessionId ids.SessionId) error
}

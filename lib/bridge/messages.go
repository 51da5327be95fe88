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

import "github.com/billchurch/webssh2-go/lib/apperr"

// AuthenticateParams is the client→server "authenticate" message body.
type AuthenticateParams struct {
	Username   string
	Host       string
	Port       int
	Password   string
	PrivateKey string
	Passphrase string
	Term       string
	Cols       int
	Rows       int
}

func (p AuthenticateParams) validate() error {
	if p.Username == "" {
		return apperr.Validation("authenticate requires a non-empty username")
	}
	if p.Host == "" {
		return apperr.Validation("authenticate requires a non-empty host")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return apperr.Validation("authenticate requires a port in 1-65535")
	}
	if p.Password == "" && p.PrivateKey == "" {
		return apperr.Validation("authenticate requires a password or a private key")
	}
	return nil
}

// TerminalParams is the client→server "terminal" message body, answering
// a server-issued getTerminal.
type TerminalParams struct {
	Term string
	Cols int
	Rows int
	Env  map[string]string
}

func (p TerminalParams) validate() error {
	if p.Cols <= 0 || p.Rows <= 0 {
		return apperr.Validation("terminal requires cols,rows >= 1")
	}
	return nil
}

// ResizeParams is the client→server "resize" message body.
type ResizeParams struct {
	Cols int
	Rows int
}

func (p ResizeParams) validate() error {
	if p.Cols <= 0 || p.Rows <= 0 {
		return apperr.Validation("resize requires cols,rows >= 1")
	}
	return nil
}

// ExecParams is the client→server "exec" message body.
type ExecParams struct {
	Command    string
	Pty        bool
	Term       string
	Cols       int
	Rows       int
	Env        map[string]string
	TimeoutMs  int
}

func (p ExecParams) validate() error {
	if p.Command == "" {
		return apperr.Validation("exec requires a non-empty command")
	}
	return nil
}

// ControlAction is the closed set of client→server "control" actions.
type ControlAction string

const (
	ControlReplayCredentials ControlAction = "replayCredentials"
	ControlReauth            ControlAction = "reauth"
	ControlDisconnect        ControlAction = "disconnect"
)

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

import "github.com/billchurch/webssh2-go/lib/ids"

// Action is the closed set of mutations the reducer understands. The
// unexported marker method keeps the set closed to this package, matching
// the teacher's use of sealed types.Resource kinds in the lib/services
// package.
type Action interface {
	isAction()
}

type AuthSuccess struct {
	Username string
	Method   string
}

type AuthFailure struct {
	Error  string
	Method string
}

type AuthClear struct{}

type ConnectionStart struct {
	Host string
	Port int
}

type ConnectionEstablished struct {
	ConnectionId ids.ConnectionId
}

type ConnectionErrorAction struct {
	Error string
}

type ConnectionClosed struct{}

type TerminalResize struct {
	Rows int
	Cols int
}

type TerminalSetEnv struct {
	Environment map[string]string
}

type TerminalInit struct {
	Term        string
	Rows        int
	Cols        int
	Environment map[string]string
	Cwd         string
}

type TerminalDestroy struct{}

type MetadataUpdate struct {
	UserId    *string
	ClientIp  *string
	UserAgent *string
}

func (AuthSuccess) isAction()           {}
func (AuthFailure) isAction()           {}
func (AuthClear) isAction()             {}
func (ConnectionStart) isAction()       {}
func (ConnectionEstablished) isAction() {}
func (ConnectionErrorAction) isAction() {}
func (ConnectionClosed) isAction()      {}
func (TerminalResize) isAction()        {}
func (TerminalSetEnv) isAction()        {}
func (TerminalInit) isAction()          {}
func (TerminalDestroy) isAction()       {}
func (MetadataUpdate) isAction()        {}

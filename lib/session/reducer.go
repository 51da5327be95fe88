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

// reduce is the pure, total reducer: for every (state, action) pair it
// returns a next state. Illegal transitions return the input state
// unchanged with applied=false and a reason string the Store logs at warn
// level; the reducer itself never panics or errors.
func reduce(s Session, a Action) (next Session, applied bool, reason string) {
	switch act := a.(type) {

	case AuthSuccess:
		next = s.clone()
		next.Auth = AuthState{Status: AuthAuthenticated, Username: act.Username, Method: act.Method}
		return next, true, ""

	case AuthFailure:
		next = s.clone()
		next.Auth = AuthState{Status: AuthFailed, Method: act.Method, ErrorMessage: act.Error}
		return next, true, ""

	case AuthClear:
		next = s.clone()
		next.Auth = AuthState{Status: AuthIdle}
		return next, true, ""

	case ConnectionStart:
		if s.Auth.Status != AuthAuthenticated {
			return s, false, "CONNECTION_START requires auth.status=authenticated"
		}
		next = s.clone()
		next.Connection = ConnectionState{Status: ConnConnecting, Host: act.Host, Port: act.Port}
		return next, true, ""

	case ConnectionEstablished:
		if s.Auth.Status != AuthAuthenticated {
			return s, false, "CONNECTION_ESTABLISHED requires auth.status=authenticated"
		}
		if act.ConnectionId == "" {
			return s, false, "CONNECTION_ESTABLISHED requires a non-empty connectionId"
		}
		next = s.clone()
		next.Connection.Status = ConnConnected
		next.Connection.ConnectionId = act.ConnectionId
		next.Connection.ErrorMessage = ""
		return next, true, ""

	case ConnectionErrorAction:
		next = s.clone()
		next.Connection.Status = ConnError
		next.Connection.ErrorMessage = act.Error
		return next, true, ""

	case ConnectionClosed:
		next = s.clone()
		next.Connection.Status = ConnClosed
		next.Connection.ConnectionId = ""
		return next, true, ""

	case TerminalResize:
		if act.Rows < 1 || act.Cols < 1 {
			return s, false, "TERMINAL_RESIZE requires rows,cols >= 1"
		}
		next = s.clone()
		next.Terminal.Rows = act.Rows
		next.Terminal.Cols = act.Cols
		return next, true, ""

	case TerminalSetEnv:
		next = s.clone()
		for k, v := range act.Environment {
			next.Terminal.Environment[k] = v
		}
		return next, true, ""

	case TerminalInit:
		if act.Rows < 1 || act.Cols < 1 {
			return s, false, "TERMINAL_INIT requires rows,cols >= 1"
		}
		next = s.clone()
		next.Terminal.Term = act.Term
		next.Terminal.Rows = act.Rows
		next.Terminal.Cols = act.Cols
		next.Terminal.Cwd = act.Cwd
		for k, v := range act.Environment {
			next.Terminal.Environment[k] = v
		}
		return next, true, ""

	case TerminalDestroy:
		next = s.clone()
		next.Terminal.Environment = map[string]string{}
		next.Terminal.Cwd = ""
		return next, true, ""

	case MetadataUpdate:
		next = s.clone()
		if act.UserId != nil {
			next.Metadata.UserId = *act.UserId
		}
		if act.ClientIp != nil {
			next.Metadata.ClientIp = *act.ClientIp
		}
		if act.UserAgent != nil {
			next.Metadata.UserAgent = *act.UserAgent
		}
		return next, true, ""

	default:
		return s, false, "unknown action type"
	}
}

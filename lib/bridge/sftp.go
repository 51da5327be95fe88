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
	"github.com/billchurch/webssh2-go/lib/apperr"
	"github.com/billchurch/webssh2-go/lib/ids"
	"github.com/billchurch/webssh2-go/lib/sftp"
)

// SftpCapabilityFor opens the file-transfer capability bound to
// sessionId's live connection, enforcing the AllowFileTransfer
// permission the session's Bridge was configured with. File transfer
// travels over its own HTTP request/response, not the socket's event
// protocol, so the HTTP Routing Shim calls this directly rather than
// going through a Bridge Handle* method.
func (m *Manager) SftpCapabilityFor(sessionId ids.SessionId) (sftp.Capability, error) {
	m.mu.Lock()
	b, ok := m.bySession[sessionId]
	m.mu.Unlock()
	if !ok {
		return nil, apperr.Connection(apperr.CodeRefused, nil, "no active connection for session %s", sessionId)
	}

	b.mu.Lock()
	proto, connId := b.protocol, b.connId
	b.mu.Unlock()

	if !b.opts.AllowFileTransfer {
		return nil, apperr.Policy(apperr.CodePolicyBlocked, nil, "file transfer is disabled for this session")
	}
	if connId == "" {
		return nil, apperr.Connection(apperr.CodeRefused, nil, "session %s has no open connection", sessionId)
	}
	provider, ok := b.deps.SftpProviders[proto]
	if !ok {
		return nil, apperr.Sftp(apperr.CodeOperationFailed, nil, "file transfer is not available over %q", proto)
	}
	return sftp.Open(provider, connId)
}

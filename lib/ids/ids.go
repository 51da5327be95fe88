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

// Package ids generates the opaque, process-wide unique identifiers used
// throughout the gateway: SessionId, ConnectionId, PromptId and
// TransferId. All four share the same underlying shape (a UUIDv4 string)
// but are kept as distinct types so a SessionId can never be passed where
// a ConnectionId is expected.
package ids

import "github.com/google/uuid"

// SessionId identifies a Session owned by the Session Store.
type SessionId string

// ConnectionId identifies a Connection owned by the Connection Pool.
type ConnectionId string

// PromptId identifies a TrackedPrompt owned by the Prompt Tracker.
type PromptId string

// TransferId identifies a single SFTP file operation.
type TransferId string

// NewSessionId returns a new, cryptographically random SessionId.
func NewSessionId() SessionId { return SessionId(uuid.New().String()) }

// NewConnectionId returns a new, cryptographically random ConnectionId.
func NewConnectionId() ConnectionId { return ConnectionId(uuid.New().String()) }

// NewPromptId returns a new, cryptographically random PromptId.
func NewPromptId() PromptId { return PromptId(uuid.New().String()) }

// NewTransferId returns a new, cryptographically random TransferId.
func NewTransferId() TransferId { return TransferId(uuid.New().String()) }

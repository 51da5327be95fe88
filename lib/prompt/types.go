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

// Package prompt correlates server-issued interactive prompts with
// client responses, enforcing that only the owning socket may respond
// and that pending state per socket stays bounded.
package prompt

import (
	"time"

	"github.com/billchurch/webssh2-go/lib/ids"
)

// AllowedIcons is the icon allow-list from spec.md §4.C.
var AllowedIcons = map[string]struct{}{
	"info":     {},
	"warning":  {},
	"error":    {},
	"question": {},
	"lock":     {},
}

// Button is one selectable response action.
type Button struct {
	Action string
	Label  string
}

// Input is one requested text field.
type Input struct {
	Key      string
	Label    string
	Required bool
	Secret   bool
}

// Payload is the wire-stable prompt shape from spec.md §6.
type Payload struct {
	Title   string
	Message string
	Icon    string
	Buttons []Button
	Inputs  []Input
	Timeout time.Duration
}

// TrackedPrompt is the tracker's internal record of one outstanding
// prompt.
type TrackedPrompt struct {
	ID              ids.PromptId
	SocketId        string
	Payload         Payload
	CreatedAt       time.Time
	TimeoutAt       time.Time
	ExpectedButtons map[string]struct{}
	ExpectedInputs  map[string]struct{}
}

// Response is a client's reply to a prompt.
type Response struct {
	ID     ids.PromptId
	Action string
	Inputs map[string]string
}

const (
	ActionDismissed = "dismissed"
	ActionTimeout   = "timeout"
)

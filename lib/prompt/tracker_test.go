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

package prompt

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/billchurch/webssh2-go/lib/apperr"
)

func samplePayload() Payload {
	return Payload{
		Title:   "Unknown host key",
		Message: "Accept the new host key?",
		Icon:    "warning",
		Buttons: []Button{{Action: "accept", Label: "Accept"}, {Action: "reject", Label: "Reject"}},
		Inputs:  []Input{{Key: "note", Label: "Reason", Required: false}},
		Timeout: 30 * time.Second,
	}
}

func TestTrackAndValidateHappyPath(t *testing.T) {
	tr := NewTracker(clockwork.NewFakeClock(), 5)
	id, err := tr.Track("s1", samplePayload())
	require.NoError(t, err)

	err = tr.Validate("s1", Response{ID: id, Action: "accept", Inputs: map[string]string{"note": ""}})
	require.NoError(t, err)

	_, ok := tr.Get(id)
	require.False(t, ok, "validated prompt must be removed")
}

func TestForeignSocketRejected(t *testing.T) {
	tr := NewTracker(clockwork.NewFakeClock(), 5)
	id, err := tr.Track("s1", samplePayload())
	require.NoError(t, err)

	err = tr.Validate("s2", Response{ID: id, Action: "accept", Inputs: map[string]string{"note": ""}})
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.CodeForeignPrompt, ae.Code)

	// Prompt must still be pending for its owner.
	_, ok = tr.Get(id)
	require.True(t, ok)
}

func TestExpiredPromptRejectedAndRemoved(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := NewTracker(clock, 5)
	id, err := tr.Track("s1", samplePayload())
	require.NoError(t, err)

	clock.Advance(31 * time.Second)

	err = tr.Validate("s1", Response{ID: id, Action: "accept", Inputs: map[string]string{"note": ""}})
	require.Error(t, err)
	ae, _ := apperr.As(err)
	require.Equal(t, apperr.CodeExpired, ae.Code)

	_, ok := tr.Get(id)
	require.False(t, ok)
}

func TestTooManyPending(t *testing.T) {
	tr := NewTracker(clockwork.NewFakeClock(), 2)
	_, err := tr.Track("s1", samplePayload())
	require.NoError(t, err)
	_, err = tr.Track("s1", samplePayload())
	require.NoError(t, err)
	_, err = tr.Track("s1", samplePayload())
	require.Error(t, err)
	ae, _ := apperr.As(err)
	require.Equal(t, apperr.CodeMaxPrompts, ae.Code)
}

func TestUnexpectedActionRejected(t *testing.T) {
	tr := NewTracker(clockwork.NewFakeClock(), 5)
	id, err := tr.Track("s1", samplePayload())
	require.NoError(t, err)

	err = tr.Validate("s1", Response{ID: id, Action: "delete-everything", Inputs: map[string]string{"note": ""}})
	require.Error(t, err)
}

func TestDismissedAndTimeoutAlwaysAllowed(t *testing.T) {
	tr := NewTracker(clockwork.NewFakeClock(), 5)
	id, err := tr.Track("s1", samplePayload())
	require.NoError(t, err)
	require.NoError(t, tr.Validate("s1", Response{ID: id, Action: ActionDismissed, Inputs: map[string]string{"note": ""}}))
}

func TestMissingRequiredInput(t *testing.T) {
	p := samplePayload()
	p.Inputs = []Input{{Key: "password", Label: "Password", Required: true, Secret: true}}
	tr := NewTracker(clockwork.NewFakeClock(), 5)
	id, err := tr.Track("s1", p)
	require.NoError(t, err)

	err = tr.Validate("s1", Response{ID: id, Action: "accept", Inputs: map[string]string{"password": ""}})
	require.Error(t, err)
}

func TestHTMLInInputRejected(t *testing.T) {
	tr := NewTracker(clockwork.NewFakeClock(), 5)
	id, err := tr.Track("s1", samplePayload())
	require.NoError(t, err)

	err = tr.Validate("s1", Response{ID: id, Action: "accept", Inputs: map[string]string{"note": "<script>evil()</script>"}})
	require.Error(t, err)
}

func TestRemoveAllForSocketIdempotent(t *testing.T) {
	tr := NewTracker(clockwork.NewFakeClock(), 5)
	_, err := tr.Track("s1", samplePayload())
	require.NoError(t, err)

	tr.RemoveAllForSocket("s1")
	tr.RemoveAllForSocket("s1") // must not panic
}

func TestPayloadValidationRejectsBadTitleAndTimeout(t *testing.T) {
	tr := NewTracker(clockwork.NewFakeClock(), 5)

	p := samplePayload()
	p.Title = ""
	_, err := tr.Track("s1", p)
	require.Error(t, err)

	p = samplePayload()
	p.Timeout = 10 * time.Millisecond
	_, err = tr.Track("s1", p)
	require.Error(t, err)
}

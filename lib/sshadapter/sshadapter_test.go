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

package sshadapter

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/billchurch/webssh2-go/lib/adapter"
	"github.com/billchurch/webssh2-go/lib/pool"
	"github.com/billchurch/webssh2-go/lib/session"
)

func newTestAdapter() *Adapter {
	clock := clockwork.NewFakeClock()
	p := pool.New(clock, nil)
	store := session.NewStore(clock, nil)
	return New(clock, nil, p, store, nil, nil)
}

func TestBuildAuthMethodsPrefersPassword(t *testing.T) {
	a := newTestAdapter()
	cfg := Config{
		ConnectConfig: adapter.ConnectConfig{Password: "s3cret"},
		PrivateKey:    []byte("not-really-a-key"),
	}
	methods, name := a.buildAuthMethods(cfg)
	require.Equal(t, "password", name)
	require.Len(t, methods, 1)
}

func TestBuildAuthMethodsFallsBackToKeyboardInteractive(t *testing.T) {
	a := newTestAdapter()
	cfg := Config{TryKeyboard: true}
	methods, name := a.buildAuthMethods(cfg)
	require.Equal(t, "keyboard-interactive", name)
	require.Len(t, methods, 1)
}

func TestBuildAuthMethodsNoneAvailable(t *testing.T) {
	a := newTestAdapter()
	methods, name := a.buildAuthMethods(Config{})
	require.Equal(t, "none", name)
	require.Empty(t, methods)
}

func TestKeyboardInteractiveAutoAnswersPasswordPrompt(t *testing.T) {
	a := newTestAdapter()
	cfg := Config{ConnectConfig: adapter.ConnectConfig{Password: "hunter2"}}
	challenge := a.keyboardInteractive(cfg)

	answers, err := challenge("", "", []string{"Password:"}, []bool{false})
	require.NoError(t, err)
	require.Equal(t, []string{"hunter2"}, answers)
}

func TestKeyboardInteractiveForwardsWhenFlagSet(t *testing.T) {
	a := newTestAdapter()
	var seen string
	cfg := Config{
		ConnectConfig: adapter.ConnectConfig{
			Password: "hunter2",
			OnKeyboardInteractive: func(name, instruction, question string, echo bool) (string, error) {
				seen = question
				return "forwarded", nil
			},
			ForwardAllPrompts: true,
		},
	}
	challenge := a.keyboardInteractive(cfg)

	answers, err := challenge("", "", []string{"Password:"}, []bool{false})
	require.NoError(t, err)
	require.Equal(t, []string{"forwarded"}, answers)
	require.Equal(t, "Password:", seen)
}

func TestGetConnectionStatusUnknown(t *testing.T) {
	a := newTestAdapter()
	_, ok := a.GetConnectionStatus("missing")
	require.False(t, ok)
}

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

package logging

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/billchurch/webssh2-go/lib/apperr"
)

func mustParseIPs(t *testing.T, addrs ...string) []net.IP {
	t.Helper()
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ip := net.ParseIP(a)
		require.NotNil(t, ip, "invalid test address %q", a)
		ips[i] = ip
	}
	return ips
}

func TestCheckHostAllowsLiteralIPInAllowedSubnet(t *testing.T) {
	p, err := NewPolicy(PolicyConfig{AllowedCIDRs: []string{"10.0.0.0/8"}})
	require.NoError(t, err)
	require.NoError(t, p.CheckHost("10.1.2.3"))
}

func TestCheckHostRejectsLiteralIPOutsideAllowedSubnet(t *testing.T) {
	p, err := NewPolicy(PolicyConfig{AllowedCIDRs: []string{"10.0.0.0/8"}})
	require.NoError(t, err)
	err = p.CheckHost("192.168.1.1")
	ae, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.CodeSubnetBlocked, ae.Code)
}

func TestCheckHostDeniedSubnetWinsOverAllowed(t *testing.T) {
	p, err := NewPolicy(PolicyConfig{
		AllowedCIDRs: []string{"10.0.0.0/8"},
		DeniedCIDRs:  []string{"10.1.0.0/16"},
	})
	require.NoError(t, err)
	err = p.CheckHost("10.1.2.3")
	ae, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.CodeSubnetBlocked, ae.Code)
	require.NoError(t, p.CheckHost("10.2.2.3"))
}

func TestCheckHostWithNoAllowListAllowsAnyNonDeniedHost(t *testing.T) {
	p, err := NewPolicy(PolicyConfig{DeniedCIDRs: []string{"192.168.0.0/16"}})
	require.NoError(t, err)
	require.NoError(t, p.CheckHost("203.0.113.5"))
	err = p.CheckHost("192.168.5.5")
	ae, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.CodeSubnetBlocked, ae.Code)
}

// TestCheckHostLoopsOverEveryResolvedAddress exercises the same loop CheckHost runs over
// net.LookupIP's result set, without making a real DNS query: it
// builds the Policy directly and calls the unexported check against a
// synthetic address list standing in for a multi-A-record host.
func TestCheckHostLoopsOverEveryResolvedAddress(t *testing.T) {
	p, err := NewPolicy(PolicyConfig{AllowedCIDRs: []string{"10.0.0.0/8"}})
	require.NoError(t, err)

	// A host whose first address is outside the allow list but whose
	// second is inside it must still be allowed.
	require.NoError(t, p.checkIPs("multi.example", mustParseIPs(t, "192.0.2.1", "10.5.5.5")))

	// A host whose last address is denied must still be rejected, even
	// though every earlier address is allowed.
	p2, err := NewPolicy(PolicyConfig{
		AllowedCIDRs: []string{"10.0.0.0/8"},
		DeniedCIDRs:  []string{"10.9.0.0/16"},
	})
	require.NoError(t, err)
	err = p2.checkIPs("multi.example", mustParseIPs(t, "10.1.1.1", "10.9.9.9"))
	ae, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.CodeSubnetBlocked, ae.Code)
}

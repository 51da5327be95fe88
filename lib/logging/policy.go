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

	"github.com/billchurch/webssh2-go/lib/apperr"
)

// Policy evaluates the connection-admission rules the SSH/Telnet
// adapters consult before dialing: a target-subnet allow/deny list and
// which auth methods are enabled at all, independent of whether a
// given attempt's credentials are valid.
type Policy struct {
	allowedNets    []*net.IPNet
	deniedNets     []*net.IPNet
	passwordOK     bool
	publicKeyOK    bool
	keyboardIntOK  bool
}

// PolicyConfig is the declarative form of Policy.
type PolicyConfig struct {
	AllowedCIDRs        []string
	DeniedCIDRs         []string
	AllowPassword       bool
	AllowPublicKey      bool
	AllowKeyboardInteractive bool
}

func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	p := &Policy{
		passwordOK:    cfg.AllowPassword,
		publicKeyOK:   cfg.AllowPublicKey,
		keyboardIntOK: cfg.AllowKeyboardInteractive,
	}
	for _, c := range cfg.AllowedCIDRs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, apperr.New(apperr.KindConfig, "", err, "invalid allowed CIDR %q", c)
		}
		p.allowedNets = append(p.allowedNets, n)
	}
	for _, c := range cfg.DeniedCIDRs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, apperr.New(apperr.KindConfig, "", err, "invalid denied CIDR %q", c)
		}
		p.deniedNets = append(p.deniedNets, n)
	}
	return p, nil
}

// CheckHost enforces the subnet allow/deny list. An empty allow list
// means "allow everything not explicitly denied". A hostname can
// resolve to several addresses (multiple A/AAAA records); every one of
// them is checked: the host is rejected if any address is in a denied
// subnet and, when an allow list is set, accepted if at least one
// address is in an allowed subnet.
func (p *Policy) CheckHost(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		return p.checkIPs(host, []net.IP{ip})
	}
	addrs, err := net.LookupIP(host)
	if err != nil || len(addrs) == 0 {
		return apperr.Connection(apperr.CodeHostUnreachable, err, "cannot resolve host %q", host)
	}
	return p.checkIPs(host, addrs)
}

// checkIPs applies the allow/deny subnet rules to every address a host
// resolved to: a host is denied if any address falls in a denied
// subnet, and (when an allow list is configured) allowed only if at
// least one address falls in an allowed subnet.
func (p *Policy) checkIPs(host string, ips []net.IP) error {
	for _, ip := range ips {
		for _, n := range p.deniedNets {
			if n.Contains(ip) {
				return apperr.Policy(apperr.CodeSubnetBlocked, nil, "host %q is in a denied subnet", host)
			}
		}
	}
	if len(p.allowedNets) == 0 {
		return nil
	}
	for _, ip := range ips {
		for _, n := range p.allowedNets {
			if n.Contains(ip) {
				return nil
			}
		}
	}
	return apperr.Policy(apperr.CodeSubnetBlocked, nil, "host %q is not in an allowed subnet", host)
}

// CheckAuthMethod rejects an auth method the deployment has disabled
// outright, before any credential is evaluated.
func (p *Policy) CheckAuthMethod(method string) error {
	switch method {
	case "password":
		if !p.passwordOK {
			return apperr.Auth(apperr.CodePolicyBlocked, nil, "password authentication is disabled")
		}
	case "publickey":
		if !p.publicKeyOK {
			return apperr.Auth(apperr.CodePolicyBlocked, nil, "public key authentication is disabled")
		}
	case "keyboard-interactive":
		if !p.keyboardIntOK {
			return apperr.Auth(apperr.CodePolicyBlocked, nil, "keyboard-interactive authentication is disabled")
		}
	default:
		return apperr.Auth(apperr.CodeNoMethod, nil, "unknown auth method %q", method)
	}
	return nil
}

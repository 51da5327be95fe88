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

import "regexp"

var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// defaultEnvDenyList removes the names most likely to leak credentials
// or let a client pivot off the gateway's own process environment.
var defaultEnvDenyList = map[string]struct{}{
	"SSH_AUTH_SOCK":         {},
	"SSH_AGENT_PID":         {},
	"AWS_SECRET_ACCESS_KEY": {},
	"AWS_SESSION_TOKEN":     {},
	"AZURE_CLIENT_SECRET":   {},
	"GOOGLE_APPLICATION_CREDENTIALS": {},
	"LD_PRELOAD":            {},
	"LD_LIBRARY_PATH":       {},
}

const defaultEnvValueCap = 1024

// EnvFilter enforces spec.md §4.G's environment-filtering rules for both
// shell and exec environments: name shape, a deny-list, and a per-value
// length cap.
type EnvFilter struct {
	DenyList map[string]struct{}
	ValueCap int
}

// NewEnvFilter builds an EnvFilter; a nil denyList uses defaultEnvDenyList
// and a non-positive valueCap uses defaultEnvValueCap.
func NewEnvFilter(denyList map[string]struct{}, valueCap int) *EnvFilter {
	if denyList == nil {
		denyList = defaultEnvDenyList
	}
	if valueCap <= 0 {
		valueCap = defaultEnvValueCap
	}
	return &EnvFilter{DenyList: denyList, ValueCap: valueCap}
}

// Filter returns a copy of env with invalid names dropped, deny-listed
// names dropped, and values truncated to ValueCap bytes.
func (f *EnvFilter) Filter(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if !envNameRe.MatchString(k) {
			continue
		}
		if _, denied := f.DenyList[k]; denied {
			continue
		}
		if len(v) > f.ValueCap {
			v = v[:f.ValueCap]
		}
		out[k] = v
	}
	return out
}

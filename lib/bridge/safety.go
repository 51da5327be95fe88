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
	"regexp"

	"github.com/billchurch/webssh2-go/lib/apperr"
)

// defaultDenyPatterns rejects the most obviously destructive exec forms;
// anything else passes through, since the remote server remains the
// ultimate authority per spec.md §4.G.
var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`;\s*rm\s+-rf\s+/`),
	regexp.MustCompile(`dd\s+.*of=/dev/`),
	regexp.MustCompile(`>\s*/dev/s[a-z]+`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`),
}

// CommandGuard rejects exec commands matching a deny-list of destructive
// shell forms.
type CommandGuard struct {
	deny []*regexp.Regexp
}

// NewCommandGuard builds a CommandGuard; a nil patterns slice uses
// defaultDenyPatterns.
func NewCommandGuard(patterns []*regexp.Regexp) *CommandGuard {
	if patterns == nil {
		patterns = defaultDenyPatterns
	}
	return &CommandGuard{deny: patterns}
}

// Check returns a ValidationError if command matches a denied form.
func (g *CommandGuard) Check(command string) error {
	for _, re := range g.deny {
		if re.MatchString(command) {
			return apperr.Validation("command rejected by safety policy")
		}
	}
	return nil
}

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
	"regexp"

	"github.com/billchurch/webssh2-go/lib/apperr"
)

var (
	htmlLike    = regexp.MustCompile(`<[^>]*>`)
	buttonRe    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
	inputKeyRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)
)

const (
	maxTitleLen   = 120
	maxMessageLen = 1000
	maxValueLen   = 1000
	minTimeoutMs  = 1000
	maxTimeoutMs  = 600000
)

// validatePayload enforces the bit-level shape from spec.md §4.C before a
// prompt is tracked.
func validatePayload(p Payload) error {
	if p.Title == "" || len(p.Title) > maxTitleLen {
		return apperr.Validation("prompt title must be 1-%d characters", maxTitleLen)
	}
	if htmlLike.MatchString(p.Title) {
		return apperr.Validation("prompt title must not contain HTML")
	}
	if len(p.Message) > maxMessageLen {
		return apperr.Validation("prompt message must be at most %d characters", maxMessageLen)
	}
	if htmlLike.MatchString(p.Message) {
		return apperr.Validation("prompt message must not contain HTML")
	}
	if p.Icon != "" {
		if _, ok := AllowedIcons[p.Icon]; !ok {
			return apperr.Validation("prompt icon %q is not allow-listed", p.Icon)
		}
	}
	for _, b := range p.Buttons {
		if !buttonRe.MatchString(b.Action) {
			return apperr.Validation("button action %q is invalid", b.Action)
		}
	}
	for _, in := range p.Inputs {
		if !inputKeyRe.MatchString(in.Key) {
			return apperr.Validation("input key %q is invalid", in.Key)
		}
	}
	ms := p.Timeout.Milliseconds()
	if ms < minTimeoutMs || ms > maxTimeoutMs {
		return apperr.Validation("prompt timeout must be between %dms and %dms", minTimeoutMs, maxTimeoutMs)
	}
	return nil
}

// validateResponse checks a Response against the prompt it claims to
// answer, per the boundary rules in spec.md §4.C/§8. It does not check
// ownership or expiry; the caller (Tracker.Validate) does that first.
func validateResponse(tp *TrackedPrompt, resp Response) error {
	if resp.Action != ActionDismissed && resp.Action != ActionTimeout {
		if _, ok := tp.ExpectedButtons[resp.Action]; !ok {
			return apperr.Validation("action %q is not one of the prompt's buttons", resp.Action)
		}
	}

	if len(resp.Inputs) != len(tp.ExpectedInputs) {
		return apperr.Validation("response inputs do not match the prompt's expected inputs")
	}
	for k := range resp.Inputs {
		if _, ok := tp.ExpectedInputs[k]; !ok {
			return apperr.Validation("unexpected input key %q", k)
		}
	}

	for _, in := range tp.Payload.Inputs {
		v, present := resp.Inputs[in.Key]
		if in.Required && (!present || v == "") {
			return apperr.Validation("required input %q is missing", in.Key)
		}
		if present {
			if len(v) > maxValueLen {
				return apperr.Validation("input %q exceeds %d characters", in.Key, maxValueLen)
			}
			if htmlLike.MatchString(v) {
				return apperr.Validation("input %q must not contain HTML", in.Key)
			}
		}
	}

	return nil
}

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

// Package apperr is the gateway's closed error taxonomy. Every adapter and
// service operation returns an *AppError instead of a raw error so the
// Socket Bridge can map failures to user-visible messages without string
// matching. AppError wraps a github.com/gravitational/trace error for
// stack traces and classification helpers (trace.IsNotFound, and so on)
// while carrying the gateway's own Kind for wire mapping.
package apperr

import (
	"fmt"

	"github.com/gravitational/trace"
)

// Kind is the closed taxonomy from the error handling design.
type Kind string

const (
	KindConfig       Kind = "config"
	KindValidation   Kind = "validation"
	KindAuth         Kind = "auth"
	KindConnection   Kind = "connection"
	KindProtocol     Kind = "protocol"
	KindPolicy       Kind = "policy"
	KindSftp         Kind = "sftp"
	KindInternal     Kind = "internal"
)

// Code is a machine-readable sub-reason within a Kind.
type Code string

const (
	// Auth codes.
	CodeInvalidCredentials Code = "invalid_credentials"
	CodePolicyBlocked      Code = "policy_blocked"
	CodeNoMethod           Code = "no_method"
	CodeInterrupted        Code = "interrupted"

	// Connection codes.
	CodeTimeout         Code = "timeout"
	CodeRefused         Code = "refused"
	CodeHostUnreachable Code = "host_unreachable"
	CodeHostKeyMismatch Code = "host_key_mismatch"
	CodeHostKeyUnknown  Code = "host_key_unknown"
	CodeClosed          Code = "closed"

	// Protocol codes.
	CodeNegotiation      Code = "negotiation"
	CodeUnexpectedPrompt Code = "unexpected_prompt"

	// Policy codes.
	CodeSubnetBlocked Code = "subnet_blocked"
	CodeRateLimited   Code = "rate_limited"
	CodeMaxPrompts    Code = "max_prompts"

	// Sftp codes.
	CodeNotFound          Code = "not_found"
	CodePermissionDenied  Code = "permission_denied"
	CodeOperationFailed   Code = "operation_failed"

	// Prompt validator specific (surfaced as validation/policy errors).
	CodeTooManyPending Code = "too_many_pending"
	CodeUnknownPrompt  Code = "unknown_prompt"
	CodeForeignPrompt  Code = "foreign_prompt"
	CodeExpired        Code = "expired"
)

// AppError is the gateway-wide error type.
type AppError struct {
	Kind    Kind
	Code    Code
	Message string
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is/As and trace.Unwrap see through to the cause.
func (e *AppError) Unwrap() error { return e.cause }

// New builds an AppError wrapping cause (may be nil) with trace.Wrap so a
// stack trace is captured at the call site, matching the teacher's
// convention of wrapping every returned error with trace.Wrap.
func New(kind Kind, code Code, cause error, format string, args ...interface{}) *AppError {
	msg := fmt.Sprintf(format, args...)
	var wrapped error
	if cause != nil {
		wrapped = trace.Wrap(cause, msg)
	} else {
		wrapped = trace.Errorf("%s", msg)
	}
	return &AppError{Kind: kind, Code: code, Message: msg, cause: wrapped}
}

func Validation(format string, args ...interface{}) *AppError {
	return New(KindValidation, "", nil, format, args...)
}

func Auth(code Code, cause error, format string, args ...interface{}) *AppError {
	return New(KindAuth, code, cause, format, args...)
}

func Connection(code Code, cause error, format string, args ...interface{}) *AppError {
	return New(KindConnection, code, cause, format, args...)
}

func Protocol(code Code, cause error, format string, args ...interface{}) *AppError {
	return New(KindProtocol, code, cause, format, args...)
}

func Policy(code Code, cause error, format string, args ...interface{}) *AppError {
	return New(KindPolicy, code, cause, format, args...)
}

func Sftp(code Code, cause error, format string, args ...interface{}) *AppError {
	return New(KindSftp, code, cause, format, args...)
}

// As extracts an *AppError from err, following wrapped causes.
func As(err error) (*AppError, bool) {
	var ae *AppError
	if errorsAs(err, &ae) {
		return ae, true
	}
	return nil, false
}

// errorsAs walks err's Unwrap chain by hand looking for an *AppError,
// with the same signature shape as the standard library's errors.As;
// this file does not import "errors".
func errorsAs(err error, target **AppError) bool {
	for err != nil {
		if ae, ok := err.(*AppError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

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

// Package config loads and validates the gateway's configuration from
// environment variables prefixed WEBSSH2_ (plus the legacy bare PORT),
// following the teacher's Config/CheckAndSetDefaults convention
// (lib/srv/authhandlers.go, lib/client/client.go) rather than a
// file-format parser: spec.md §6 names only environment variables as
// this gateway's configuration surface.
package config

import (
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// SSHConfig holds SSH-specific dial and policy settings.
type SSHConfig struct {
	Host                string
	Port                int
	Term                string
	ReadyTimeout        time.Duration
	KeepaliveInterval   time.Duration
	KeepaliveCountMax   int
	AllowedSubnets      []string
	TryKeyboard         bool
	ForwardAllPrompts   bool
}

func (c *SSHConfig) checkAndSetDefaults() error {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Term == "" {
		c.Term = "xterm-256color"
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 15 * time.Second
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 10 * time.Second
	}
	if c.KeepaliveCountMax == 0 {
		c.KeepaliveCountMax = 3
	}
	for _, cidr := range c.AllowedSubnets {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return trace.BadParameter("ssh.allowedSubnets entry %q is not a valid CIDR: %v", cidr, err)
		}
	}
	return nil
}

// TelnetConfig holds Telnet-specific dial and login-prompt settings.
type TelnetConfig struct {
	Port           int
	LoginPrompt    string
	PasswordPrompt string
	FailureRegex   string
	FailureGrace   time.Duration
}

func (c *TelnetConfig) checkAndSetDefaults() error {
	if c.Port == 0 {
		c.Port = 23
	}
	if c.LoginPrompt == "" {
		c.LoginPrompt = "(?i)login:\\s*$"
	}
	if c.PasswordPrompt == "" {
		c.PasswordPrompt = "(?i)password:\\s*$"
	}
	if c.FailureGrace <= 0 {
		c.FailureGrace = 2 * time.Second
	}
	return nil
}

// SessionConfig holds the auth/permission policy the Socket Bridge
// enforces, mapping onto the `permissions` message from spec.md §6.
type SessionConfig struct {
	Name              string
	SameSite          string
	MaxAuthAttempts   int
	AllowReplay       bool
	AllowReauth       bool
	AllowReconnect    bool
	AllowFileTransfer bool
	ReplayCRLF        bool

	ExecRatePerSec    float64
	PromptRatePerSec  float64
	ControlRatePerSec float64

	EnvValueCap int
	EnvDenyList []string
}

func (c *SessionConfig) checkAndSetDefaults() error {
	if c.Name == "" {
		c.Name = "webssh2.sid"
	}
	if c.SameSite == "" {
		c.SameSite = "lax"
	}
	switch strings.ToLower(c.SameSite) {
	case "lax", "strict", "none":
	default:
		return trace.BadParameter("session.sameSite must be one of lax, strict, none (got %q)", c.SameSite)
	}
	if c.MaxAuthAttempts <= 0 {
		c.MaxAuthAttempts = 3
	}
	if c.EnvValueCap <= 0 {
		c.EnvValueCap = 1024
	}
	return nil
}

// ReplayNewline returns the control sequence appended after a replayed
// password, per spec.md §4.G's "writes the stored password plus
// CRLF/LF (per policy)".
func (c *SessionConfig) ReplayNewline() string {
	if c.ReplayCRLF {
		return "\r\n"
	}
	return "\n"
}

// LoggingConfig controls the Structured Logger and its sampling/syslog
// sinks (lib/logging).
type LoggingConfig struct {
	Level           string
	SampleRate      float64
	RateLimitPerSec float64
	SyslogAddr      string
}

func (c *LoggingConfig) checkAndSetDefaults() error {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 1
	}
	if c.RateLimitPerSec <= 0 {
		c.RateLimitPerSec = 100
	}
	return nil
}

// HTTPConfig controls the HTTP Routing Shim (lib/web).
type HTTPConfig struct {
	ListenAddr string
	Port       int
	Origins    []string
}

func (c *HTTPConfig) checkAndSetDefaults() error {
	if c.Port == 0 {
		c.Port = 2222
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0"
	}
	return nil
}

// Config is the gateway's complete, validated configuration tree.
type Config struct {
	SSH     SSHConfig
	Telnet  TelnetConfig
	Session SessionConfig
	Logging LoggingConfig
	HTTP    HTTPConfig
}

// CheckAndSetDefaults validates every section and fills in defaults,
// matching the teacher's pervasive Config.CheckAndSetDefaults pattern.
// It returns trace.BadParameter on the first invalid field.
func (c *Config) CheckAndSetDefaults() error {
	if err := c.SSH.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Telnet.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Session.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Logging.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.HTTP.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// env abstracts the environment source so tests don't depend on
// process-global state; os.Environ-backed in production.
type env interface {
	Lookup(key string) (string, bool)
}

type osEnv struct {
	vars map[string]string
}

func (e osEnv) Lookup(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

// Load reads WEBSSH2_*-prefixed (and the legacy bare PORT) environment
// variables from environ (as returned by os.Environ) into a validated
// Config.
func Load(environ []string) (*Config, error) {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			vars[kv[:i]] = kv[i+1:]
		}
	}
	e := osEnv{vars: vars}

	cfg := &Config{}

	bindString(e, "WEBSSH2_SSH_HOST", &cfg.SSH.Host)
	bindInt(e, "WEBSSH2_SSH_PORT", &cfg.SSH.Port)
	bindString(e, "WEBSSH2_SSH_TERM", &cfg.SSH.Term)
	bindDuration(e, "WEBSSH2_SSH_READY_TIMEOUT", &cfg.SSH.ReadyTimeout)
	bindDuration(e, "WEBSSH2_SSH_KEEPALIVE_INTERVAL", &cfg.SSH.KeepaliveInterval)
	bindInt(e, "WEBSSH2_SSH_KEEPALIVE_COUNT_MAX", &cfg.SSH.KeepaliveCountMax)
	bindStringList(e, "WEBSSH2_SSH_ALLOWED_SUBNETS", &cfg.SSH.AllowedSubnets)
	bindBool(e, "WEBSSH2_SSH_TRY_KEYBOARD", &cfg.SSH.TryKeyboard)
	bindBool(e, "WEBSSH2_SSH_FORWARD_ALL_PROMPTS", &cfg.SSH.ForwardAllPrompts)

	bindInt(e, "WEBSSH2_TELNET_PORT", &cfg.Telnet.Port)
	bindString(e, "WEBSSH2_TELNET_LOGIN_PROMPT", &cfg.Telnet.LoginPrompt)
	bindString(e, "WEBSSH2_TELNET_PASSWORD_PROMPT", &cfg.Telnet.PasswordPrompt)
	bindString(e, "WEBSSH2_TELNET_FAILURE_REGEX", &cfg.Telnet.FailureRegex)
	bindDuration(e, "WEBSSH2_TELNET_FAILURE_GRACE", &cfg.Telnet.FailureGrace)

	bindString(e, "WEBSSH2_SESSION_NAME", &cfg.Session.Name)
	bindString(e, "WEBSSH2_SESSION_SAME_SITE", &cfg.Session.SameSite)
	bindInt(e, "WEBSSH2_SESSION_MAX_AUTH_ATTEMPTS", &cfg.Session.MaxAuthAttempts)
	bindBool(e, "WEBSSH2_SESSION_ALLOW_REPLAY", &cfg.Session.AllowReplay)
	bindBool(e, "WEBSSH2_SESSION_ALLOW_REAUTH", &cfg.Session.AllowReauth)
	bindBool(e, "WEBSSH2_SESSION_ALLOW_RECONNECT", &cfg.Session.AllowReconnect)
	bindBool(e, "WEBSSH2_SESSION_ALLOW_FILE_TRANSFER", &cfg.Session.AllowFileTransfer)
	bindBool(e, "WEBSSH2_SESSION_REPLAY_CRLF", &cfg.Session.ReplayCRLF)
	bindFloat(e, "WEBSSH2_SESSION_EXEC_RATE_PER_SEC", &cfg.Session.ExecRatePerSec)
	bindFloat(e, "WEBSSH2_SESSION_PROMPT_RATE_PER_SEC", &cfg.Session.PromptRatePerSec)
	bindFloat(e, "WEBSSH2_SESSION_CONTROL_RATE_PER_SEC", &cfg.Session.ControlRatePerSec)
	bindInt(e, "WEBSSH2_SESSION_ENV_VALUE_CAP", &cfg.Session.EnvValueCap)
	bindStringList(e, "WEBSSH2_SESSION_ENV_DENY_LIST", &cfg.Session.EnvDenyList)

	bindString(e, "WEBSSH2_LOGGING_LEVEL", &cfg.Logging.Level)
	bindFloat(e, "WEBSSH2_LOGGING_SAMPLE_RATE", &cfg.Logging.SampleRate)
	bindFloat(e, "WEBSSH2_LOGGING_RATE_LIMIT_PER_SEC", &cfg.Logging.RateLimitPerSec)
	bindString(e, "WEBSSH2_LOGGING_SYSLOG_ADDR", &cfg.Logging.SyslogAddr)

	bindString(e, "WEBSSH2_HTTP_LISTEN_ADDR", &cfg.HTTP.ListenAddr)
	bindInt(e, "WEBSSH2_HTTP_PORT", &cfg.HTTP.Port)
	bindStringList(e, "WEBSSH2_HTTP_ORIGINS", &cfg.HTTP.Origins)

	// Legacy bare PORT, honored the way the original WebSSH2 and most
	// PaaS deployment targets expect, with WEBSSH2_HTTP_PORT taking
	// precedence when both are set.
	if _, explicit := e.Lookup("WEBSSH2_HTTP_PORT"); !explicit {
		bindInt(e, "PORT", &cfg.HTTP.Port)
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

func bindString(e env, key string, dst *string) {
	if v, ok := e.Lookup(key); ok {
		*dst = v
	}
}

func bindBool(e env, key string, dst *bool) {
	v, ok := e.Lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return
	}
	*dst = b
}

func bindInt(e env, key string, dst *int) {
	v, ok := e.Lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func bindFloat(e env, key string, dst *float64) {
	v, ok := e.Lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return
	}
	*dst = f
}

func bindDuration(e env, key string, dst *time.Duration) {
	v, ok := e.Lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return
	}
	*dst = d
}

// bindStringList accepts either a JSON array ("[\"a\",\"b\"]") or a
// comma-separated list ("a,b"), per spec.md §6.
func bindStringList(e env, key string, dst *[]string) {
	v, ok := e.Lookup(key)
	if !ok || v == "" {
		return
	}
	trimmed := strings.TrimSpace(v)
	if strings.HasPrefix(trimmed, "[") {
		var out []string
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
			*dst = out
			return
		}
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

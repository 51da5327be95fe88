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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoEnvironment(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, 22, cfg.SSH.Port)
	require.Equal(t, 23, cfg.Telnet.Port)
	require.Equal(t, "webssh2.sid", cfg.Session.Name)
	require.Equal(t, 3, cfg.Session.MaxAuthAttempts)
	require.Equal(t, 2222, cfg.HTTP.Port)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadBindsExplicitValues(t *testing.T) {
	environ := []string{
		"WEBSSH2_SSH_HOST=example.com",
		"WEBSSH2_SSH_PORT=2022",
		"WEBSSH2_SSH_READY_TIMEOUT=5s",
		"WEBSSH2_SESSION_ALLOW_REPLAY=true",
		"WEBSSH2_SESSION_ALLOW_REAUTH=1",
		"WEBSSH2_SESSION_ENV_DENY_LIST=FOO,BAR",
		"WEBSSH2_HTTP_ORIGINS=[\"https://a.example\",\"https://b.example\"]",
		"PORT=8080",
	}
	cfg, err := Load(environ)
	require.NoError(t, err)
	require.Equal(t, "example.com", cfg.SSH.Host)
	require.Equal(t, 2022, cfg.SSH.Port)
	require.Equal(t, 5*time.Second, cfg.SSH.ReadyTimeout)
	require.True(t, cfg.Session.AllowReplay)
	require.True(t, cfg.Session.AllowReauth)
	require.Equal(t, []string{"FOO", "BAR"}, cfg.Session.EnvDenyList)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.Origins)
	require.Equal(t, 8080, cfg.HTTP.Port)
}

func TestLoadExplicitHTTPPortWinsOverLegacyPORT(t *testing.T) {
	environ := []string{
		"WEBSSH2_HTTP_PORT=9000",
		"PORT=8080",
	}
	cfg, err := Load(environ)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.HTTP.Port)
}

func TestLoadRejectsInvalidSubnetCIDR(t *testing.T) {
	environ := []string{"WEBSSH2_SSH_ALLOWED_SUBNETS=not-a-cidr"}
	_, err := Load(environ)
	require.Error(t, err)
}

func TestLoadRejectsInvalidSameSite(t *testing.T) {
	environ := []string{"WEBSSH2_SESSION_SAME_SITE=bogus"}
	_, err := Load(environ)
	require.Error(t, err)
}

func TestSessionConfigReplayNewline(t *testing.T) {
	cfg := SessionConfig{}
	require.Equal(t, "\n", cfg.ReplayNewline())
	cfg.ReplayCRLF = true
	require.Equal(t, "\r\n", cfg.ReplayNewline())
}

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

package web

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/billchurch/webssh2-go/lib/ids"
	"github.com/billchurch/webssh2-go/lib/sftp"
)

type fakeCapability struct {
	files map[string][]byte
}

func (c *fakeCapability) Stat(ctx context.Context, path string) (sftp.FileInfo, error) {
	return sftp.FileInfo{}, nil
}
func (c *fakeCapability) List(ctx context.Context, dir string) ([]sftp.FileInfo, error) {
	return nil, nil
}
func (c *fakeCapability) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	data, ok := c.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
func (c *fakeCapability) Put(ctx context.Context, path string, mode os.FileMode, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.files[path] = data
	return nil
}
func (c *fakeCapability) Remove(ctx context.Context, path string) error { return nil }
func (c *fakeCapability) Open(ctx context.Context, path string, flags int) (io.ReadWriteCloser, error) {
	return nil, nil
}
func (c *fakeCapability) Close() error { return nil }

type fakeFileResolver struct {
	cap *fakeCapability
	err error
}

func (r *fakeFileResolver) SftpCapabilityFor(sessionId ids.SessionId) (sftp.Capability, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.cap, nil
}

func newTestHandler(t *testing.T) (*Handler, clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	h, err := NewHandler(Config{
		Session: SessionConfig{Name: "webssh2.sid", TTL: time.Minute},
		Clock:   clock,
		Log:     logrus.NewEntry(logrus.New()),
		AssetHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("bundle"))
		}),
	})
	require.NoError(t, err)
	return h, clock
}

func TestPostHostDepositsSessionAndCookie(t *testing.T) {
	h, _ := newTestHandler(t)

	form := url.Values{"username": {"alice"}, "password": {"secret"}, "port": {"2022"}}
	req := httptest.NewRequest(http.MethodPost, "/host/example.com", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	resp := rec.Result()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "webssh2.sid" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	require.True(t, cookie.HttpOnly)

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(cookie)
	sessionID, data := h.SessionFor(req2)
	require.NotEmpty(t, sessionID)
	require.NotNil(t, data.Credentials)
	require.Equal(t, "alice", data.Credentials.Username)
	require.Equal(t, "example.com", data.Credentials.Host)
	require.Equal(t, 2022, data.Credentials.Port)
	require.False(t, data.UsedBasicAuth)
}

func TestPostHostRequiresUsernameAndPassword(t *testing.T) {
	h, _ := newTestHandler(t)

	form := url.Values{"username": {"alice"}}
	req := httptest.NewRequest(http.MethodPost, "/host/example.com", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBasicAuthDepositsSession(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/host/example.com", nil)
	req.SetBasicAuth("bob", "hunter2")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "webssh2.sid" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(cookie)
	_, data := h.SessionFor(req2)
	require.NotNil(t, data.Credentials)
	require.Equal(t, "bob", data.Credentials.Username)
	require.True(t, data.UsedBasicAuth)
}

func TestSessionForWithNoCookieReturnsFreshAnonymousSession(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	id, data := h.SessionFor(req)
	require.NotEmpty(t, id)
	require.Nil(t, data.Credentials)
}

func TestClearCredentialsDropsSession(t *testing.T) {
	h, _ := newTestHandler(t)

	form := url.Values{"username": {"alice"}, "password": {"secret"}}
	req := httptest.NewRequest(http.MethodPost, "/host/example.com", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "webssh2.sid" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)

	clearReq := httptest.NewRequest(http.MethodGet, "/clear-credentials", nil)
	clearReq.AddCookie(cookie)
	clearRec := httptest.NewRecorder()
	h.ServeHTTP(clearRec, clearReq)
	require.Equal(t, http.StatusOK, clearRec.Code)
	require.Equal(t, "Credentials cleared", clearRec.Body.String())

	checkReq := httptest.NewRequest(http.MethodGet, "/", nil)
	checkReq.AddCookie(cookie)
	_, data := h.SessionFor(checkReq)
	require.Nil(t, data.Credentials)
}

func TestForceReconnectReturns401(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/force-reconnect", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Authentication required", rec.Body.String())
}

func TestDownloadFileStreamsCapabilityContent(t *testing.T) {
	resolver := &fakeFileResolver{cap: &fakeCapability{files: map[string][]byte{"/etc/motd": []byte("hello")}}}
	h, err := NewHandler(Config{
		Session: SessionConfig{Name: "webssh2.sid", TTL: time.Minute},
		Clock:   clockwork.NewFakeClock(),
		Log:     logrus.NewEntry(logrus.New()),
		Files:   resolver,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/sftp/download?location=/etc/motd", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello", rec.Body.String())
}

func TestUploadFileWritesThroughCapability(t *testing.T) {
	resolver := &fakeFileResolver{cap: &fakeCapability{files: map[string][]byte{}}}
	h, err := NewHandler(Config{
		Session: SessionConfig{Name: "webssh2.sid", TTL: time.Minute},
		Clock:   clockwork.NewFakeClock(),
		Log:     logrus.NewEntry(logrus.New()),
		Files:   resolver,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/sftp/upload?location=/tmp/out.txt", strings.NewReader("payload"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []byte("payload"), resolver.cap.files["/tmp/out.txt"])
}

func TestFileRoutesAbsentWithoutResolver(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/sftp/download?location=/etc/motd", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionExpiresAfterTTL(t *testing.T) {
	h, clock := newTestHandler(t)

	form := url.Values{"username": {"alice"}, "password": {"secret"}}
	req := httptest.NewRequest(http.MethodPost, "/host/example.com", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "webssh2.sid" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)

	clock.Advance(2 * time.Minute)
	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(cookie)
	_, data := h.SessionFor(req2)
	require.Nil(t, data.Credentials)
}

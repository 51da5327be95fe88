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

// Package sftp wires github.com/pkg/sftp behind the small Capability
// interface the Socket Bridge consumes when a session's permissions
// allow file transfer. The core never parses a wire protocol here: it
// only calls Capability and maps the errors it returns.
package sftp

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/billchurch/webssh2-go/lib/apperr"
	"github.com/billchurch/webssh2-go/lib/ids"
)

// FileInfo is the subset of os.FileInfo the List operation reports,
// kept small and JSON-friendly for direct relay to the browser.
type FileInfo struct {
	Name    string
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	IsDir   bool
}

// Capability is the file-operation surface the Socket Bridge calls
// through, per spec.md §5's file-transfer permission. One Capability
// is bound to one already-authenticated SSH connection.
type Capability interface {
	Stat(ctx context.Context, path string) (FileInfo, error)
	List(ctx context.Context, dir string) ([]FileInfo, error)
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Put(ctx context.Context, path string, mode os.FileMode, r io.Reader) error
	Remove(ctx context.Context, path string) error
	Open(ctx context.Context, path string, flags int) (io.ReadWriteCloser, error)
	Close() error
}

// ClientProvider resolves a connection id to the *ssh.Client that
// backs it. lib/sshadapter.Adapter.Client satisfies this.
type ClientProvider interface {
	Client(connID ids.ConnectionId) (*ssh.Client, error)
}

// capability is the default Capability, one per open connection.
type capability struct {
	client *sftp.Client
}

// Open establishes a new SFTP subsystem channel over the SSH
// connection identified by connID and returns a Capability bound to
// it. The caller owns the returned Capability's lifetime and must
// Close it when the session's file-transfer use is done; it does not
// close the underlying SSH connection.
func Open(provider ClientProvider, connID ids.ConnectionId) (Capability, error) {
	sshClient, err := provider.Client(connID)
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, apperr.Sftp(apperr.CodeOperationFailed, err, "failed to start sftp subsystem")
	}
	return &capability{client: client}, nil
}

func (c *capability) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return FileInfo{}, translateTimeout(err, "stat", path)
	}
	fi, err := c.client.Stat(path)
	if err != nil {
		return FileInfo{}, translate(err, "stat", path)
	}
	return toFileInfo(fi), nil
}

func (c *capability) List(ctx context.Context, dir string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateTimeout(err, "list", dir)
	}
	entries, err := c.client.ReadDir(dir)
	if err != nil {
		return nil, translate(err, "list", dir)
	}
	out := make([]FileInfo, len(entries))
	for i, fi := range entries {
		out[i] = toFileInfo(fi)
	}
	return out, nil
}

func (c *capability) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateTimeout(err, "get", path)
	}
	f, err := c.client.Open(path)
	if err != nil {
		return nil, translate(err, "get", path)
	}
	return f, nil
}

func (c *capability) Put(ctx context.Context, path string, mode os.FileMode, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return translateTimeout(err, "put", path)
	}
	f, err := c.client.Create(path)
	if err != nil {
		return translate(err, "put", path)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return translate(err, "put", path)
	}
	return translate(c.client.Chmod(path, mode), "put", path)
}

func (c *capability) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return translateTimeout(err, "remove", path)
	}
	return translate(c.client.Remove(path), "remove", path)
}

func (c *capability) Open(ctx context.Context, path string, flags int) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateTimeout(err, "open", path)
	}
	f, err := c.client.OpenFile(path, flags)
	if err != nil {
		return nil, translate(err, "open", path)
	}
	return f, nil
}

func (c *capability) Close() error {
	return c.client.Close()
}

func toFileInfo(fi os.FileInfo) FileInfo {
	return FileInfo{
		Name:    fi.Name(),
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}
}

func translateTimeout(err error, op, path string) error {
	return apperr.Sftp(apperr.CodeTimeout, err, "%s %q: context done", op, path)
}

// translate maps *sftp.StatusError's SFTP status codes, and os's
// sentinel errors for local equivalents, onto the closed SftpError
// taxonomy from spec.md §7. Every other error becomes OperationFailed.
func translate(err error, op, path string) error {
	if err == nil {
		return nil
	}
	if statusErr, ok := err.(*sftp.StatusError); ok {
		switch statusErr.FxCode() {
		case sftp.ErrSSHFxNoSuchFile:
			return apperr.Sftp(apperr.CodeNotFound, err, "%s %q: no such file", op, path)
		case sftp.ErrSSHFxPermissionDenied:
			return apperr.Sftp(apperr.CodePermissionDenied, err, "%s %q: permission denied", op, path)
		}
	}
	if os.IsNotExist(err) {
		return apperr.Sftp(apperr.CodeNotFound, err, "%s %q: no such file", op, path)
	}
	if os.IsPermission(err) {
		return apperr.Sftp(apperr.CodePermissionDenied, err, "%s %q: permission denied", op, path)
	}
	return apperr.Sftp(apperr.CodeOperationFailed, err, "%s %q failed", op, path)
}

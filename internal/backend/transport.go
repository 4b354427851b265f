package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"

	"github.com/3cpo-dev/valrun/internal/ssh"
)

// Transport is how the cluster backend reaches the submission host: it runs
// commands there and reads and writes files on the filesystem the batch
// jobs see.
type Transport interface {
	Run(ctx context.Context, command string) (string, error)
	WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error
	// ReadFile returns an error matching os.ErrNotExist for missing files.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Remove(ctx context.Context, path string) error
	MkdirAll(ctx context.Context, path string) error
	// Stage makes a local script reachable from the jobs and returns the
	// path they should use.
	Stage(ctx context.Context, localPath, remoteDir string) (string, error)
	Close() error
}

// SharedFS is the transport for a submission host that shares the local
// filesystem, e.g. when valrun itself runs on a login node.
type SharedFS struct {
	Shell string
}

func NewSharedFS() *SharedFS { return &SharedFS{Shell: "sh"} }

func (s *SharedFS) Run(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, s.Shell, "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("run %q: %w: %s", command, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.String(), nil
}

func (s *SharedFS) WriteFile(_ context.Context, p string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, perm)
}

func (s *SharedFS) ReadFile(_ context.Context, p string) ([]byte, error) {
	return os.ReadFile(p)
}

func (s *SharedFS) Remove(_ context.Context, p string) error { return os.Remove(p) }

func (s *SharedFS) MkdirAll(_ context.Context, p string) error { return os.MkdirAll(p, 0o755) }

// Stage is a no-op on a shared filesystem.
func (s *SharedFS) Stage(_ context.Context, localPath, _ string) (string, error) {
	return filepath.Abs(localPath)
}

func (s *SharedFS) Close() error { return nil }

// SSHTransport reaches a remote submission host over one SSH connection.
type SSHTransport struct {
	Client *ssh.Client
}

func NewSSHTransport(c *ssh.Client) *SSHTransport { return &SSHTransport{Client: c} }

func (s *SSHTransport) Run(ctx context.Context, command string) (string, error) {
	return s.Client.Run(ctx, command)
}

func (s *SSHTransport) WriteFile(ctx context.Context, p string, data []byte, perm os.FileMode) error {
	return s.Client.WriteFile(ctx, p, data, perm)
}

func (s *SSHTransport) ReadFile(ctx context.Context, p string) ([]byte, error) {
	return s.Client.ReadFile(ctx, p)
}

func (s *SSHTransport) Remove(ctx context.Context, p string) error { return s.Client.Remove(ctx, p) }

func (s *SSHTransport) MkdirAll(ctx context.Context, p string) error {
	return s.Client.MkdirAll(ctx, p)
}

// Stage uploads the script next to the job directory and verifies its checksum.
func (s *SSHTransport) Stage(ctx context.Context, localPath, remoteDir string) (string, error) {
	remote := path.Join(remoteDir, filepath.Base(localPath))
	if err := s.Client.PushFile(ctx, localPath, remote); err != nil {
		return "", err
	}
	return remote, nil
}

func (s *SSHTransport) Close() error { return s.Client.Close() }

package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
)

// WriteFile creates or truncates a remote file.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte, perm os.FileMode) error {
	sf, err := c.SFTP(ctx)
	if err != nil {
		return err
	}
	return c.lost(writeFile(sf, remotePath, data, perm))
}

func writeFile(sf *sftp.Client, remotePath string, data []byte, perm os.FileMode) error {
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	f, err := sf.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write remote: %w", err)
	}
	if err := f.Chmod(perm); err != nil {
		return fmt.Errorf("chmod remote: %w", err)
	}
	return nil
}

// ReadFile reads a remote file. A missing file yields an error matching
// os.ErrNotExist.
func (c *Client) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	sf, err := c.SFTP(ctx)
	if err != nil {
		return nil, err
	}
	f, err := sf.Open(remotePath)
	if err != nil {
		return nil, c.lost(err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	return data, c.lost(err)
}

// Remove deletes a remote file.
func (c *Client) Remove(ctx context.Context, remotePath string) error {
	sf, err := c.SFTP(ctx)
	if err != nil {
		return err
	}
	return c.lost(sf.Remove(remotePath))
}

// MkdirAll creates a remote directory tree.
func (c *Client) MkdirAll(ctx context.Context, remotePath string) error {
	sf, err := c.SFTP(ctx)
	if err != nil {
		return err
	}
	return c.lost(sf.MkdirAll(remotePath))
}

// PushFile uploads localPath to remotePath and verifies the sha256 of the
// remote copy. A mismatching upload is removed.
func (c *Client) PushFile(ctx context.Context, localPath, remotePath string) error {
	sum, err := Checksum(localPath)
	if err != nil {
		return fmt.Errorf("local checksum: %w", err)
	}
	sf, err := c.SFTP(ctx)
	if err != nil {
		return err
	}
	if err := c.lost(upload(sf, localPath, remotePath)); err != nil {
		return err
	}

	out, err := c.Run(ctx, fmt.Sprintf("sha256sum %s | cut -d' ' -f1", Quote(remotePath)))
	if err != nil {
		return fmt.Errorf("remote checksum: %w", err)
	}
	if got := strings.TrimSpace(out); got != sum {
		_ = sf.Remove(remotePath)
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", remotePath, sum, got)
	}
	return nil
}

func upload(sf *sftp.Client, localPath, remotePath string) error {
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote: %w", err)
	}
	return nil
}

// Checksum is the hex sha256 of a local file.
func Checksum(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

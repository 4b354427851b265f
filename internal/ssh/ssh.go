// Package ssh talks to a batch submission host: it runs submit commands and
// moves job files over a single long-lived connection.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration

	mu   sync.Mutex
	conn *xssh.Client
	sftp *sftp.Client
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: known hosts callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Connect dials the host with retries and opens the SFTP subsystem. It is a
// no-op while the current connection is alive.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	cfg, err := c.makeConfig()
	if err != nil {
		return err
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		conn, err := dial(ctx, c.Addr, cfg)
		if err == nil {
			sf, err := sftp.NewClient(conn)
			if err != nil {
				_ = conn.Close()
				return fmt.Errorf("sftp client: %w", err)
			}
			c.conn, c.sftp = conn, sf
			go c.watch(conn)
			return nil
		}
		lastErr = err
		log.Warn().Err(err).Str("addr", c.Addr).Int("attempt", attempt+1).Msg("ssh dial failed")
		if attempt < retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return fmt.Errorf("ssh dial %s: %w", c.Addr, lastErr)
}

func dial(ctx context.Context, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

// watch forgets conn once it terminates so the next call dials again.
func (c *Client) watch(conn *xssh.Client) {
	err := conn.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	log.Warn().Err(err).Str("addr", c.Addr).Msg("ssh connection lost")
	_ = c.resetLocked()
}

func (c *Client) resetLocked() error {
	if c.conn == nil {
		return nil
	}
	if c.sftp != nil {
		_ = c.sftp.Close()
	}
	err := c.conn.Close()
	c.conn, c.sftp = nil, nil
	return err
}

// connLost reports whether err means the connection itself is gone rather
// than the operation failing on the remote side.
func connLost(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, sftp.ErrSSHFxConnectionLost)
}

// lost drops the cached connection when err shows it died and returns err.
func (c *Client) lost(err error) error {
	if err != nil && connLost(err) {
		c.mu.Lock()
		_ = c.resetLocked()
		c.mu.Unlock()
	}
	return err
}

// drop forgets conn if it is still the cached connection.
func (c *Client) drop(conn *xssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.resetLocked()
	}
}

// Run executes command in a new session and returns its stdout. A non-zero
// exit status is returned as an error carrying stderr.
func (c *Client) Run(ctx context.Context, command string) (string, error) {
	if err := c.Connect(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return "", errors.New("ssh: connection closed")
	}

	session, err := conn.NewSession()
	if err != nil {
		c.drop(conn)
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if err := session.Run(command); err != nil {
		var missing *xssh.ExitMissingError
		if errors.As(err, &missing) {
			c.drop(conn)
		} else {
			_ = c.lost(err)
		}
		return stdout.String(), fmt.Errorf("run %q: %w: %s", command, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.String(), nil
}

// SFTP returns the file transfer client, connecting first if needed.
func (c *Client) SFTP(ctx context.Context) (*sftp.Client, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp == nil {
		return nil, errors.New("ssh: connection closed")
	}
	return c.sftp, nil
}

// Close tears down the SFTP subsystem and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetLocked()
}

package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/g8r/g8r/pkg/engine"
)

// CommandResult is the output of one remote command.
type CommandResult struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Client is one SSH connection to a roster host.
type Client struct {
	cfg    *Config
	conn   *ssh.Client
	logger zerolog.Logger
}

// Dial connects and authenticates to the host. Authentication and host key
// failures are permanent; network failures are transient.
func Dial(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Client, error) {
	clientConfig, err := cfg.BuildClientConfig()
	if err != nil {
		return nil, engine.NewConfigurationError("failed to build ssh client config", err).WithResource(cfg.Host)
	}

	address := cfg.Address()
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, engine.NewTransientError(fmt.Sprintf("failed to connect to %s", address), err).
			WithResource(cfg.Host)
	}

	// The handshake is bounded by the connect timeout.
	_ = netConn.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, clientConfig)
	if err != nil {
		_ = netConn.Close()
		if isAuthError(err) {
			return nil, engine.NewPermanentError(fmt.Sprintf("ssh authentication to %s failed", address), err).
				WithResource(cfg.Host)
		}
		return nil, engine.NewTransientError(fmt.Sprintf("ssh handshake with %s failed", address), err).
			WithResource(cfg.Host)
	}
	_ = netConn.SetDeadline(time.Time{})

	logger.Debug().Str("address", address).Str("user", cfg.User).Msg("SSH connection established")

	return &Client{
		cfg:    cfg,
		conn:   ssh.NewClient(sshConn, chans, reqs),
		logger: logger,
	}, nil
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "host key mismatch") ||
		strings.Contains(msg, "knownhosts:")
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Run executes cmd. A non-zero exit status is reported in the result, not as
// an error; errors are transport failures.
func (c *Client) Run(ctx context.Context, cmd string) (*CommandResult, error) {
	started := time.Now()

	session, err := c.conn.NewSession()
	if err != nil {
		return nil, engine.NewTransientError("failed to open ssh session", err).WithResource(c.cfg.Host)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return nil, engine.NewTransientError("remote command did not finish in time", ctx.Err()).
			WithCode(engine.ErrCodeTimeout).
			WithResource(c.cfg.Host)
	case runErr = <-done:
	}

	res := &CommandResult{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}

	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		res.ExitStatus = exitErr.ExitStatus()
	default:
		return nil, engine.NewTransientError("remote command failed", runErr).WithResource(c.cfg.Host)
	}

	c.logger.Debug().
		Str("command", cmd).
		Int("exit_status", res.ExitStatus).
		Dur("duration", time.Since(started)).
		Msg("Command completed")

	return res, nil
}

// Checksum returns the hex SHA-256 and permission bits of the remote file,
// or false when it does not exist.
func (c *Client) Checksum(ctx context.Context, remotePath string) (string, os.FileMode, bool, error) {
	client, err := c.sftp()
	if err != nil {
		return "", 0, false, err
	}
	defer client.Close()

	f, err := client.Open(remotePath)
	if errors.Is(err, os.ErrNotExist) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, sftpError("open", remotePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, false, sftpError("stat", remotePath, err)
	}

	hash := sha256.New()
	if _, err := copyWithContext(ctx, hash, f); err != nil {
		return "", 0, false, sftpError("read", remotePath, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), info.Mode().Perm(), true, nil
}

// Chmod sets the permission bits of the remote file.
func (c *Client) Chmod(remotePath string, mode os.FileMode) error {
	client, err := c.sftp()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Chmod(remotePath, mode); err != nil {
		return sftpError("chmod", remotePath, err)
	}
	return nil
}

// WriteFile replaces the remote file atomically: content is written to a
// temporary file next to it and renamed over it.
func (c *Client) WriteFile(ctx context.Context, remotePath string, content []byte, mode os.FileMode) error {
	client, err := c.sftp()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return sftpError("mkdir", path.Dir(remotePath), err)
	}

	tmp := remotePath + ".g8r-tmp"
	f, err := client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return sftpError("create", tmp, err)
	}
	if _, err := copyWithContext(ctx, f, bytes.NewReader(content)); err != nil {
		_ = f.Close()
		_ = client.Remove(tmp)
		return sftpError("write", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = client.Remove(tmp)
		return sftpError("close", tmp, err)
	}
	if err := client.Chmod(tmp, mode); err != nil {
		_ = client.Remove(tmp)
		return sftpError("chmod", tmp, err)
	}
	if err := client.PosixRename(tmp, remotePath); err != nil {
		_ = client.Remove(tmp)
		return sftpError("rename", remotePath, err)
	}

	c.logger.Debug().Str("path", remotePath).Int("bytes", len(content)).Msg("File written")
	return nil
}

// RemoveFile deletes the remote file. A missing file is a NotFound error.
func (c *Client) RemoveFile(remotePath string) error {
	client, err := c.sftp()
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.Lstat(remotePath); errors.Is(err, os.ErrNotExist) {
		return engine.NewNotFoundError("file", remotePath)
	}
	if err := client.Remove(remotePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return engine.NewNotFoundError("file", remotePath)
		}
		return sftpError("remove", remotePath, err)
	}
	return nil
}

func (c *Client) sftp() (*sftp.Client, error) {
	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return nil, engine.NewTransientError("failed to start sftp subsystem", err).WithResource(c.cfg.Host)
	}
	return client, nil
}

// sftpError classifies a file operation failure. Permission problems do not
// go away on retry.
func sftpError(op, remotePath string, err error) error {
	if errors.Is(err, os.ErrPermission) {
		return engine.NewPermanentError(fmt.Sprintf("sftp %s %s", op, remotePath), err).WithResource(remotePath)
	}
	return engine.NewTransientError(fmt.Sprintf("sftp %s %s", op, remotePath), err).WithResource(remotePath)
}

// copyWithContext copies src to dst in chunks, stopping when ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			w, err := dst.Write(buf[:n])
			written += int64(w)
			if err != nil {
				return written, err
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Client is an established SSH connection to one host.
type Client struct {
	host        string
	cfg         *Config
	client      *ssh.Client
	logger      zerolog.Logger
	connectedAt time.Time
}

// Dial connects and authenticates to host. The dial and handshake are
// bounded by ctx and the configured connect timeout.
func Dial(ctx context.Context, host string, cfg *Config, logger zerolog.Logger) (*Client, error) {
	clientConfig, release, err := cfg.buildClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Host: host, Err: err, IsAuthError: true}
	}
	defer release()

	address := cfg.Address(host)
	logger.Debug().Str("address", address).Msg("establishing SSH connection")

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Host: host, Err: err, IsTemporary: true}
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		auth := isAuthFailure(err)
		return nil, &TransportError{Op: "connect", Host: host, Err: err, IsTemporary: !auth, IsAuthError: auth}
	}
	_ = conn.SetDeadline(time.Time{})

	logger.Info().Str("address", address).Msg("SSH connection established")

	return &Client{
		host:        host,
		cfg:         cfg,
		client:      ssh.NewClient(sshConn, chans, reqs),
		logger:      logger,
		connectedAt: time.Now(),
	}, nil
}

func isAuthFailure(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "knownhosts:")
}

// Host returns the host this client is connected to.
func (c *Client) Host() string {
	return c.host
}

// Alive reports whether the connection still answers requests.
func (c *Client) Alive() bool {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Run executes cmd in a new session. A non-zero exit status is returned as
// a TransportError carrying the exit code, together with the output.
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	start := time.Now()
	c.logger.Debug().Str("command", cmd).Msg("executing command")

	session, err := c.client.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "exec",
			Host:        c.host,
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
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
		return nil, &TransportError{Op: "exec", Host: c.host, Err: ctx.Err(), IsTemporary: true}
	case runErr = <-done:
	}

	result := &ExecResult{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(runErr).
		Msg("command completed")

	if runErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, &TransportError{
			Op:       "exec",
			Host:     c.host,
			Err:      fmt.Errorf("command exited with code %d: %s", result.ExitCode, result.Stderr),
			ExitCode: result.ExitCode,
		}
	}

	return result, &TransportError{Op: "exec", Host: c.host, Err: runErr, IsTemporary: true}
}

// Upload copies a local file to remotePath, creating parent directories
// and preserving the file mode.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) (*TransferResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	start := time.Now()

	localFile, err := os.Open(localPath)
	if err != nil {
		return nil, &TransportError{Op: "upload", Host: c.host, Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	info, err := localFile.Stat()
	if err != nil {
		return nil, &TransportError{Op: "upload", Host: c.host, Err: fmt.Errorf("failed to stat local file: %w", err)}
	}

	sftpClient, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, &TransportError{Op: "upload", Host: c.host, Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "upload", Host: c.host, Err: fmt.Errorf("failed to create remote file: %w", err)}
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return nil, &TransportError{Op: "upload", Host: c.host, Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	if err := sftpClient.Chmod(remotePath, info.Mode().Perm()); err != nil {
		c.logger.Warn().Err(err).Str("remote", remotePath).Msg("failed to set file permissions")
	}

	result := &TransferResult{BytesTransferred: written, Duration: time.Since(start)}
	c.logger.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("file uploaded")
	return result, nil
}

// Download copies remotePath to localPath. The local file is written
// under a temporary name and renamed once complete.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) (*TransferResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	start := time.Now()

	sftpClient, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "download", Host: c.host, Err: fmt.Errorf("failed to open remote file: %w", err)}
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, &TransportError{Op: "download", Host: c.host, Err: fmt.Errorf("failed to create local directory: %w", err)}
	}

	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*")
	if err != nil {
		return nil, &TransportError{Op: "download", Host: c.host, Err: fmt.Errorf("failed to create local file: %w", err)}
	}
	defer os.Remove(tmp.Name())

	written, err := copyWithContext(ctx, tmp, remoteFile)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, &TransportError{Op: "download", Host: c.host, Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return nil, &TransportError{Op: "download", Host: c.host, Err: fmt.Errorf("failed to move downloaded file: %w", err)}
	}

	result := &TransferResult{BytesTransferred: written, Duration: time.Since(start)}
	c.logger.Info().
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("file downloaded")
	return result, nil
}

func (c *Client) sftpClient() (*sftp.Client, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Host:        c.host,
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return client, nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

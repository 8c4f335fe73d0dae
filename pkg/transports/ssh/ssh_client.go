package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements Transport over a single SSH connection carrying one
// SFTP session. The SFTP client is safe for concurrent use, so parallel
// downloads share it.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	connMu      sync.RWMutex
	client      *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	stop        chan struct{}
}

var _ Transport = (*SSHClient)(nil)

// NewSSHClient creates a new SFTP transport client.
func NewSSHClient(config *Config, logger zerolog.Logger) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &SSHClient{
		config: config,
		logger: logger.With().Str("component", "sftp").Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes the SSH connection and starts the SFTP subsystem.
// Connecting an already connected client verifies the connection and
// reconnects if it is dead.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client != nil {
		if _, err := c.sftp.Getwd(); err == nil {
			return nil
		}
		c.logger.Warn().Msg("Existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, closeAgent, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: true,
		}
	}
	defer closeAgent()

	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("Establishing SSH connection")

	dialer := &net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// The handshake does not observe ctx; a deadline bounds it instead.
	deadline := time.Now().Add(c.config.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: !isAuthFailure(err),
			IsAuthError: isAuthFailure(err),
		}
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(ncc, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return &TransportError{
			Op:          "connect",
			Err:         fmt.Errorf("failed to start sftp subsystem: %w", err),
			IsTemporary: true,
		}
	}

	c.client = client
	c.sftp = sftpClient
	c.connectedAt = time.Now()
	c.stop = make(chan struct{})

	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(client, c.stop)
	}

	c.logger.Info().Str("address", address).Msg("SFTP session established")
	return nil
}

// Disconnect closes the SFTP session and the SSH connection.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client == nil {
		return nil
	}

	c.logger.Debug().Msg("Closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	close(c.stop)
	sftpErr := c.sftp.Close()
	err := c.client.Close()
	c.client = nil
	c.sftp = nil

	// Closing the SSH client also ends the SFTP channel; report only the
	// connection error in that case.
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	if sftpErr != nil && !errors.Is(sftpErr, net.ErrClosed) {
		c.logger.Debug().Err(sftpErr).Msg("SFTP close reported an error")
	}
	return nil
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.client != nil
}

// ConnectedAt returns when the current connection was established.
func (c *SSHClient) ConnectedAt() time.Time {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connectedAt
}

// HealthCheck verifies the SFTP session answers requests.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	client, err := c.getSFTP("healthcheck")
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	if _, err := client.Getwd(); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// keepAlive sends periodic keep-alive requests until stop is closed or too
// many requests fail, in which case the connection is closed so that the
// next operation reports it.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("Keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("Keep-alive failed too many times, closing connection")
				_ = client.Close()
				return
			}
			continue
		}
		retries = 0
	}
}

// getSFTP returns the SFTP client or a not-connected error for op.
func (c *SSHClient) getSFTP(op string) (*sftp.Client, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if c.sftp == nil {
		return nil, &TransportError{
			Op:  op,
			Err: fmt.Errorf("not connected"),
		}
	}
	return c.sftp, nil
}

// isAuthFailure reports handshake errors caused by rejected credentials.
// x/crypto/ssh only exposes these as plain errors.
func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}

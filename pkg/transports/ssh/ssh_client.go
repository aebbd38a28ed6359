package ssh

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements Transport on top of golang.org/x/crypto/ssh. One
// client handles one remote host; the provisioner runner creates a client
// per connection block and disconnects when the provisioning step is done.
type SSHClient struct {
	config *Config

	connMu      sync.RWMutex
	client      *ssh.Client
	isConnected bool
	connectedAt time.Time

	executor     *executor
	fileTransfer *fileTransfer
}

var _ Transport = (*SSHClient)(nil)

// NewSSHClient validates the config and returns an unconnected client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &SSHClient{config: config}, nil
}

// dialResult carries the outcome of the dial goroutine.
type dialResult struct {
	client *ssh.Client
	err    error
}

// Connect establishes the SSH connection.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		// Already connected, verify the connection is still alive
		if err := c.healthCheckLocked(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		_ = c.client.Close()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsAuthError: true,
		}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Str("user", c.config.User).Msg("establishing ssh connection")

	// ssh.Dial only applies the timeout to the TCP dial, not to the
	// handshake, so the dial runs in a goroutine guarded by the context.
	resultChan := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		resultChan <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-resultChan; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return &TransportError{
			Op:          "connect",
			Err:         ctx.Err(),
			IsTemporary: true,
		}
	case res := <-resultChan:
		if res.err != nil {
			authFailed := isAuthFailure(res.err)
			return &TransportError{
				Op:          "connect",
				Err:         res.err,
				IsTemporary: !authFailed,
				IsAuthError: authFailed,
			}
		}

		c.client = res.client
		c.isConnected = true
		c.connectedAt = time.Now()
		c.executor = &executor{client: c, config: c.config}
		c.fileTransfer = &fileTransfer{client: c}

		log.Debug().Str("address", address).Msg("ssh connection established")
		return nil
	}
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing ssh connection")

	err := c.client.Close()
	c.client = nil
	c.isConnected = false
	c.executor = nil
	c.fileTransfer = nil

	if err != nil {
		return &TransportError{
			Op:  "disconnect",
			Err: err,
		}
	}

	return nil
}

// IsConnected reports whether the client has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &TransportError{
			Op:  "healthcheck",
			Err: fmt.Errorf("not connected"),
		}
	}

	return c.healthCheckLocked()
}

// healthCheckLocked runs a trivial command over a fresh session. The
// caller must hold connMu.
func (c *SSHClient) healthCheckLocked() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         err,
			IsTemporary: true,
		}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         err,
			IsTemporary: true,
		}
	}

	return nil
}

// ConnectionInfo returns details about the current connection.
func (c *SSHClient) ConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:        c.config.Host,
		Port:        c.config.Port,
		User:        c.config.User,
		ConnectedAt: c.connectedAt,
	}
}

// getClient returns the underlying SSH client for the executor and the
// file transfer handler.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return nil, &TransportError{
			Op:  "session",
			Err: fmt.Errorf("not connected"),
		}
	}

	return c.client, nil
}

// isAuthFailure reports whether a handshake error was an authentication
// rejection. The ssh package exposes no typed error for this case.
func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

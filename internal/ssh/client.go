package ssh

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Client wraps a one-shot SSH connection used by the agent deployer. Unlike
// a pooled connection manager, a Client is opened for the duration of a
// single deploy and closed when it finishes.
type Client struct {
	config       *ClientConfig
	client       *ssh.Client
	connectedAt  time.Time
	lastActivity time.Time
}

// ClientConfig holds SSH connection configuration.
type ClientConfig struct {
	Host            string
	Port            int
	Username        string
	Password        string
	Timeout         time.Duration
	KnownHostsPath  string
	TrustOnFirstUse bool
}

// NewClient dials and authenticates an SSH connection.
func NewClient(config *ClientConfig) (*Client, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	client := &Client{config: config}
	if err := client.Connect(); err != nil {
		return nil, err
	}
	return client, nil
}

// Connect establishes the SSH connection, trying password auth first and
// falling back to keyboard-interactive (some hardened sshd configs disable
// plain password auth but still answer a single password prompt).
func (c *Client) Connect() error {
	kbdInteractive := ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = c.config.Password
		}
		return answers, nil
	})

	hostKeyCallback, err := NewHostKeyCallback(c.config.KnownHostsPath, c.config.TrustOnFirstUse)
	if err != nil {
		return fmt.Errorf("failed to configure host key verification: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            c.config.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(c.config.Password), kbdInteractive},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.config.Timeout,
	}

	address := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	client, err := ssh.Dial("tcp", address, sshConfig)
	if err != nil {
		return fmt.Errorf("failed to dial SSH: %w", err)
	}

	c.client = client
	c.connectedAt = time.Now()
	c.lastActivity = time.Now()
	return nil
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// RunCommand executes a command and returns its combined output.
func (c *Client) RunCommand(command string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(command)
	c.lastActivity = time.Now()
	if err != nil {
		return string(output), fmt.Errorf("command failed: %w", err)
	}
	return string(output), nil
}

// RunCommandWithTimeout executes a command bounded by timeout.
func (c *Client) RunCommandWithTimeout(command string, timeout time.Duration) (string, error) {
	type result struct {
		output string
		err    error
	}
	resultChan := make(chan result, 1)
	go func() {
		output, err := c.RunCommand(command)
		resultChan <- result{output, err}
	}()

	select {
	case res := <-resultChan:
		return res.output, res.err
	case <-time.After(timeout):
		return "", fmt.Errorf("command timed out after %v", timeout)
	}
}

// StreamCommand runs a command, streaming stdout/stderr to the given writers
// as they arrive, for long-running install scripts.
func (c *Client) StreamCommand(command string, stdout, stderr io.Writer) error {
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Run(command); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	c.lastActivity = time.Now()
	return nil
}

// NewSFTP creates a new SFTP client over this connection.
func (c *Client) NewSFTP() (*sftp.Client, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	c.lastActivity = time.Now()
	return sftp.NewClient(c.client)
}

// NewSFTPWithOptions creates a new SFTP client with the given client
// options.
func (c *Client) NewSFTPWithOptions(opts ...sftp.ClientOption) (*sftp.Client, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	c.lastActivity = time.Now()
	return sftp.NewClient(c.client, opts...)
}

// GetLocalAddr returns the local address of the connection, used for the
// non-loopback-interface fallback tier of source-IP detection.
func (c *Client) GetLocalAddr() net.Addr {
	if c.client != nil && c.client.Conn != nil {
		return c.client.Conn.LocalAddr()
	}
	return nil
}

// Package remote runs commands on the hypervisor host over SSH with
// explicit timeouts.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const dialTimeout = 15 * time.Second

// shellMeta are characters rejected in values interpolated into remote
// commands. Inputs carrying them never reach the wire.
const shellMeta = ";&|$`<>(){}!\\\"'\n"

// ValidateArg rejects shell-metacharacter-laced input at the boundary.
func ValidateArg(arg string) error {
	if strings.ContainsAny(arg, shellMeta) {
		return fmt.Errorf("argument %q contains shell metacharacters", arg)
	}

	return nil
}

// Client executes commands on one remote host.
type Client struct {
	log        logrus.FieldLogger
	conn       *ssh.Client
	cmdTimeout time.Duration
}

// Dial connects to host as user using the private key at keyPath.
func Dial(
	log logrus.FieldLogger,
	host, user, keyPath string,
	cmdTimeout time.Duration,
) (*Client, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key: %w", err)
	}

	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "22")
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // lab hosts
		Timeout:         dialTimeout,
	}

	conn, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	return &Client{
		log:        log.WithField("component", "remote").WithField("host", host),
		conn:       conn,
		cmdTimeout: cmdTimeout,
	}, nil
}

// Run executes one command, capturing combined output. A command that times
// out is retried once; further failures propagate.
func (c *Client) Run(ctx context.Context, cmd string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		out, err := c.runOnce(ctx, cmd)
		if err == nil {
			return out, nil
		}

		lastErr = err

		if !errors.Is(err, context.DeadlineExceeded) {
			return out, err
		}

		c.log.WithField("cmd", cmd).
			Warn("Remote command timed out, retrying once")
	}

	return "", lastErr
}

func (c *Client) runOnce(ctx context.Context, cmd string) (string, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	cmdCtx, cancel := context.WithTimeout(ctx, c.cmdTimeout)
	defer cancel()

	type result struct {
		out []byte
		err error
	}

	done := make(chan result, 1)

	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- result{out: out, err: err}
	}()

	select {
	case <-cmdCtx.Done():
		_ = session.Signal(ssh.SIGKILL)

		return "", cmdCtx.Err()
	case res := <-done:
		if res.err != nil {
			return strings.TrimSpace(string(res.out)), fmt.Errorf(
				"remote command %q: %w", cmd, res.err,
			)
		}

		return strings.TrimSpace(string(res.out)), nil
	}
}

// Upload streams a local file to remotePath through a remote shell write.
// Upload time scales with image size, so it gets its own generous deadline
// rather than the per-command timeout.
func (c *Client) Upload(
	ctx context.Context, localPath, remotePath string, timeout time.Duration,
) error {
	if err := ValidateArg(remotePath); err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening local file: %w", err)
	}
	defer f.Close()

	session, err := c.conn.NewSession()
	if err != nil {
		return fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	session.Stdin = f

	upCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- session.Run(fmt.Sprintf("cat > %s", remotePath))
	}()

	select {
	case <-upCtx.Done():
		_ = session.Signal(ssh.SIGKILL)

		return upCtx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("uploading to %s: %w", remotePath, err)
		}

		return nil
	}
}

// Close tears down the SSH connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

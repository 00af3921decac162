// Package ssh is the native remote site: one SSH connection per cluster
// host, one session per rbd or ceph invocation.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/vbp1/rbdsync/internal/process"
)

// Config describes how to reach one cluster host.
type Config struct {
	User string
	Host string // host or host:port

	// KeyPath selects one private key. When empty the usual keys under
	// ~/.ssh are tried. A running agent is always offered as well.
	KeyPath string

	// Insecure accepts any host key.
	Insecure bool
	// KnownHosts overrides ~/.ssh/known_hosts.
	KnownHosts string

	Timeout time.Duration // connect and handshake; DefaultTimeout when 0
}

// DefaultTimeout bounds connect plus handshake.
const DefaultTimeout = 10 * time.Second

func defaultKeyPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var out []string
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		out = append(out, filepath.Join(home, ".ssh", name))
	}
	return out
}

// ParseTarget splits a login target "user@host[:port]". The user defaults
// to $USER when omitted.
func ParseTarget(target string) (user, host string, err error) {
	user, host, ok := strings.Cut(target, "@")
	if !ok {
		user, host = os.Getenv("USER"), target
	}
	if user == "" || host == "" {
		return "", "", fmt.Errorf("ssh: invalid login target %q, want user@host[:port]", target)
	}
	return user, host, nil
}

// address appends the default port unless host carries one.
func address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), "22")
}

// Client is an open connection. Close it when the run ends.
type Client struct {
	addr string
	conn *ssh.Client
}

// Dial connects and authenticates. ctx aborts the connect and the
// handshake, not the returned connection.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.User == "" || cfg.Host == "" {
		return nil, errors.New("ssh: user and host required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	hostKeys, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}
	auth, closeAgent, err := authMethods(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	defer closeAgent()

	addr := address(cfg.Host)
	slog.Debug("ssh dial", "addr", addr, "user", cfg.User)
	d := net.Dialer{Timeout: cfg.Timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh: dial %s: %w", addr, err)
	}

	_ = nc.SetDeadline(time.Now().Add(cfg.Timeout))
	stop := context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Unix(1, 0)) })
	cc, chans, reqs, err := ssh.NewClientConn(nc, addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         cfg.Timeout,
	})
	cancelled := !stop()
	if err != nil {
		_ = nc.Close()
		if cancelled {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ssh: handshake with %s as %s: %w", addr, cfg.User, err)
	}
	if cancelled {
		_ = cc.Close()
		return nil, ctx.Err()
	}
	_ = nc.SetDeadline(time.Time{})
	slog.Debug("ssh connected", "addr", addr, "server", string(cc.ServerVersion()))
	return &Client{addr: addr, conn: ssh.NewClient(cc, chans, reqs)}, nil
}

// Close drops the connection and every session on it.
func (c *Client) Close() error { return c.conn.Close() }

// Run executes cmd remotely with stdio attached and waits for it. Output
// is streamed as it arrives. A non-zero remote exit is an *ssh.ExitError,
// which process.ExitCode understands. When ctx ends first the remote
// command is killed and ctx.Err is returned.
func (c *Client) Run(ctx context.Context, cmd string, stdio process.Stdio) error {
	sess, err := c.conn.NewSession()
	if err != nil {
		return fmt.Errorf("ssh: session on %s: %w", c.addr, err)
	}
	defer func() {
		if err := sess.Close(); err != nil && !errors.Is(err, io.EOF) {
			slog.Debug("ssh session close", "addr", c.addr, "err", err)
		}
	}()
	sess.Stdin, sess.Stdout, sess.Stderr = stdio.Stdin, stdio.Stdout, stdio.Stderr

	slog.Debug("ssh run", "addr", c.addr, "cmd", cmd)
	if err := sess.Start(cmd); err != nil {
		return fmt.Errorf("ssh: start on %s: %w", c.addr, err)
	}
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Wait also waits for stdin to drain, so it is not awaited here
		_ = sess.Signal(ssh.SIGKILL)
		return ctx.Err()
	}
}

func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.Insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := cfg.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("ssh: locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("ssh: load %s (use --insecure-ssh to skip host key checks): %w", path, err)
	}
	return cb, nil
}

// authMethods collects key and agent authentication. The returned func
// closes the agent connection once the handshake is over.
func authMethods(keyPath string) ([]ssh.AuthMethod, func(), error) {
	var signers []ssh.Signer
	if keyPath != "" {
		s, err := loadKey(keyPath)
		if err != nil {
			return nil, nil, err
		}
		signers = append(signers, s)
	} else {
		for _, p := range defaultKeyPaths() {
			s, err := loadKey(p)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					slog.Debug("ssh: skip key", "path", p, "err", err)
				}
				continue
			}
			signers = append(signers, s)
		}
	}

	var methods []ssh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	closeAgent := func() {}
	if conn := agentConn(); conn != nil {
		methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		closeAgent = func() { _ = conn.Close() }
	}
	if len(methods) == 0 {
		return nil, nil, errors.New("ssh: no usable key and no agent; pass --ssh-key or start ssh-agent")
	}
	return methods, closeAgent, nil
}

func loadKey(path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ssh: read key %s: %w", path, err)
	}
	s, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("ssh: parse key %s: %w", path, err)
	}
	return s, nil
}

func agentConn() net.Conn {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		slog.Debug("ssh: agent unavailable", "sock", sock, "err", err)
		return nil
	}
	return conn
}

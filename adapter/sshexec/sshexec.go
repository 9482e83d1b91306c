// Package sshexec implements adapter.SSH on golang.org/x/crypto/ssh. One
// Client is one authenticated connection; every Run gets its own session.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"

	"github.com/metalforge/metalforge/adapter"
	"github.com/metalforge/metalforge/pkg/faults"
)

const (
	defaultPort    = 22
	defaultTimeout = 15 * time.Second
	// killGrace bounds how long Run waits for a signalled command to
	// come back before abandoning the session.
	killGrace = 2 * time.Second
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	// PrivateKey is a PEM encoded key; takes precedence over Password
	// when both are set, with Password kept as a fallback method.
	PrivateKey []byte
	// Timeout bounds the TCP connect and SSH handshake.
	Timeout time.Duration
	// HostKeyCallback defaults to accepting any host key: provisioning
	// reimages hosts, so their keys churn on every run.
	HostKeyCallback ssh.HostKeyCallback
	Log             logr.Logger
}

// Client is an open SSH connection. It satisfies adapter.SSH.
type Client struct {
	client *ssh.Client
	log    logr.Logger
}

// Dial connects and authenticates.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, faults.Errorf(faults.KindValidation, "ssh.dial", "host and user required")
	}

	var auth []ssh.AuthMethod
	if len(cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, faults.E(faults.KindValidation, "ssh.dial", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, faults.Errorf(faults.KindValidation, "ssh.dial", "no authentication method configured")
	}

	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	hostKey := cfg.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey() // #nosec G106 -- see Config doc
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.Timeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, faults.E(faults.KindTransient, "ssh.dial", err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, faults.E(faults.KindAuth, "ssh.dial", err)
		}
		return nil, faults.E(faults.KindTransient, "ssh.dial", err)
	}

	return &Client{
		client: ssh.NewClient(sshConn, chans, reqs),
		log:    cfg.Log.WithValues("host", cfg.Host, "user", cfg.User),
	}, nil
}

// Run executes cmd in a fresh session and returns its output. Context
// cancellation kills the remote command.
func (c *Client) Run(ctx context.Context, cmd string) (string, string, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return "", "", faults.E(faults.KindTransient, "ssh.run", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(cmd); err != nil {
		return "", "", faults.E(faults.KindTransient, "ssh.run", err)
	}
	c.log.V(2).Info("running command", "cmd", cmd)

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		select {
		case <-done:
		case <-time.After(killGrace):
		}
		return stdout.String(), stderr.String(), faults.E(faults.KindOf(ctx.Err()), "ssh.run", ctx.Err())
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return stdout.String(), stderr.String(),
					faults.E(faults.KindInternal, "ssh.run", &adapter.ExitError{Code: exitErr.ExitStatus(), Stderr: stderr.String()})
			}
			return stdout.String(), stderr.String(), faults.E(faults.KindTransient, "ssh.run", err)
		}
		return stdout.String(), stderr.String(), nil
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}

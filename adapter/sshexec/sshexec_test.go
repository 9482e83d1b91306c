package sshexec

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"

	"github.com/metalforge/metalforge/adapter"
	"github.com/metalforge/metalforge/pkg/faults"
)

const (
	testUser     = "root"
	testPassword = "hunter2"
)

type execResult struct {
	stdout string
	stderr string
	status uint32
	delay  time.Duration
}

// startExecServer runs a minimal SSH server that answers exec requests from
// the commands table. Unknown commands exit 127.
func startExecServer(t *testing.T, commands map[string]execResult) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg, commands)
		}
	}()

	return ln.Addr().String()
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig, commands map[string]execResult) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func(ch ssh.Channel, chReqs <-chan *ssh.Request) {
			for req := range chReqs {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)

				res, ok := commands[payload.Command]
				if !ok {
					res = execResult{stderr: "command not found\n", status: 127}
				}
				if res.delay > 0 {
					time.Sleep(res.delay)
				}
				_, _ = ch.Write([]byte(res.stdout))
				_, _ = ch.Stderr().Write([]byte(res.stderr))
				status := struct{ Status uint32 }{res.status}
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&status))
				_ = ch.Close()
				return
			}
		}(ch, chReqs)
	}
}

func dialTest(t *testing.T, addr string) *Client {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, _ := strconv.Atoi(portStr)

	c, err := Dial(context.Background(), Config{
		Host:     host,
		Port:     port,
		User:     testUser,
		Password: testPassword,
		Timeout:  5 * time.Second,
		Log:      logr.Discard(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRunCommand(t *testing.T) {
	addr := startExecServer(t, map[string]execResult{
		"dmidecode -s system-manufacturer": {stdout: "Supermicro\n"},
	})
	c := dialTest(t, addr)

	stdout, stderr, err := c.Run(context.Background(), "dmidecode -s system-manufacturer")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(stdout) != "Supermicro" {
		t.Errorf("stdout = %q, want Supermicro", stdout)
	}
	if stderr != "" {
		t.Errorf("stderr = %q, want empty", stderr)
	}
}

func TestRunExitError(t *testing.T) {
	addr := startExecServer(t, map[string]execResult{
		"lscpu": {stderr: "lscpu: cannot open /proc/cpuinfo\n", status: 2},
	})
	c := dialTest(t, addr)

	_, stderr, err := c.Run(context.Background(), "lscpu")
	if err == nil {
		t.Fatal("expected error")
	}
	if faults.KindOf(err) != faults.KindInternal {
		t.Errorf("KindOf(err) = %q, want %q", faults.KindOf(err), faults.KindInternal)
	}
	if !strings.Contains(err.Error(), "exited 2") {
		t.Errorf("error %q does not name the exit code", err)
	}
	var exitErr *adapter.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 2 {
		t.Errorf("exit code not extractable from %v", err)
	}
	if !strings.Contains(stderr, "cannot open") {
		t.Errorf("stderr %q not captured", stderr)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	addr := startExecServer(t, nil)
	c := dialTest(t, addr)

	_, _, err := c.Run(context.Background(), "no-such-binary")
	if faults.KindOf(err) != faults.KindInternal {
		t.Errorf("KindOf(err) = %q, want %q (err: %v)", faults.KindOf(err), faults.KindInternal, err)
	}
}

func TestRunContextCancel(t *testing.T) {
	addr := startExecServer(t, map[string]execResult{
		"sleep 30": {delay: 10 * time.Second},
	})
	c := dialTest(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := c.Run(ctx, "sleep 30")
	if faults.KindOf(err) != faults.KindCanceled {
		t.Errorf("KindOf(err) = %q, want %q (err: %v)", faults.KindOf(err), faults.KindCanceled, err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run took %v after cancel, want prompt return", elapsed)
	}
}

func TestDialBadPassword(t *testing.T) {
	addr := startExecServer(t, nil)
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	_, err := Dial(context.Background(), Config{
		Host:     host,
		Port:     port,
		User:     testUser,
		Password: "wrong",
		Timeout:  5 * time.Second,
		Log:      logr.Discard(),
	})
	if faults.KindOf(err) != faults.KindAuth {
		t.Errorf("KindOf(err) = %q, want %q (err: %v)", faults.KindOf(err), faults.KindAuth, err)
	}
}

func TestDialValidation(t *testing.T) {
	tests := map[string]struct {
		cfg Config
	}{
		"missing host":    {cfg: Config{User: testUser, Password: testPassword}},
		"missing auth":    {cfg: Config{Host: "10.0.0.9", User: testUser}},
		"bad private key": {cfg: Config{Host: "10.0.0.9", User: testUser, PrivateKey: []byte("not a pem key")}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Dial(context.Background(), tt.cfg)
			if faults.KindOf(err) != faults.KindValidation {
				t.Errorf("KindOf(err) = %q, want %q (err: %v)", faults.KindOf(err), faults.KindValidation, err)
			}
		})
	}
}

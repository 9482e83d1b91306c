// Package vendortool runs vendor maintenance CLIs, e.g. Supermicro's sum,
// as local subprocesses. Credentials travel through the environment, never
// argv, so they stay out of process listings. Tools are installed on first
// use when an installer command is configured.
package vendortool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"

	"github.com/metalforge/metalforge/pkg/faults"
)

const (
	defaultAttempts = 3
	defaultDelay    = 5 * time.Second
)

type Config struct {
	// InstallCommands maps tool name to the argv that installs it.
	// Tools without an entry must already be on PATH.
	InstallCommands map[string][]string
	// Env is appended to the inherited environment for every invocation,
	// e.g. SUM_PASSWORD for Supermicro sum.
	Env map[string]string
	// Attempts and Delay shape the fixed-delay install retry policy.
	Attempts uint
	Delay    time.Duration
	Log      logr.Logger
}

// Runner executes vendor CLIs as subprocesses, installing them on demand.
// Sum builds the adapter.VendorTool surface on top of it.
type Runner struct {
	cfg Config
	log logr.Logger

	mu        sync.Mutex
	installed map[string]bool

	lookPath func(string) (string, error)
	execRun  func(ctx context.Context, argv, env []string) ([]byte, error)
}

func New(cfg Config) *Runner {
	if cfg.Attempts == 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Delay == 0 {
		cfg.Delay = defaultDelay
	}
	return &Runner{
		cfg:       cfg,
		log:       cfg.Log,
		installed: map[string]bool{},
		lookPath:  exec.LookPath,
		execRun:   runCommand,
	}
}

// EnsureInstalled makes tool runnable, installing it when configured to.
// The result is cached per tool for the life of the Runner.
func (r *Runner) EnsureInstalled(ctx context.Context, tool string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.installed[tool] {
		return nil
	}

	if _, err := r.lookPath(tool); err == nil {
		r.installed[tool] = true
		return nil
	}

	argv, ok := r.cfg.InstallCommands[tool]
	if !ok || len(argv) == 0 {
		return faults.Errorf(faults.KindUnsupported, "vendortool.install", "no installer configured for %q", tool)
	}

	r.log.Info("installing vendor tool", "tool", tool)
	err := retry.Do(
		func() error {
			out, err := r.execRun(ctx, argv, r.env(nil))
			if err != nil {
				return fmt.Errorf("%w: %s", err, firstLine(string(out)))
			}
			return nil
		},
		retry.Attempts(r.cfg.Attempts),
		retry.Delay(r.cfg.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctx.Err() != nil {
			return faults.E(faults.KindOf(ctx.Err()), "vendortool.install", ctx.Err())
		}
		return faults.E(faults.KindTransient, "vendortool.install", err)
	}

	if _, err := r.lookPath(tool); err != nil {
		return faults.Errorf(faults.KindInternal, "vendortool.install", "installer for %q succeeded but the tool is still missing", tool)
	}
	r.installed[tool] = true
	return nil
}

// Run executes the tool and returns its combined output. extraEnv is
// appended to the configured environment for this invocation only; callers
// use it for per-target credentials.
func (r *Runner) Run(ctx context.Context, tool string, extraEnv map[string]string, args ...string) (string, error) {
	path, err := r.lookPath(tool)
	if err != nil {
		return "", faults.Errorf(faults.KindUnsupported, "vendortool.run", "tool %q is not installed", tool)
	}

	argv := append([]string{path}, args...)
	out, err := r.execRun(ctx, argv, r.env(extraEnv))
	if err != nil {
		if ctx.Err() != nil {
			return string(out), faults.E(faults.KindOf(ctx.Err()), "vendortool.run", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), faults.Errorf(faults.KindInternal, "vendortool.run",
				"%s exited %d: %s", tool, exitErr.ExitCode(), firstLine(string(out)))
		}
		return string(out), faults.E(faults.KindTransient, "vendortool.run", err)
	}
	return string(out), nil
}

// env builds the child environment: the parent's plus the configured
// credential variables plus extra, sorted for determinism. extra wins on
// key collisions.
func (r *Runner) env(extra map[string]string) []string {
	merged := make(map[string]string, len(r.cfg.Env)+len(extra))
	for k, v := range r.cfg.Env {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	env := os.Environ()
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, merged[k]))
	}
	return env
}

func runCommand(ctx context.Context, argv, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	return cmd.CombinedOutput()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

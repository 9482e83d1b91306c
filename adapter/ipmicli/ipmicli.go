// Package ipmicli shells out to ipmitool for the lan-channel settings
// Redfish providers do not expose. Sessions run over lanplus; the password
// rides in IPMITOOL_PASSWORD, picked up by ipmitool's -E flag, so it never
// appears in process listings.
package ipmicli

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
)

const toolName = "ipmitool"

// Runner is the subprocess surface Tool runs on. *vendortool.Runner
// satisfies it.
type Runner interface {
	EnsureInstalled(ctx context.Context, tool string) error
	Run(ctx context.Context, tool string, extraEnv map[string]string, args ...string) (string, error)
}

// Tool implements adapter.IPMI against one BMC endpoint.
type Tool struct {
	runner Runner
	ep     data.BMCEndpoint
	log    logr.Logger
}

func New(runner Runner, ep data.BMCEndpoint, log logr.Logger) (*Tool, error) {
	if runner == nil {
		return nil, faults.Errorf(faults.KindValidation, "ipmicli.New", "nil runner")
	}
	if ep.Host == "" || ep.Username == "" {
		return nil, faults.Errorf(faults.KindValidation, "ipmicli.New", "bmc endpoint needs host and username")
	}
	return &Tool{runner: runner, ep: ep, log: log}, nil
}

func (t *Tool) LANPrint(ctx context.Context, channel int) (map[string]string, error) {
	if err := t.runner.EnsureInstalled(ctx, toolName); err != nil {
		return nil, err
	}
	out, err := t.run(ctx, "lan", "print", strconv.Itoa(channel))
	if err != nil {
		return nil, err
	}
	settings := parseLANPrint(out)
	if len(settings) == 0 {
		return nil, faults.Errorf(faults.KindInternal, "ipmi.lan_print", "channel %d returned no settings", channel)
	}
	return settings, nil
}

// LANSet writes one lan setting. Multi-word settings, e.g. "defgw ipaddr",
// expand to separate arguments the way ipmitool expects them.
func (t *Tool) LANSet(ctx context.Context, channel int, setting, value string) error {
	if setting == "" || value == "" {
		return faults.Errorf(faults.KindValidation, "ipmi.lan_set", "setting and value are required")
	}
	if err := t.runner.EnsureInstalled(ctx, toolName); err != nil {
		return err
	}
	t.log.Info("ipmi lan set", "host", t.ep.Host, "channel", channel, "setting", setting, "value", value)
	args := append([]string{"lan", "set", strconv.Itoa(channel)}, strings.Fields(setting)...)
	_, err := t.run(ctx, append(args, value)...)
	return err
}

func (t *Tool) run(ctx context.Context, args ...string) (string, error) {
	argv := append([]string{"-I", "lanplus", "-H", t.ep.Host, "-U", t.ep.Username, "-E"}, args...)
	return t.runner.Run(ctx, toolName, map[string]string{"IPMITOOL_PASSWORD": t.ep.Password}, argv...)
}

// parseLANPrint turns ipmitool's "Key : Value" table into a map. Only the
// first colon separates; MAC addresses keep theirs. Continuation lines
// with no key, e.g. the per-user Auth Type Enable rows, are dropped.
func parseLANPrint(out string) map[string]string {
	settings := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		settings[key] = strings.TrimSpace(value)
	}
	return settings
}

package vendortool

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
)

const sumTool = "sum"

// Sum drives Supermicro's Update Manager against one server's BMC. It
// implements adapter.VendorTool; the binary is installed on first use
// through the shared Runner.
type Sum struct {
	runner *Runner
	ep     data.BMCEndpoint
	log    logr.Logger
}

func NewSum(runner *Runner, ep data.BMCEndpoint, log logr.Logger) (*Sum, error) {
	if runner == nil {
		return nil, faults.Errorf(faults.KindValidation, "vendortool.sum", "nil runner")
	}
	if ep.Host == "" || ep.Username == "" {
		return nil, faults.Errorf(faults.KindValidation, "vendortool.sum", "bmc endpoint needs host and username")
	}
	return &Sum{runner: runner, ep: ep, log: log}, nil
}

// Probe checks the target answers sum at all. A reachable Supermicro BMC
// reports its board info; anything else errors out.
func (s *Sum) Probe(ctx context.Context) (string, error) {
	if err := s.runner.EnsureInstalled(ctx, sumTool); err != nil {
		return "", err
	}
	if _, err := s.run(ctx, "-c", "GetBmcInfo"); err != nil {
		return "", err
	}
	return "supermicro", nil
}

func (s *Sum) PullBIOS(ctx context.Context) ([]byte, error) {
	if err := s.runner.EnsureInstalled(ctx, sumTool); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "sum-pull-")
	if err != nil {
		return nil, faults.E(faults.KindInternal, "sum.pull_bios", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "bios.cfg")
	if _, err := s.run(ctx, "-c", "GetCurrentBiosCfg", "--file", path, "--overwrite"); err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Errorf(faults.KindInternal, "sum.pull_bios", "sum reported success but wrote no config: %v", err)
	}
	return blob, nil
}

func (s *Sum) PushBIOS(ctx context.Context, blob []byte) error {
	if err := s.runner.EnsureInstalled(ctx, sumTool); err != nil {
		return err
	}
	dir, err := os.MkdirTemp("", "sum-push-")
	if err != nil {
		return faults.E(faults.KindInternal, "sum.push_bios", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "bios.cfg")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return faults.E(faults.KindInternal, "sum.push_bios", err)
	}
	_, err = s.run(ctx, "-c", "ChangeBiosCfg", "--file", path)
	return err
}

func (s *Sum) FirmwareUpdate(ctx context.Context, component, artifact string) error {
	var cmd string
	switch component {
	case "bios":
		cmd = "UpdateBios"
	case "bmc":
		cmd = "UpdateBmc"
	default:
		return faults.Errorf(faults.KindUnsupported, "sum.firmware_update", "sum cannot update %q firmware", component)
	}
	if err := s.runner.EnsureInstalled(ctx, sumTool); err != nil {
		return err
	}
	s.log.Info("applying firmware via sum", "host", s.ep.Host, "component", component, "artifact", artifact)
	_, err := s.run(ctx, "-c", cmd, "--file", artifact)
	return err
}

// run invokes sum against the bound endpoint. The password rides in
// SUM_PASSWORD so it never shows up in process listings.
func (s *Sum) run(ctx context.Context, args ...string) (string, error) {
	argv := append([]string{"-i", s.ep.Host, "-u", s.ep.Username}, args...)
	return s.runner.Run(ctx, sumTool, map[string]string{"SUM_PASSWORD": s.ep.Password}, argv...)
}

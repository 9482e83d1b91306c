package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/metalforge/metalforge/adapter"
	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
)

// discoverPackages maps the binaries discovery runs to the packages that
// provide them, for the one-shot install attempt on exit 127.
var discoverPackages = map[string]string{
	"dmidecode": "dmidecode",
	"ipmitool":  "ipmitool",
}

// EnhancedDiscoverHardware collects hardware facts about the server, in
// strength order: detailed SSH inspection first (dmidecode, lscpu,
// /proc/meminfo, ipmitool), or local host inspection when the run asks
// for it, then MaaS inventory merged into whatever is still missing. A
// run with no usable discovery path at all is unsupported.
func EnhancedDiscoverHardware(deps Deps) Step {
	return Step{
		Name:        NameDiscover,
		Description: "discover hardware facts over SSH, locally or from MaaS",
		Timeout:     5 * time.Minute,
		Retry:       &RetryPolicy{Count: 2},
		Run: func(ctx context.Context, rc *RunContext) error {
			collected := false

			if rc.State.Value(KeyLocalDiscovery) == "true" && deps.LocalFacts != nil {
				rc.Report("inspecting local host", 0.2)
				facts, err := deps.LocalFacts(ctx)
				if err != nil {
					return err
				}
				rc.State.MergeFacts(facts)
				collected = true
			} else if rc.Adapters.SSH != nil {
				if err := discoverOverSSH(ctx, rc); err != nil {
					return err
				}
				collected = true
			}

			if m := rc.Adapters.MaaS; m != nil {
				rc.Report("merging maas inventory", 0.9)
				id := rc.State.ServerHandle()
				if id == "" {
					id = rc.ServerID
				}
				info, err := m.Machine(ctx, id)
				if err != nil {
					// MaaS is the weakest source; its absence only matters
					// when nothing else answered.
					if collected {
						rc.Log.V(1).Info("maas inventory unavailable", "error", err)
					} else {
						return err
					}
				} else {
					rc.State.MergeFacts(factsFromMachine(info))
					collected = true
				}
			}

			facts := rc.State.Facts()
			if !collected || facts.Empty() {
				return faults.Errorf(faults.KindUnsupported, "steps.discover",
					"no discovery path produced any facts")
			}
			rc.Log.Info("hardware facts collected",
				"vendor", facts.Vendor, "motherboard", facts.Motherboard,
				"cpuModel", facts.CPUModel, "cpuCores", facts.CPUCores, "memoryGB", facts.MemoryGB)
			return nil
		},
	}
}

func discoverOverSSH(ctx context.Context, rc *RunContext) error {
	var facts data.HardwareFacts

	rc.Report("collecting dmi identity", 0.2)
	if out, err := runDiscoverCmd(ctx, rc, "dmidecode -s system-manufacturer"); err == nil {
		facts.Vendor = dmiValue(out)
	} else if faults.Retryable(err) {
		return err
	}
	if out, err := runDiscoverCmd(ctx, rc, "dmidecode -s baseboard-product-name"); err == nil {
		facts.Motherboard = dmiValue(out)
	}
	if out, err := runDiscoverCmd(ctx, rc, "dmidecode -s system-serial-number"); err == nil {
		facts.SerialNumber = dmiValue(out)
	}

	rc.Report("collecting cpu and memory", 0.5)
	if out, err := runDiscoverCmd(ctx, rc, "lscpu"); err == nil {
		facts.CPUModel, facts.CPUCores = parseLscpu(out)
	} else if faults.Retryable(err) {
		return err
	}
	if out, err := runDiscoverCmd(ctx, rc, "cat /proc/meminfo"); err == nil {
		facts.MemoryGB = parseMemGB(out)
	}

	rc.Report("collecting bmc lan settings", 0.7)
	if out, err := runDiscoverCmd(ctx, rc, "ipmitool lan print 1"); err == nil {
		facts.BMCAddress = lanIPAddress(out)
	}

	rc.State.MergeFacts(facts)
	return nil
}

// runDiscoverCmd runs one inspection command, making a single package
// install attempt when the binary is missing (exit 127). Other nonzero
// exits are the caller's problem.
func runDiscoverCmd(ctx context.Context, rc *RunContext, cmd string) (string, error) {
	stdout, _, err := rc.Adapters.SSH.Run(ctx, cmd)
	if err == nil {
		return stdout, nil
	}
	var exitErr *adapter.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 127 {
		return "", err
	}

	binary, _, _ := strings.Cut(cmd, " ")
	pkg, ok := discoverPackages[binary]
	if !ok {
		return "", err
	}
	rc.Report(fmt.Sprintf("installing %s", pkg), 0.3)
	if _, _, ierr := rc.Adapters.SSH.Run(ctx, "apt-get install -y "+pkg); ierr != nil {
		rc.Log.V(1).Info("package install failed", "package", pkg, "error", ierr)
		return "", err
	}
	stdout, _, err = rc.Adapters.SSH.Run(ctx, cmd)
	return stdout, err
}

// factsFromMachine lifts the coarse MaaS inventory into hardware facts.
func factsFromMachine(info adapter.MachineInfo) data.HardwareFacts {
	f := data.HardwareFacts{
		Vendor:      info.Vendor,
		Motherboard: info.Motherboard,
		CPUCores:    info.CPUCount,
	}
	if info.MemoryMB > 0 {
		f.MemoryGB = int((info.MemoryMB + 512) / 1024)
	}
	if info.Architecture != "" {
		f.Extra = map[string]string{"architecture": info.Architecture}
	}
	return f
}

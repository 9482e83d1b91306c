package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/metalforge/metalforge/adapter"
	"github.com/metalforge/metalforge/pkg/faults"
)

// commissionFractions positions sub_task events inside the step's progress
// slice per observed MaaS status.
var commissionFractions = map[adapter.MachineStatus]float64{
	adapter.MachineNew:           0.10,
	adapter.MachineCommissioning: 0.40,
	adapter.MachineTesting:       0.70,
	adapter.MachineReady:         0.95,
}

// CommissionViaMaaS asks MaaS to commission the machine and polls its
// status until it settles. Every status transition surfaces as a sub_task
// event; a machine that settles Failed or Broken is a fatal error.
func CommissionViaMaaS(deps Deps) Step {
	return Step{
		Name:        NameCommission,
		Description: "commission the machine through MaaS and wait for Ready",
		Timeout:     15 * time.Minute,
		Retry:       &RetryPolicy{Count: 2},
		Run: func(ctx context.Context, rc *RunContext) error {
			m := rc.Adapters.MaaS
			if m == nil {
				return faults.Errorf(faults.KindUnsupported, "steps.commission", "no maas adapter configured")
			}

			rc.Report("requesting commissioning", 0.05)
			if err := m.Commission(ctx, rc.ServerID); err != nil {
				return err
			}

			interval := deps.pollInterval()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			var last adapter.MachineStatus
			for {
				select {
				case <-ctx.Done():
					return faults.E(faults.KindOf(ctx.Err()), "steps.commission", ctx.Err())
				case <-ticker.C:
				}

				info, err := m.Machine(ctx, rc.ServerID)
				if err != nil {
					// A step-level retry would re-run Commission; transient
					// poll failures stay inside the loop.
					if faults.Retryable(err) {
						rc.Log.V(1).Info("status poll failed", "error", err)
						continue
					}
					return err
				}

				if info.Status != last {
					last = info.Status
					frac, ok := commissionFractions[info.Status]
					if !ok {
						frac = 0.5
					}
					rc.Report(fmt.Sprintf("maas status %s", strings.ToLower(string(info.Status))), frac)
				}

				switch info.Status {
				case adapter.MachineReady:
					rc.State.SetServerHandle(info.SystemID)
					if info.Hostname != "" {
						rc.State.SetValue("maas_hostname", info.Hostname)
					}
					rc.Log.Info("machine commissioned", "systemID", info.SystemID)
					return nil
				case adapter.MachineFailed, adapter.MachineBroken:
					return faults.Errorf(faults.KindInternal, "steps.commission",
						"machine entered %s during commissioning", info.Status)
				}
			}
		},
	}
}

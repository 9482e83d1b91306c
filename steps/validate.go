package steps

import (
	"context"
	"strings"
	"time"

	"github.com/metalforge/metalforge/adapter"
	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
)

// PreflightValidate checks that the run can do anything at all before the
// expensive steps start: a server id, at least one control-plane adapter,
// and a responsive BMC when one is configured. Never retried; a failed
// preflight means the request is wrong, not the hardware.
func PreflightValidate(Deps) Step {
	return Step{
		Name:        NamePreflight,
		Description: "validate the run's inputs and adapters",
		Timeout:     2 * time.Minute,
		Run: func(ctx context.Context, rc *RunContext) error {
			var problems []string
			if rc.ServerID == "" {
				problems = append(problems, "server id is empty")
			}
			if rc.Adapters.MaaS == nil && rc.Adapters.BMC == nil {
				problems = append(problems, "neither maas nor bmc adapter is configured")
			}
			if len(problems) > 0 {
				return faults.Errorf(faults.KindValidation, "steps.preflight",
					"%s", strings.Join(problems, "; "))
			}

			if rc.Adapters.BMC != nil {
				state, err := rc.Adapters.BMC.PowerState(ctx)
				if err != nil {
					return err
				}
				rc.State.SetPower(state)
				rc.Report("bmc reachable, power "+string(state), 0.7)
			}
			rc.Report("preflight ok", 0.95)
			return nil
		},
	}
}

// FinalValidate confirms the server came out of provisioning healthy: the
// chassis is powered on and MaaS sees the machine in a good settled state.
// Never retried; by this point retries cannot change the machine.
func FinalValidate(Deps) Step {
	return Step{
		Name:        NameFinalValidate,
		Description: "confirm the server ended up healthy",
		Timeout:     3 * time.Minute,
		Run: func(ctx context.Context, rc *RunContext) error {
			if rc.Adapters.BMC != nil {
				state, err := rc.Adapters.BMC.PowerState(ctx)
				if err != nil {
					return err
				}
				rc.State.SetPower(state)
				rc.State.SetValue("final_power", string(state))
				if state != data.PowerOn {
					return faults.Errorf(faults.KindInternal, "steps.final_validate",
						"server is %s after provisioning", state)
				}
				rc.Report("power on", 0.4)
			}

			if rc.Adapters.MaaS != nil {
				id := rc.State.ServerHandle()
				if id == "" {
					id = rc.ServerID
				}
				info, err := rc.Adapters.MaaS.Machine(ctx, id)
				if err != nil {
					return err
				}
				rc.State.SetValue("final_maas_status", string(info.Status))
				switch {
				case info.Status == adapter.MachineFailed || info.Status == adapter.MachineBroken:
					return faults.Errorf(faults.KindInternal, "steps.final_validate",
						"machine is %s after provisioning", info.Status)
				case !info.Status.Settled():
					return faults.Errorf(faults.KindInternal, "steps.final_validate",
						"machine still %s after provisioning", info.Status)
				}
				rc.Report("maas status "+string(info.Status), 0.8)
			}

			rc.Report("validation passed", 0.95)
			return nil
		},
	}
}

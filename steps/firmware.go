package steps

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
)

// FirmwareCheck compares the versions the BMC reports against the plan's
// targets and queues the components that lag. Fallback plans carry no
// firmware targets, so the step skips itself on them.
func FirmwareCheck(Deps) Step {
	return Step{
		Name:        NameFirmwareCheck,
		Description: "compare firmware versions against the plan",
		Timeout:     5 * time.Minute,
		Retry:       &RetryPolicy{Count: 1},
		Run: func(ctx context.Context, rc *RunContext) error {
			plan := rc.State.Plan()
			if plan == nil || plan.Strategy == data.StrategyFallback || len(plan.FirmwareMethods) == 0 {
				return Skipf("plan requests no firmware work")
			}
			if rc.Adapters.BMC == nil {
				return faults.Errorf(faults.KindUnsupported, "steps.firmware_check",
					"no bmc adapter configured")
			}

			installed, err := rc.Adapters.BMC.FirmwareVersions(ctx)
			if err != nil {
				return err
			}

			components := make([]string, 0, len(plan.FirmwareMethods))
			for c := range plan.FirmwareMethods {
				components = append(components, c)
			}

			var updates []data.FirmwareUpdate
			for _, c := range orderUpdates(components) {
				method := plan.FirmwareMethods[c]
				if method.Version == "" {
					rc.Log.V(1).Info("no target version for component", "component", c)
					continue
				}
				current := installed[c]
				if current == method.Version {
					rc.Report(fmt.Sprintf("%s already at %s", c, current), 0.5)
					continue
				}
				updates = append(updates, data.FirmwareUpdate{
					Component: c,
					Current:   current,
					Target:    method.Version,
					Method:    method.Method,
					Tool:      method.Tool,
					Artifact:  method.Artifact,
				})
				rc.Report(fmt.Sprintf("%s needs %s (has %q)", c, method.Version, current), 0.5)
			}

			rc.State.SetFirmwareUpdates(updates)
			rc.Report(fmt.Sprintf("%d component(s) need updating", len(updates)), 0.9)
			return nil
		},
	}
}

// firmwareApplyConcurrency bounds how many component updates stage at once.
// BMCs wedge when too many install tasks run together.
const firmwareApplyConcurrency = 2

// FirmwareApplyBatch stages every queued firmware update, at most
// firmwareApplyConcurrency at a time. Updates are launched in queue order,
// which FirmwareCheck arranged bmc first. Staged images take effect on the
// next power cycle; ControlledReboot delivers it.
func FirmwareApplyBatch(Deps) Step {
	return Step{
		Name:        NameFirmwareApply,
		Description: "stage the queued firmware updates",
		Timeout:     30 * time.Minute,
		Retry:       &RetryPolicy{Count: 1},
		Run: func(ctx context.Context, rc *RunContext) error {
			updates := rc.State.FirmwareUpdates()
			if len(updates) == 0 {
				return Skipf("no pending firmware updates")
			}

			g, ctx := errgroup.WithContext(ctx)
			sem := semaphore.NewWeighted(firmwareApplyConcurrency)
			var done atomic.Int64
			total := len(updates)
			for _, u := range updates {
				if err := sem.Acquire(ctx, 1); err != nil {
					break
				}
				g.Go(func() error {
					defer sem.Release(1)
					if err := applyOneUpdate(ctx, rc, u); err != nil {
						return err
					}
					n := done.Add(1)
					rc.Report(fmt.Sprintf("%s staged (%d/%d)", u.Component, n, total),
						float64(n)/float64(total))
					return nil
				})
			}
			return g.Wait()
		},
	}
}

func applyOneUpdate(ctx context.Context, rc *RunContext, u data.FirmwareUpdate) error {
	switch u.Method {
	case "redfish":
		if rc.Adapters.BMC == nil {
			return faults.Errorf(faults.KindUnsupported, "steps.firmware_apply",
				"%s update needs a bmc adapter", u.Component)
		}
		image, err := os.Open(u.Artifact)
		if err != nil {
			return faults.E(faults.KindNotFound, "steps.firmware_apply", err)
		}
		defer image.Close()
		return rc.Adapters.BMC.UpdateFirmware(ctx, u.Component, image)
	case "vendor_tool":
		if rc.Adapters.VendorTool == nil {
			return faults.Errorf(faults.KindUnsupported, "steps.firmware_apply",
				"%s update needs the %s vendor tool", u.Component, u.Tool)
		}
		return rc.Adapters.VendorTool.FirmwareUpdate(ctx, u.Component, u.Artifact)
	default:
		return faults.Errorf(faults.KindUnsupported, "steps.firmware_apply",
			"unknown firmware method %q for %s", u.Method, u.Component)
	}
}

// ControlledReboot power cycles the server so staged firmware takes effect,
// then waits for the chassis to report power on again. Runs with nothing
// staged skip the cycle entirely.
func ControlledReboot(deps Deps) Step {
	return Step{
		Name:        NameReboot,
		Description: "power cycle and wait for the server to come back",
		Timeout:     10 * time.Minute,
		Retry:       &RetryPolicy{Count: 1},
		Run: func(ctx context.Context, rc *RunContext) error {
			if len(rc.State.FirmwareUpdates()) == 0 {
				return Skipf("no staged firmware to apply")
			}
			if rc.Adapters.BMC == nil {
				return faults.Errorf(faults.KindUnsupported, "steps.reboot",
					"no bmc adapter configured")
			}

			rc.Report("power cycling", 0.1)
			if err := rc.Adapters.BMC.PowerCycle(ctx); err != nil {
				return err
			}

			ticker := time.NewTicker(deps.pollInterval())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return faults.E(faults.KindOf(ctx.Err()), "steps.reboot", ctx.Err())
				case <-ticker.C:
				}

				state, err := rc.Adapters.BMC.PowerState(ctx)
				if err != nil {
					// BMCs drop their session mid-reset; keep polling until
					// the step deadline decides.
					if faults.Retryable(err) {
						rc.Log.V(1).Info("power state poll failed", "error", err.Error())
						continue
					}
					return err
				}
				if state == data.PowerOn {
					rc.State.SetPower(state)
					rc.Report("server back online", 0.9)
					return nil
				}
				rc.Log.V(1).Info("waiting for power on", "state", string(state))
			}
		},
	}
}

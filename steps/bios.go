package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/metalforge/metalforge/pkg/faults"
)

// planNeedsVendorTool reports whether the run's plan routes BIOS work
// through a vendor CLI.
func planNeedsVendorTool(rc *RunContext) bool {
	plan := rc.State.Plan()
	return plan != nil && plan.FirmwareMethods["bios"].Method == "vendor_tool"
}

// PullBIOSConfig captures the server's current BIOS configuration as the
// baseline for the modify step. Servers without a vendor tool start from an
// empty baseline; a plan that explicitly routes BIOS work through the
// vendor tool turns its absence into a retryable failure instead.
func PullBIOSConfig(Deps) Step {
	return Step{
		Name:        NamePullBIOS,
		Description: "capture the current bios configuration",
		Timeout:     5 * time.Minute,
		Retry:       &RetryPolicy{Count: 2},
		Run: func(ctx context.Context, rc *RunContext) error {
			vt := rc.Adapters.VendorTool
			if vt == nil {
				if planNeedsVendorTool(rc) {
					return faults.Errorf(faults.KindTransient, "steps.pull_bios",
						"plan routes bios through a vendor tool but none is configured")
				}
				rc.State.SetBIOSCurrent("")
				rc.Report("no vendor tool, starting from an empty baseline", 0.9)
				return nil
			}

			blob, err := vt.PullBIOS(ctx)
			if err != nil {
				if faults.KindOf(err) == faults.KindUnsupported && !planNeedsVendorTool(rc) {
					rc.Log.V(1).Info("vendor tool cannot pull bios config", "error", err.Error())
					rc.State.SetBIOSCurrent("")
					rc.Report("tool cannot export config, starting from an empty baseline", 0.9)
					return nil
				}
				return err
			}

			rc.State.SetBIOSCurrent(string(blob))
			rc.Report(fmt.Sprintf("pulled %d settings", len(settingsMap(string(blob)))), 0.9)
			return nil
		},
	}
}

// ModifyBIOSConfig renders the plan's BIOS template into the target
// configuration, overlaying preserve-listed settings with their live
// values. The step only computes; PushBIOSConfig applies.
func ModifyBIOSConfig(Deps) Step {
	return Step{
		Name:        NameModifyBIOS,
		Description: "render the target bios configuration",
		Timeout:     time.Minute,
		Run: func(ctx context.Context, rc *RunContext) error {
			plan := rc.State.Plan()
			if plan == nil {
				return faults.Errorf(faults.KindValidation, "steps.modify_bios",
					"no configuration plan in context")
			}
			if plan.BIOSTemplate == "" {
				return Skipf("plan carries no bios template")
			}

			vars := rc.State.Values()
			var rendered string
			var err error
			if plan.DeviceTypeID != "" {
				rendered, err = rc.Catalog.RenderBIOS(plan.DeviceTypeID, vars)
				if err != nil && faults.KindOf(err) != faults.KindNotFound {
					return err
				}
			}
			if rendered == "" {
				// Fallback plans name a template directly instead of going
				// through a device type.
				rendered, err = rc.Catalog.RenderNamed(plan.BIOSTemplate, vars)
				if err != nil {
					return err
				}
			}

			current := rc.State.BIOSCurrent()
			target, preserved := overlayPreserve(rendered, current, plan.PreserveSettings)

			if current != "" && subsetOf(settingsMap(target), settingsMap(current)) {
				rc.State.SetBIOSTarget("")
				rc.Report("configuration already matches, nothing to push", 0.9)
				return nil
			}

			rc.State.SetBIOSTarget(target)
			rc.Report(fmt.Sprintf("rendered %d settings, preserved %d",
				len(settingsMap(target)), preserved), 0.9)
			return nil
		},
	}
}

// subsetOf reports whether every key in want already holds the same value
// in have.
func subsetOf(want, have map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// PushBIOSConfig writes the target configuration to the server and power
// cycles it so the settings take effect. The adapter path follows the
// plan: vendor tool when the plan demands it, BMC otherwise.
func PushBIOSConfig(Deps) Step {
	return Step{
		Name:        NamePushBIOS,
		Description: "apply the target bios configuration",
		Timeout:     10 * time.Minute,
		Retry:       &RetryPolicy{Count: 2},
		Run: func(ctx context.Context, rc *RunContext) error {
			target := rc.State.BIOSTarget()
			if strings.TrimSpace(target) == "" {
				return Skipf("no bios changes to push")
			}

			vt := rc.Adapters.VendorTool
			bmc := rc.Adapters.BMC
			switch {
			case planNeedsVendorTool(rc):
				if vt == nil {
					return faults.Errorf(faults.KindTransient, "steps.push_bios",
						"plan routes bios through a vendor tool but none is configured")
				}
				rc.Report("pushing config via vendor tool", 0.3)
				if err := vt.PushBIOS(ctx, []byte(target)); err != nil {
					return err
				}
			case bmc != nil:
				settings := settingsMap(target)
				if len(settings) == 0 {
					return Skipf("target config carries no settings")
				}
				rc.Report(fmt.Sprintf("pushing %d settings via bmc", len(settings)), 0.3)
				if err := bmc.SetBIOSConfig(ctx, settings); err != nil {
					return err
				}
			case vt != nil:
				rc.Report("pushing config via vendor tool", 0.3)
				if err := vt.PushBIOS(ctx, []byte(target)); err != nil {
					return err
				}
			default:
				return Skipf("no adapter can push bios config")
			}

			if bmc != nil {
				if plan := rc.State.Plan(); plan != nil && len(plan.BootOrder) > 0 {
					device := plan.BootOrder[0]
					rc.Report("boot device "+device, 0.7)
					if err := bmc.SetBootDevice(ctx, device, true, false); err != nil {
						return err
					}
				}
				rc.Report("power cycling to apply settings", 0.8)
				if err := bmc.PowerCycle(ctx); err != nil {
					return err
				}
			} else {
				rc.Report("config pushed, reboot required to apply", 0.8)
			}
			return nil
		},
	}
}

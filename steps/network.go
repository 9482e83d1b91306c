package steps

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/metalforge/metalforge/pkg/faults"
)

// RetrieveServerIP reads the machine's deployed IP address back from MaaS
// and stores it in the context. MaaS assigns addresses asynchronously after
// commissioning, so an empty address list is transient and left to the
// step's retry budget.
func RetrieveServerIP(deps Deps) Step {
	return Step{
		Name:        NameServerIP,
		Description: "read the server's IP address from maas",
		Timeout:     2 * time.Minute,
		Retry:       &RetryPolicy{Count: 3},
		Run: func(ctx context.Context, rc *RunContext) error {
			if rc.Adapters.MaaS == nil {
				return faults.Errorf(faults.KindUnsupported, "steps.retrieve_ip", "no maas adapter configured")
			}

			id := rc.State.ServerHandle()
			if id == "" {
				id = rc.ServerID
			}
			info, err := rc.Adapters.MaaS.Machine(ctx, id)
			if err != nil {
				return err
			}
			if len(info.IPAddresses) == 0 {
				return faults.Errorf(faults.KindTransient, "steps.retrieve_ip",
					"machine %s has no ip address yet", id)
			}

			ip := info.IPAddresses[0]
			rc.State.SetServerIP(ip)
			rc.Report("server ip "+ip, 0.6)

			// The reachability probe is advisory. A host that is still
			// booting answers later; the address itself is what the rest
			// of the workflow needs.
			reachable := "false"
			addr := net.JoinHostPort(ip, "22")
			probeCtx, cancel := context.WithTimeout(ctx, deps.dialTimeout())
			defer cancel()
			if conn, err := deps.dial()(probeCtx, "tcp", addr); err == nil {
				conn.Close()
				reachable = "true"
			} else {
				rc.Log.V(1).Info("server not reachable yet", "addr", addr, "error", err.Error())
			}
			rc.State.SetValue("server_ip_reachable", reachable)
			rc.Report("ssh reachable: "+reachable, 0.9)
			return nil
		},
	}
}

const ipmiChannel = 1

// UpdateIPMIConfig reconfigures the server's out-of-band interface. With a
// target IPMI address in the context it writes the address and gateway over
// the LAN channel and reads them back; without one it only records the
// current LAN settings.
func UpdateIPMIConfig(Deps) Step {
	return Step{
		Name:        NameUpdateIPMI,
		Description: "apply ipmi lan settings",
		Timeout:     5 * time.Minute,
		Retry:       &RetryPolicy{Count: 2},
		Run: func(ctx context.Context, rc *RunContext) error {
			target := rc.State.TargetIPMIIP()
			tool := rc.Adapters.IPMI
			if tool == nil {
				if target != "" {
					return faults.Errorf(faults.KindUnsupported, "steps.update_ipmi",
						"ipmi reconfiguration requested but no ipmi adapter configured")
				}
				rc.Report("no ipmi adapter, nothing to record", 0.9)
				return nil
			}

			if target == "" {
				settings, err := tool.LANPrint(ctx, ipmiChannel)
				if err != nil {
					return err
				}
				record(rc, settings, "ipmi_ip", "IP Address")
				record(rc, settings, "ipmi_gateway", "Default Gateway IP")
				record(rc, settings, "ipmi_mac", "MAC Address")
				rc.Report("recorded current lan settings", 0.9)
				return nil
			}

			rc.Report("setting ipmi address "+target, 0.3)
			if err := tool.LANSet(ctx, ipmiChannel, "ipaddr", target); err != nil {
				return err
			}
			if gw := rc.State.Gateway(); gw != "" {
				if err := tool.LANSet(ctx, ipmiChannel, "defgw ipaddr", gw); err != nil {
					return err
				}
			}

			settings, err := tool.LANPrint(ctx, ipmiChannel)
			if err != nil {
				return err
			}
			if got := settings["IP Address"]; got != target {
				return faults.Errorf(faults.KindTransient, "steps.update_ipmi",
					"lan channel reports %q after setting ip %q", got, target)
			}
			record(rc, settings, "ipmi_ip", "IP Address")
			record(rc, settings, "ipmi_gateway", "Default Gateway IP")
			record(rc, settings, "ipmi_mac", "MAC Address")
			rc.Report(fmt.Sprintf("ipmi address now %s", target), 0.9)
			return nil
		},
	}
}

func record(rc *RunContext, settings map[string]string, key, setting string) {
	if v := settings[setting]; v != "" {
		rc.State.SetValue(key, v)
	}
}

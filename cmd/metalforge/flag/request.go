package flag

import (
	realnetip "net/netip"

	"github.com/peterbourgon/ff/v4/ffval"

	"github.com/metalforge/metalforge/pkg/flag/kvmap"
	"github.com/metalforge/metalforge/pkg/flag/netip"
	"github.com/metalforge/metalforge/planner"
	"github.com/metalforge/metalforge/steps"
)

// RequestConfig carries the flags describing one workflow creation order.
type RequestConfig struct {
	Template       string
	ServerID       string
	DeviceType     string
	BMCIP          realnetip.Addr
	Gateway        realnetip.Addr
	Policy         string
	FirmwareFirst  bool
	CorrelationID  string
	LocalDiscovery bool
	// SSHHost is where the target's host OS answers SSH, for detailed
	// discovery. Empty skips dialing.
	SSHHost string
	Params  map[string]string
}

func RegisterRequestFlags(fs *Set, rc *RequestConfig) {
	fs.Register(Template, ffval.NewValueDefault(&rc.Template, rc.Template))
	fs.Register(ServerID, ffval.NewValueDefault(&rc.ServerID, rc.ServerID))
	fs.Register(DeviceType, ffval.NewValueDefault(&rc.DeviceType, rc.DeviceType))
	fs.Register(BMCIP, &netip.Addr{Addr: &rc.BMCIP})
	fs.Register(Gateway, &netip.Addr{Addr: &rc.Gateway})
	fs.Register(Policy, ffval.NewValueDefault(&rc.Policy, rc.Policy))
	fs.Register(FirmwareFirst, ffval.NewValueDefault(&rc.FirmwareFirst, rc.FirmwareFirst))
	fs.Register(CorrelationID, ffval.NewValueDefault(&rc.CorrelationID, rc.CorrelationID))
	fs.Register(LocalDiscovery, ffval.NewValueDefault(&rc.LocalDiscovery, rc.LocalDiscovery))
	fs.Register(SSHHost, ffval.NewValueDefault(&rc.SSHHost, rc.SSHHost))
	fs.Register(Param, kvmap.New(&rc.Params))
}

// Convert lifts the flag values into a planner request.
func (rc *RequestConfig) Convert() planner.Request {
	req := planner.Request{
		Template:      rc.Template,
		ServerID:      rc.ServerID,
		DeviceType:    rc.DeviceType,
		Policy:        rc.Policy,
		FirmwareFirst: rc.FirmwareFirst,
		CorrelationID: rc.CorrelationID,
	}
	if rc.BMCIP.IsValid() {
		req.TargetIPMIIP = rc.BMCIP.String()
	}
	if rc.Gateway.IsValid() {
		req.Gateway = rc.Gateway.String()
	}
	if len(rc.Params) > 0 || rc.LocalDiscovery {
		req.Extra = make(map[string]string, len(rc.Params)+1)
		for k, v := range rc.Params {
			req.Extra[k] = v
		}
		if rc.LocalDiscovery {
			req.Extra[steps.KeyLocalDiscovery] = "true"
		}
	}
	return req
}

var Template = Config{
	Name:  "template",
	Usage: "workflow template name, empty picks basic provisioning",
}

var ServerID = Config{
	Name:  "server-id",
	Usage: "identifier of the server being provisioned, the MaaS system id when MaaS is wired",
}

var DeviceType = Config{
	Name:  "device-type",
	Usage: "catalog device type to pin instead of classifying",
}

var BMCIP = Config{
	Name:  "bmc-ip",
	Usage: "IP the management controller should end up on",
}

var Gateway = Config{
	Name:  "gateway",
	Usage: "gateway for the management network",
}

var Policy = Config{
	Name:  "classify-policy",
	Usage: "classification policy, e.g. always_reclassify",
}

var FirmwareFirst = Config{
	Name:  "firmware-first",
	Usage: "run the firmware-first provisioning variant",
}

var CorrelationID = Config{
	Name:  "correlation-id",
	Usage: "caller supplied id stamped on history and events, minted when empty",
}

var LocalDiscovery = Config{
	Name:  "local-discovery",
	Usage: "inspect the host this process runs on instead of dialing the target",
}

var SSHHost = Config{
	Name:  "ssh-host",
	Usage: "host OS address for SSH discovery; empty relies on MaaS inventory",
}

var Param = Config{
	Name:  "param",
	Usage: "extra key=value for the run context, repeatable",
}

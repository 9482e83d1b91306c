// Package adapter defines the capability contracts the step library runs
// against: the MaaS inventory, the per-server Redfish BMC, raw IPMI lan
// configuration, an SSH executor and vendor maintenance tools.
// Implementations live in subpackages and map their transport errors into
// faults kinds at the boundary; steps and the engine branch on kinds only.
package adapter

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/metalforge/metalforge/pkg/data"
)

// MachineStatus is the MaaS side lifecycle state of a machine.
type MachineStatus string

const (
	MachineNew           = MachineStatus("New")
	MachineCommissioning = MachineStatus("Commissioning")
	MachineTesting       = MachineStatus("Testing")
	MachineReady         = MachineStatus("Ready")
	MachineAllocated     = MachineStatus("Allocated")
	MachineDeploying     = MachineStatus("Deploying")
	MachineDeployed      = MachineStatus("Deployed")
	MachineReleasing     = MachineStatus("Releasing")
	MachineFailed        = MachineStatus("Failed")
	MachineBroken        = MachineStatus("Broken")
)

// Settled reports whether MaaS stopped working on the machine, successfully
// or not.
func (s MachineStatus) Settled() bool {
	switch s {
	case MachineReady, MachineDeployed, MachineFailed, MachineBroken:
		return true
	}
	return false
}

// MachineInfo is what MaaS knows about a machine.
type MachineInfo struct {
	SystemID     string            `json:"systemId"`
	Hostname     string            `json:"hostname,omitempty"`
	Status       MachineStatus     `json:"status"`
	PowerType    string            `json:"powerType,omitempty"`
	Architecture string            `json:"architecture,omitempty"`
	CPUCount     int               `json:"cpuCount,omitempty"`
	MemoryMB     int64             `json:"memoryMB,omitempty"`
	Vendor       string            `json:"vendor,omitempty"`
	Motherboard  string            `json:"motherboard,omitempty"`
	IPAddresses  []string          `json:"ipAddresses,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// MaaS drives the machine inventory servers are enrolled in.
type MaaS interface {
	ListMachines(ctx context.Context) ([]MachineInfo, error)
	Machine(ctx context.Context, systemID string) (MachineInfo, error)
	Commission(ctx context.Context, systemID string) error
	Release(ctx context.Context, systemID string) error
	Tag(ctx context.Context, systemID string, tags []string) error
}

// IPMIConfig is the management user configuration applied to a BMC.
type IPMIConfig struct {
	Username string
	Password string
	// Role is the BMC privilege level, e.g. "Administrator".
	Role string
}

// BMC is one server's baseboard management controller, reached over
// Redfish or a comparable provider.
type BMC interface {
	PowerState(ctx context.Context) (data.PowerState, error)
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	PowerCycle(ctx context.Context) error
	SetBootDevice(ctx context.Context, device string, persistent, efiBoot bool) error
	// FirmwareVersions reports installed firmware by component name
	// ("bios", "bmc", ...). Components the BMC cannot report are absent.
	FirmwareVersions(ctx context.Context) (map[string]string, error)
	// UpdateFirmware stages image for the component; it takes effect on
	// the next reset.
	UpdateFirmware(ctx context.Context, component string, image io.Reader) error
	SetBIOSConfig(ctx context.Context, settings map[string]string) error
	ApplyIPMIConfig(ctx context.Context, cfg IPMIConfig) error
	Close(ctx context.Context) error
}

// IPMI is the raw lan-channel surface of a BMC, for the network settings
// Redfish providers do not expose.
type IPMI interface {
	// LANPrint reads the channel's lan settings as reported key/value
	// pairs ("IP Address", "Default Gateway IP", ...).
	LANPrint(ctx context.Context, channel int) (map[string]string, error)
	LANSet(ctx context.Context, channel int, setting, value string) error
}

// SSH executes commands on a remote host.
type SSH interface {
	Run(ctx context.Context, cmd string) (stdout, stderr string, err error)
	Close() error
}

// ExitError is the cause an SSH adapter wraps when the remote command ran
// and exited nonzero. Callers branch on Code, e.g. 127 for a missing
// binary.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	s := strings.TrimSpace(e.Stderr)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return fmt.Sprintf("command exited %d", e.Code)
	}
	return fmt.Sprintf("command exited %d: %s", e.Code, s)
}

// VendorTool is the vendor maintenance surface for one server, e.g.
// Supermicro's sum. Installing the underlying binary is the adapter's
// problem, including retries; callers never see a missing tool except as
// an unsupported fault.
type VendorTool interface {
	// Probe reports the vendor id the tool serves when the target answers
	// it, e.g. "supermicro".
	Probe(ctx context.Context) (vendor string, err error)
	PullBIOS(ctx context.Context) ([]byte, error)
	PushBIOS(ctx context.Context, blob []byte) error
	FirmwareUpdate(ctx context.Context, component, artifact string) error
}

// Set bundles the capability handles one workflow run works with. Absent
// capabilities are nil; steps that need a missing one fail with
// faults.KindUnsupported.
type Set struct {
	MaaS       MaaS
	BMC        BMC
	IPMI       IPMI
	SSH        SSH
	VendorTool VendorTool
}

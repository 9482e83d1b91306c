// Package data holds the plain types shared between the catalog, the
// classification engine, the workflow engine and the capability adapters.
package data

import (
	"strings"
)

// HardwareFacts is what discovery knows about a physical server. Fields are
// best effort; absent values are empty strings or zero.
type HardwareFacts struct {
	Vendor       string            `json:"vendor,omitempty"`
	Motherboard  string            `json:"motherboard,omitempty"`
	CPUModel     string            `json:"cpuModel,omitempty"`
	CPUCores     int               `json:"cpuCores,omitempty"`
	MemoryGB     int               `json:"memoryGB,omitempty"`
	SerialNumber string            `json:"serialNumber,omitempty"`
	BMCAddress   string            `json:"bmcAddress,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Empty reports whether no identifying fact is present at all.
func (f HardwareFacts) Empty() bool {
	return f.Vendor == "" && f.Motherboard == "" && f.CPUModel == "" && f.CPUCores == 0
}

// ConfidenceLevel buckets a classification confidence score.
type ConfidenceLevel string

const (
	ConfidenceHigh   = ConfidenceLevel("high")
	ConfidenceMedium = ConfidenceLevel("medium")
	ConfidenceLow    = ConfidenceLevel("low")
	ConfidenceNone   = ConfidenceLevel("none")
)

// Classification is the outcome of matching hardware facts against the
// device catalog.
type Classification struct {
	DeviceTypeID string             `json:"deviceTypeId,omitempty"`
	Confidence   float64            `json:"confidence"`
	Level        ConfidenceLevel    `json:"level"`
	// Scores holds the total score of every candidate device type,
	// keyed by device type id.
	Scores map[string]float64 `json:"scores,omitempty"`
	// Breakdown holds the per-component scores of the winning candidate.
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
	Method    string             `json:"method,omitempty"`
}

// PlanStrategy says how a configuration plan was derived.
type PlanStrategy string

const (
	StrategyIntelligent = PlanStrategy("intelligent")
	StrategyFallback    = PlanStrategy("fallback")
)

// FirmwareMethod describes how one firmware component is tracked and
// updated: the mechanism, the latest known version and where the artifact
// lives.
type FirmwareMethod struct {
	Method string `json:"method" yaml:"method"`
	// Tool is the vendor CLI to use when Method is "vendor_tool".
	Tool string `json:"tool,omitempty" yaml:"tool,omitempty"`
	// Version is the latest known good version for the component.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	// Artifact locates the firmware image for that version.
	Artifact string `json:"artifact,omitempty" yaml:"artifact,omitempty"`
}

// FirmwareUpdate is one pending component update, produced by the firmware
// check against the catalog and consumed by the batch apply.
type FirmwareUpdate struct {
	Component string `json:"component"`
	Current   string `json:"current,omitempty"`
	Target    string `json:"target,omitempty"`
	Method    string `json:"method"`
	Tool      string `json:"tool,omitempty"`
	Artifact  string `json:"artifact,omitempty"`
}

// ConfigPlan is the resolved device configuration strategy for one workflow
// run. It is produced once by the planner and then read-only.
type ConfigPlan struct {
	DeviceTypeID    string                    `json:"deviceTypeId,omitempty"`
	Strategy        PlanStrategy              `json:"strategy"`
	FirmwareMethods map[string]FirmwareMethod `json:"firmwareMethods,omitempty"`
	BIOSTemplate    string                    `json:"biosTemplate,omitempty"`
	// PreserveSettings lists BIOS attributes whose existing values must
	// survive a push.
	PreserveSettings []string `json:"preserveSettings,omitempty"`
	BootOrder        []string `json:"bootOrder,omitempty"`
	// Reasons records why the planner chose this plan, newest last.
	Reasons []string `json:"reasons,omitempty"`
}

// PowerState is a normalized BMC chassis power state.
type PowerState string

const (
	PowerOn      = PowerState("on")
	PowerOff     = PowerState("off")
	PowerUnknown = PowerState("unknown")
)

// ParsePowerState normalizes the raw strings BMCs report.
func ParsePowerState(raw string) PowerState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on", "poweredon", "powered on", "chassis power is on":
		return PowerOn
	case "off", "poweredoff", "powered off", "chassis power is off":
		return PowerOff
	}
	return PowerUnknown
}

// BMCEndpoint is how to reach a server's baseboard management controller.
type BMCEndpoint struct {
	Host        string
	Port        int
	Username    string
	Password    string
	CipherSuite string
}

package catalog

import (
	"fmt"
	"strings"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"sigs.k8s.io/yaml"

	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
)

// Document is the on-disk catalog schema: vendors own motherboards,
// motherboards own device types. Firmware methods declared at the vendor
// level are defaults; motherboard declarations override them per component.
type Document struct {
	Version int      `json:"version" validate:"required,eq=1"`
	Vendors []Vendor `json:"vendors" validate:"required,min=1,dive"`
	// BIOSTemplates maps template names to Go template text. Device types
	// reference these by name.
	BIOSTemplates map[string]string `json:"biosTemplates,omitempty"`
}

type Vendor struct {
	Name            string                         `json:"name" validate:"required"`
	Aliases         []string                       `json:"aliases,omitempty"`
	FirmwareMethods map[string]data.FirmwareMethod `json:"firmwareMethods,omitempty" validate:"omitempty,dive"`
	Motherboards    []Motherboard                  `json:"motherboards" validate:"required,min=1,dive"`
}

type Motherboard struct {
	Model           string                         `json:"model" validate:"required"`
	FirmwareMethods map[string]data.FirmwareMethod `json:"firmwareMethods,omitempty" validate:"omitempty,dive"`
	DeviceTypes     []DeviceType                   `json:"deviceTypes" validate:"required,min=1,dive"`
}

type DeviceType struct {
	ID           string   `json:"id" validate:"required"`
	Description  string   `json:"description,omitempty"`
	CPUModel     string   `json:"cpuModel,omitempty"`
	CPUCores     int      `json:"cpuCores,omitempty" validate:"min=0"`
	MemoryGB     int      `json:"memoryGB,omitempty" validate:"min=0"`
	BIOSTemplate string   `json:"biosTemplate,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	// PreserveSettings are BIOS keys whose live values survive a config
	// push; the rendered template never overrides them.
	PreserveSettings []string `json:"preserveSettings,omitempty"`
	// BootOrder is the boot device sequence this device type wants,
	// strongest first.
	BootOrder []string `json:"bootOrder,omitempty"`
	// PlanRules are pattern strings matched against the facts JSON during
	// planning; each match strengthens the case for an intelligent plan.
	PlanRules []string `json:"planRules,omitempty"`
}

// ParseDocument unmarshals and validates a catalog document. The returned
// document is normalized; serializing it and parsing again yields an equal
// document.
func ParseDocument(b []byte) (*Document, error) {
	doc := &Document{}
	if err := yaml.UnmarshalStrict(b, doc); err != nil {
		return nil, faults.E(faults.KindValidation, "catalog.parse", err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Serialize renders the document back to canonical YAML.
func (d *Document) Serialize() ([]byte, error) {
	b, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("serializing catalog: %w", err)
	}
	return b, nil
}

func (d *Document) validate() error {
	v := validator.New()
	if err := v.Struct(d); err != nil {
		return faults.E(faults.KindValidation, "catalog.validate", err)
	}

	seenIDs := map[string]string{}
	seenVendors := map[string]string{}
	for vi, vendor := range d.Vendors {
		names := append([]string{vendor.Name}, vendor.Aliases...)
		for _, n := range names {
			key := foldKey(n)
			if prev, ok := seenVendors[key]; ok && prev != vendor.Name {
				return faults.Errorf(faults.KindValidation, "catalog.validate",
					"vendors[%d]: name or alias %q collides with vendor %q", vi, n, prev)
			}
			seenVendors[key] = vendor.Name
		}
		if err := validateMethods(vendor.FirmwareMethods, fmt.Sprintf("vendors[%d]", vi)); err != nil {
			return err
		}
		for mi, mb := range vendor.Motherboards {
			path := fmt.Sprintf("vendors[%d].motherboards[%d]", vi, mi)
			if err := validateMethods(mb.FirmwareMethods, path); err != nil {
				return err
			}
			for di, dt := range mb.DeviceTypes {
				if prev, ok := seenIDs[dt.ID]; ok {
					return faults.Errorf(faults.KindValidation, "catalog.validate",
						"%s.deviceTypes[%d]: duplicate device type id %q (also under %s)", path, di, dt.ID, prev)
				}
				seenIDs[dt.ID] = path
				if dt.BIOSTemplate != "" {
					if _, ok := d.BIOSTemplates[dt.BIOSTemplate]; !ok {
						return faults.Errorf(faults.KindValidation, "catalog.validate",
							"%s.deviceTypes[%d]: unknown BIOS template %q", path, di, dt.BIOSTemplate)
					}
				}
			}
		}
	}
	return nil
}

var knownMethods = map[string]bool{
	"redfish":     true,
	"ipmi":        true,
	"vendor_tool": true,
	"ssh":         true,
}

func validateMethods(methods map[string]data.FirmwareMethod, path string) error {
	for component, m := range methods {
		if !knownMethods[m.Method] {
			return faults.Errorf(faults.KindValidation, "catalog.validate",
				"%s.firmwareMethods[%s]: unknown method %q", path, component, m.Method)
		}
		if m.Method == "vendor_tool" && m.Tool == "" {
			return faults.Errorf(faults.KindValidation, "catalog.validate",
				"%s.firmwareMethods[%s]: vendor_tool requires a tool name", path, component)
		}
	}
	return nil
}

// mergedMethods resolves the effective firmware methods for a motherboard:
// vendor defaults merged with the motherboard's overrides. Override is per
// field; a component whose merged method is not vendor_tool drops any
// inherited tool name.
func mergedMethods(vendor, board map[string]data.FirmwareMethod) map[string]data.FirmwareMethod {
	out := make(map[string]data.FirmwareMethod, len(vendor))
	for k, v := range vendor {
		out[k] = v
	}
	_ = mergo.Merge(&out, board, mergo.WithOverride)
	for k, m := range out {
		if m.Method != "vendor_tool" {
			m.Tool = ""
			out[k] = m
		}
	}
	return out
}

func foldKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

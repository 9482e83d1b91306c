package planner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"gopkg.in/yaml.v3"

	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
	"github.com/metalforge/metalforge/steps"
)

// Built-in workflow template names.
const (
	TemplateBasic         = "basic_provisioning"
	TemplateFirmwareFirst = "firmware_first_provisioning"
	TemplateIntelligent   = "intelligent_commissioning"
)

// Request is one workflow creation order.
type Request struct {
	// Template names the workflow template. Empty picks basic
	// provisioning, or the firmware-first variant when FirmwareFirst is
	// set.
	Template string `json:"template,omitempty"`
	ServerID string `json:"server_id" validate:"required"`
	// DeviceType pins the catalog device type instead of classifying.
	DeviceType   string `json:"device_type,omitempty"`
	TargetIPMIIP string `json:"target_ipmi_ip,omitempty" validate:"omitempty,ip"`
	Gateway      string `json:"gateway,omitempty" validate:"omitempty,ip"`
	// Policy is the classification policy, e.g. always_reclassify.
	Policy        string `json:"classify_policy,omitempty"`
	FirmwareFirst bool   `json:"firmware_first,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	// Extra lands in the run context's value map before the reserved
	// keys, and is visible to template vars as {{ .Extra.key }}.
	Extra map[string]string `json:"extra,omitempty"`
}

// TemplateDoc is the YAML shape of a custom workflow template.
type TemplateDoc struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Steps       []string `yaml:"steps"`
	// Vars are rendered per request with Go template syntax plus sprig
	// functions; the results land in the run context value map.
	Vars map[string]string `yaml:"vars,omitempty"`
}

// TemplateInfo describes one registered template.
type TemplateInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps"`
	Builtin     bool     `json:"builtin"`
}

type templateSpec struct {
	description string
	steps       []string
	vars        map[string]string
	builtin     bool
}

// Factory instantiates workflow templates. It resolves rosters against
// the step registry and seeds the run context for the engine.
type Factory struct {
	mu        sync.RWMutex
	registry  *steps.Registry
	catalog   Catalog
	planner   *Planner
	templates map[string]templateSpec
}

func NewFactory(reg *steps.Registry, cat Catalog, pl *Planner) (*Factory, error) {
	if reg == nil || cat == nil || pl == nil {
		return nil, faults.Errorf(faults.KindValidation, "planner.factory", "registry, catalog and planner are required")
	}
	f := &Factory{
		registry:  reg,
		catalog:   cat,
		planner:   pl,
		templates: map[string]templateSpec{},
	}
	for name, spec := range builtinTemplates() {
		f.templates[name] = spec
	}
	return f, nil
}

func builtinTemplates() map[string]templateSpec {
	return map[string]templateSpec{
		TemplateBasic: {
			description: "commission and configure a server with a known device type",
			builtin:     true,
			steps: []string{
				steps.NameCommission,
				steps.NameServerIP,
				steps.NamePullBIOS,
				steps.NameModifyBIOS,
				steps.NamePushBIOS,
				steps.NameUpdateIPMI,
				steps.NameFinalize,
			},
		},
		TemplateFirmwareFirst: {
			description: "bring firmware to target levels before any configuration",
			builtin:     true,
			steps: []string{
				steps.NamePreflight,
				steps.NameFirmwareCheck,
				steps.NameFirmwareApply,
				steps.NameReboot,
				steps.NameServerIP,
				steps.NamePullBIOS,
				steps.NameModifyBIOS,
				steps.NamePushBIOS,
				steps.NameUpdateIPMI,
				steps.NameFinalize,
				steps.NameFinalValidate,
			},
		},
		TemplateIntelligent: {
			description: "discover, classify and plan the configuration automatically",
			builtin:     true,
			steps: []string{
				steps.NameCommission,
				steps.NameDiscover,
				steps.NameClassify,
				steps.NamePlan,
				steps.NameFirmwareCheck,
				steps.NameFirmwareApply,
				steps.NameReboot,
				steps.NameServerIP,
				steps.NamePullBIOS,
				steps.NameModifyBIOS,
				steps.NamePushBIOS,
				steps.NameUpdateIPMI,
				steps.NameFinalize,
			},
		},
	}
}

// Templates lists every registered template, sorted by name.
func (f *Factory) Templates() []TemplateInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]TemplateInfo, 0, len(f.templates))
	for name, spec := range f.templates {
		out = append(out, TemplateInfo{
			Name:        name,
			Description: spec.description,
			Steps:       append([]string(nil), spec.steps...),
			Builtin:     spec.builtin,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Roster materializes a template's steps from the registry.
func (f *Factory) Roster(name string) ([]steps.Step, error) {
	f.mu.RLock()
	spec, ok := f.templates[name]
	f.mu.RUnlock()
	if !ok {
		return nil, faults.Errorf(faults.KindNotFound, "planner.roster", "no template %q", name)
	}
	roster := make([]steps.Step, 0, len(spec.steps))
	for _, stepName := range spec.steps {
		st, err := f.registry.Get(stepName)
		if err != nil {
			return nil, err
		}
		roster = append(roster, st)
	}
	return roster, nil
}

// LoadTemplate registers a custom template from YAML. Step names must
// resolve against the registry; built-in templates cannot be replaced.
func (f *Factory) LoadTemplate(raw []byte) (string, error) {
	var doc TemplateDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", faults.E(faults.KindValidation, "planner.template", err)
	}
	if doc.Name == "" || len(doc.Steps) == 0 {
		return "", faults.Errorf(faults.KindValidation, "planner.template", "a template needs a name and at least one step")
	}
	for _, stepName := range doc.Steps {
		if _, err := f.registry.Get(stepName); err != nil {
			return "", err
		}
	}
	for key, text := range doc.Vars {
		if _, err := template.New(key).Funcs(sprig.HermeticTxtFuncMap()).Parse(text); err != nil {
			return "", faults.Errorf(faults.KindValidation, "planner.template", "vars[%s]: %v", key, err)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if spec, ok := f.templates[doc.Name]; ok && spec.builtin {
		return "", faults.Errorf(faults.KindConflict, "planner.template", "template %q is built in", doc.Name)
	}
	f.templates[doc.Name] = templateSpec{
		description: doc.Description,
		steps:       doc.Steps,
		vars:        doc.Vars,
	}
	return doc.Name, nil
}

// LoadTemplateDir registers every template under dir. A missing
// directory is not an error; deployments without custom templates run
// on the builtins.
func (f *Factory) LoadTemplateDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, faults.E(faults.KindInternal, "planner.template", err)
	}
	loaded := 0
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return loaded, faults.E(faults.KindInternal, "planner.template", err)
		}
		if _, err := f.LoadTemplate(raw); err != nil {
			return loaded, faults.Errorf(faults.KindOf(err), "planner.template", "%s: %v", name, err)
		}
		loaded++
	}
	return loaded, nil
}

func resolveName(req Request) string {
	if req.Template != "" {
		return req.Template
	}
	if req.FirmwareFirst {
		return TemplateFirmwareFirst
	}
	return TemplateBasic
}

// Prepare validates a request and builds the step roster and seeded run
// context for it. Templates without a planning step get their plan
// resolved here, so a bad device type fails the create call rather than
// the workflow.
func (f *Factory) Prepare(ctx context.Context, req Request) (string, []steps.Step, *data.Context, error) {
	if req.ServerID == "" {
		return "", nil, nil, faults.Errorf(faults.KindValidation, "planner.prepare", "server_id is required")
	}
	name := resolveName(req)
	f.mu.RLock()
	spec, ok := f.templates[name]
	f.mu.RUnlock()
	if !ok {
		return "", nil, nil, faults.Errorf(faults.KindNotFound, "planner.prepare", "no template %q", name)
	}
	roster, err := f.Roster(name)
	if err != nil {
		return "", nil, nil, err
	}
	if req.DeviceType != "" {
		if _, err := f.catalog.Get(req.DeviceType); err != nil {
			return "", nil, nil, err
		}
	}

	state := data.NewContext(req.ServerID, req.CorrelationID)
	for k, v := range req.Extra {
		state.SetValue(k, v)
	}
	if len(spec.vars) > 0 {
		rendered, err := renderVars(spec.vars, req)
		if err != nil {
			return "", nil, nil, err
		}
		for k, v := range rendered {
			state.SetValue(k, v)
		}
	}
	if req.DeviceType != "" {
		state.SetValue(steps.KeyRequestedDeviceType, req.DeviceType)
	}
	if req.Policy != "" {
		state.SetValue(steps.KeyClassifyPolicy, req.Policy)
	}
	if req.TargetIPMIIP != "" {
		state.SetTargetIPMIIP(req.TargetIPMIIP)
	}
	if req.Gateway != "" {
		state.SetGateway(req.Gateway)
	}

	if !hasStep(spec.steps, steps.NamePlan) {
		if req.DeviceType == "" && needsPlan(spec.steps) {
			return "", nil, nil, faults.Errorf(faults.KindValidation, "planner.prepare",
				"template %q needs a device_type to plan against", name)
		}
		if req.DeviceType != "" {
			plan, err := f.planner.Resolve(ctx, steps.PlanRequest{
				ServerID:      req.ServerID,
				RequestedType: req.DeviceType,
				Policy:        req.Policy,
			})
			if err != nil {
				return "", nil, nil, err
			}
			state.SetPlan(&plan)
			if plan.DeviceTypeID != "" {
				state.SetDeviceType(plan.DeviceTypeID)
			}
		}
	}
	return name, roster, state, nil
}

func hasStep(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

// needsPlan reports whether a roster consumes a configuration plan. The
// BIOS modify step is the only one that fails hard without a plan; the
// firmware steps skip themselves.
func needsPlan(names []string) bool {
	return hasStep(names, steps.NameModifyBIOS)
}

func renderVars(vars map[string]string, req Request) (map[string]string, error) {
	out := make(map[string]string, len(vars))
	for key, text := range vars {
		tmpl, err := template.New(key).Funcs(sprig.HermeticTxtFuncMap()).Parse(text)
		if err != nil {
			return nil, faults.Errorf(faults.KindValidation, "planner.prepare", "vars[%s]: %v", key, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, req); err != nil {
			return nil, faults.Errorf(faults.KindValidation, "planner.prepare", "vars[%s]: %v", key, err)
		}
		out[key] = buf.String()
	}
	return out, nil
}

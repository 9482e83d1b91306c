// Package steps is the provisioning step library: every unit of work a
// workflow template can name lives here, behind one uniform contract. Steps
// hold no state of their own; everything they learn goes into the shared
// workflow context, and everything they need arrives through the RunContext
// and the adapter set. The engine owns timeouts, retries and event
// publication; a step only classifies its own failures.
package steps

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/metalforge/metalforge/adapter"
	"github.com/metalforge/metalforge/catalog"
	"github.com/metalforge/metalforge/classify"
	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
)

// Canonical step names. Templates compose workflows from these.
const (
	NameCommission    = "commission_via_maas"
	NameDiscover      = "enhanced_discover_hardware"
	NameClassify      = "classify_device_type"
	NamePlan          = "plan_intelligent_configuration"
	NameServerIP      = "retrieve_server_ip"
	NamePullBIOS      = "pull_bios_config"
	NameModifyBIOS    = "modify_bios_config"
	NamePushBIOS      = "push_bios_config"
	NameFirmwareCheck = "firmware_check"
	NameFirmwareApply = "firmware_apply_batch"
	NameUpdateIPMI    = "update_ipmi_config"
	NameFinalize      = "finalize_and_tag"
	NamePreflight     = "preflight_validate"
	NameReboot        = "controlled_reboot"
	NameFinalValidate = "final_validate"
)

// Context value keys the factory and steps agree on.
const (
	// KeyRequestedDeviceType holds the device type the caller asked for.
	KeyRequestedDeviceType = "requested_device_type"
	// KeyClassifyPolicy holds the classification policy; see
	// PolicyAlwaysReclassify.
	KeyClassifyPolicy = "classify_policy"
	// KeyLocalDiscovery marks a run whose discovery targets the
	// orchestrator host itself.
	KeyLocalDiscovery = "local_discovery"
)

// PolicyAlwaysReclassify makes classification override a caller-supplied
// device type instead of deferring to it.
const PolicyAlwaysReclassify = "always_reclassify"

// RetryPolicy is a step's own retry allowance. Count is the number of
// retries after the first attempt; the engine retries only retryable fault
// kinds.
type RetryPolicy struct {
	Count int
}

// Step is one named unit of provisioning work.
type Step struct {
	Name        string
	Description string
	// Timeout bounds one attempt; zero means the engine default.
	Timeout time.Duration
	// Retry is nil for steps that must not be retried.
	Retry *RetryPolicy
	Run   func(ctx context.Context, rc *RunContext) error
}

// CatalogView is the read surface steps need from the device catalog.
// *catalog.Catalog and *catalog.Snapshot both satisfy it.
type CatalogView interface {
	Get(id string) (catalog.Entry, error)
	Candidates() []classify.Candidate
	FirmwareMethods(id string) (map[string]data.FirmwareMethod, error)
	RenderBIOS(id string, vars map[string]string) (string, error)
	RenderNamed(name string, vars map[string]string) (string, error)
}

// Planner resolves a configuration plan from whatever a run has learned.
// The planner package provides the production implementation; declaring the
// interface here keeps the dependency pointing from planner to steps.
type Planner interface {
	Resolve(ctx context.Context, req PlanRequest) (data.ConfigPlan, error)
}

// PlanRequest is the planner input assembled by the planning step or by
// the factory at workflow creation.
type PlanRequest struct {
	ServerID       string
	Facts          data.HardwareFacts
	Classification *data.Classification
	// RequestedType is the caller-supplied device type, "" when absent.
	RequestedType string
	// Policy is the classification policy from the request.
	Policy string
}

// RunContext is everything one step execution works with.
type RunContext struct {
	WorkflowID   string
	ServerID     string
	TemplateName string
	State        *data.Context
	Adapters     adapter.Set
	Catalog      CatalogView
	Log          logr.Logger
	// ReportSubTask publishes a sub_task progress event for the running
	// step; frac positions it inside the step's slice. May be nil.
	ReportSubTask func(msg string, frac float64)
}

// Report publishes a sub_task event. Safe on a nil hook.
func (rc *RunContext) Report(msg string, frac float64) {
	if rc.ReportSubTask != nil {
		rc.ReportSubTask(msg, frac)
	}
}

// ErrSkip marks a step outcome as SKIPPED rather than failed. The engine
// records the reason and moves on without counting the step as completed.
var ErrSkip = errors.New("step skipped")

// Skipf wraps ErrSkip with the reason the step is skipping itself.
func Skipf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrSkip}, args...)...)
}

// IsSkip reports whether a step ended by skipping itself.
func IsSkip(err error) bool { return errors.Is(err, ErrSkip) }

// Deps carries the shared collaborators the built-in steps close over.
type Deps struct {
	Planner Planner
	// LocalFacts inspects the orchestrator host; used when a run asks for
	// local discovery. Nil disables the local path.
	LocalFacts func(ctx context.Context) (data.HardwareFacts, error)
	// PollInterval paces status and power polling loops. Zero means 5s.
	PollInterval time.Duration
	// DialTimeout bounds the TCP reachability probe. Zero means 3s.
	DialTimeout time.Duration
	// Dial is injectable for tests; nil uses a net.Dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (d Deps) pollInterval() time.Duration {
	if d.PollInterval > 0 {
		return d.PollInterval
	}
	return 5 * time.Second
}

func (d Deps) dialTimeout() time.Duration {
	if d.DialTimeout > 0 {
		return d.DialTimeout
	}
	return 3 * time.Second
}

func (d Deps) dial() func(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.Dial != nil {
		return d.Dial
	}
	dialer := &net.Dialer{}
	return dialer.DialContext
}

// Registry maps step names to steps. Templates resolve against it.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

func NewRegistry() *Registry {
	return &Registry{steps: map[string]Step{}}
}

// Builtin returns a registry loaded with every canonical step.
func Builtin(deps Deps) *Registry {
	r := NewRegistry()
	for _, s := range []Step{
		CommissionViaMaaS(deps),
		EnhancedDiscoverHardware(deps),
		ClassifyDeviceType(deps),
		PlanIntelligentConfiguration(deps),
		RetrieveServerIP(deps),
		PullBIOSConfig(deps),
		ModifyBIOSConfig(deps),
		PushBIOSConfig(deps),
		FirmwareCheck(deps),
		FirmwareApplyBatch(deps),
		UpdateIPMIConfig(deps),
		FinalizeAndTag(deps),
		PreflightValidate(deps),
		ControlledReboot(deps),
		FinalValidate(deps),
	} {
		// Builtins are internally consistent; a conflict here is a bug.
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Register(s Step) error {
	if s.Name == "" || s.Run == nil {
		return faults.Errorf(faults.KindValidation, "steps.register", "step needs a name and a run function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.steps[s.Name]; ok {
		return faults.Errorf(faults.KindConflict, "steps.register", "step %q already registered", s.Name)
	}
	r.steps[s.Name] = s
	return nil
}

// Tune overrides the timeout and retry policy of a registered step. A
// zero timeout or nil retry keeps the step's own value. Deployments use
// this to stretch slow steps without rebuilding the registry.
func (r *Registry) Tune(name string, timeout time.Duration, retry *RetryPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.steps[name]
	if !ok {
		return faults.Errorf(faults.KindNotFound, "steps.tune", "no step %q", name)
	}
	if timeout > 0 {
		s.Timeout = timeout
	}
	if retry != nil {
		s.Retry = retry
	}
	r.steps[name] = s
	return nil
}

func (r *Registry) Get(name string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[name]
	if !ok {
		return Step{}, faults.Errorf(faults.KindNotFound, "steps.get", "no step %q", name)
	}
	return s, nil
}

// Names returns the registered step names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.steps))
	for name := range r.steps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

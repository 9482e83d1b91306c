package steps

import (
	"context"
	"io"
	"sync"

	"github.com/go-logr/logr"

	"github.com/metalforge/metalforge/adapter"
	"github.com/metalforge/metalforge/catalog"
	"github.com/metalforge/metalforge/classify"
	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
)

// fakeMaaS serves scripted machine info. When statusSeq is set, each
// Machine call advances through it and sticks at the last entry, which is
// how commissioning tests model MaaS working through its states.
type fakeMaaS struct {
	mu        sync.Mutex
	machines  map[string]adapter.MachineInfo
	statusSeq []adapter.MachineStatus
	errs      map[string]error
	onceErrs  map[string]error

	commissioned []string
	released     []string
	tagged       map[string][]string
}

// fail returns the injected error for op, consuming one-shot errors.
func (f *fakeMaaS) fail(op string) error {
	if err, ok := f.onceErrs[op]; ok {
		delete(f.onceErrs, op)
		return err
	}
	return f.errs[op]
}

func (f *fakeMaaS) ListMachines(ctx context.Context) ([]adapter.MachineInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("list"); err != nil {
		return nil, err
	}
	out := make([]adapter.MachineInfo, 0, len(f.machines))
	for _, m := range f.machines {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeMaaS) Machine(ctx context.Context, systemID string) (adapter.MachineInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("machine"); err != nil {
		return adapter.MachineInfo{}, err
	}
	if len(f.statusSeq) > 0 {
		status := f.statusSeq[0]
		if len(f.statusSeq) > 1 {
			f.statusSeq = f.statusSeq[1:]
		}
		info := f.machines[systemID]
		if info.SystemID == "" {
			info.SystemID = systemID
		}
		info.Status = status
		return info, nil
	}
	info, ok := f.machines[systemID]
	if !ok {
		return adapter.MachineInfo{}, faults.Errorf(faults.KindNotFound, "fake.maas", "no machine %q", systemID)
	}
	return info, nil
}

func (f *fakeMaaS) Commission(ctx context.Context, systemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("commission"); err != nil {
		return err
	}
	f.commissioned = append(f.commissioned, systemID)
	return nil
}

func (f *fakeMaaS) Release(ctx context.Context, systemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("release"); err != nil {
		return err
	}
	f.released = append(f.released, systemID)
	return nil
}

func (f *fakeMaaS) Tag(ctx context.Context, systemID string, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("tag"); err != nil {
		return err
	}
	if f.tagged == nil {
		f.tagged = map[string][]string{}
	}
	f.tagged[systemID] = append(f.tagged[systemID], tags...)
	return nil
}

// fakeBMC answers power and firmware queries from fixed fields. powerSeq,
// when set, is consumed one state per PowerState call, sticking at the
// last entry.
type fakeBMC struct {
	mu       sync.Mutex
	power    data.PowerState
	powerSeq []data.PowerState
	powerErr error

	versions    map[string]string
	versionsErr error

	staged    []string
	stagedErr error

	biosPushed map[string]string
	biosErr    error

	bootDevice string
	persistent bool

	cycles   int
	cycleErr error
}

func (f *fakeBMC) PowerState(ctx context.Context) (data.PowerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.powerErr != nil {
		return data.PowerUnknown, f.powerErr
	}
	if len(f.powerSeq) > 0 {
		state := f.powerSeq[0]
		if len(f.powerSeq) > 1 {
			f.powerSeq = f.powerSeq[1:]
		}
		return state, nil
	}
	return f.power, nil
}

func (f *fakeBMC) PowerOn(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.power = data.PowerOn
	return nil
}

func (f *fakeBMC) PowerOff(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.power = data.PowerOff
	return nil
}

func (f *fakeBMC) PowerCycle(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cycleErr != nil {
		return f.cycleErr
	}
	f.cycles++
	f.power = data.PowerOn
	return nil
}

func (f *fakeBMC) SetBootDevice(ctx context.Context, device string, persistent, efiBoot bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootDevice = device
	f.persistent = persistent
	return nil
}

func (f *fakeBMC) FirmwareVersions(ctx context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.versionsErr != nil {
		return nil, f.versionsErr
	}
	return f.versions, nil
}

func (f *fakeBMC) UpdateFirmware(ctx context.Context, component string, image io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stagedErr != nil {
		return f.stagedErr
	}
	f.staged = append(f.staged, component)
	return nil
}

func (f *fakeBMC) SetBIOSConfig(ctx context.Context, settings map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.biosErr != nil {
		return f.biosErr
	}
	f.biosPushed = settings
	return nil
}

func (f *fakeBMC) ApplyIPMIConfig(ctx context.Context, cfg adapter.IPMIConfig) error { return nil }

func (f *fakeBMC) Close(ctx context.Context) error { return nil }

// fakeIPMI mirrors LANSet writes into the printed settings, so a
// set-then-verify sequence behaves like a healthy BMC. stale disables the
// mirroring to model a BMC that ignores writes.
type fakeIPMI struct {
	mu       sync.Mutex
	settings map[string]string
	sets     []string
	printErr error
	setErr   error
	stale    bool
}

func (f *fakeIPMI) LANPrint(ctx context.Context, channel int) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.printErr != nil {
		return nil, f.printErr
	}
	out := make(map[string]string, len(f.settings))
	for k, v := range f.settings {
		out[k] = v
	}
	return out, nil
}

func (f *fakeIPMI) LANSet(ctx context.Context, channel int, setting, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.sets = append(f.sets, setting+"="+value)
	if f.stale {
		return nil
	}
	if f.settings == nil {
		f.settings = map[string]string{}
	}
	switch setting {
	case "ipaddr":
		f.settings["IP Address"] = value
	case "defgw ipaddr":
		f.settings["Default Gateway IP"] = value
	}
	return nil
}

// fakeSSH answers commands from canned outputs. once errors are consumed
// by the first call to their command; errs errors persist.
type fakeSSH struct {
	mu      sync.Mutex
	outputs map[string]string
	errs    map[string]error
	once    map[string]error
	calls   []string
	closed  bool
}

func (f *fakeSSH) Run(ctx context.Context, cmd string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	if err, ok := f.once[cmd]; ok {
		delete(f.once, cmd)
		return "", "", err
	}
	if err := f.errs[cmd]; err != nil {
		return "", "", err
	}
	return f.outputs[cmd], "", nil
}

func (f *fakeSSH) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeVendorTool records pushes and firmware updates.
type fakeVendorTool struct {
	mu       sync.Mutex
	vendor   string
	pullBlob []byte
	pullErr  error
	pushed   [][]byte
	pushErr  error
	updates  []string
	updErr   error
}

func (f *fakeVendorTool) Probe(ctx context.Context) (string, error) {
	return f.vendor, nil
}

func (f *fakeVendorTool) PullBIOS(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return f.pullBlob, nil
}

func (f *fakeVendorTool) PushBIOS(ctx context.Context, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, blob)
	return nil
}

func (f *fakeVendorTool) FirmwareUpdate(ctx context.Context, component, artifact string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updErr != nil {
		return f.updErr
	}
	f.updates = append(f.updates, component+"@"+artifact)
	return nil
}

// fakeCatalog is a CatalogView backed by literal maps.
type fakeCatalog struct {
	entries    map[string]catalog.Entry
	methods    map[string]map[string]data.FirmwareMethod
	rendered   map[string]string
	named      map[string]string
	candidates []classify.Candidate
}

func (f *fakeCatalog) Get(id string) (catalog.Entry, error) {
	e, ok := f.entries[id]
	if !ok {
		return catalog.Entry{}, faults.Errorf(faults.KindNotFound, "fake.catalog", "no device type %q", id)
	}
	return e, nil
}

func (f *fakeCatalog) Candidates() []classify.Candidate { return f.candidates }

func (f *fakeCatalog) FirmwareMethods(id string) (map[string]data.FirmwareMethod, error) {
	m, ok := f.methods[id]
	if !ok {
		return nil, faults.Errorf(faults.KindNotFound, "fake.catalog", "no device type %q", id)
	}
	return m, nil
}

func (f *fakeCatalog) RenderBIOS(id string, vars map[string]string) (string, error) {
	out, ok := f.rendered[id]
	if !ok {
		return "", faults.Errorf(faults.KindNotFound, "fake.catalog", "no device type %q", id)
	}
	return out, nil
}

func (f *fakeCatalog) RenderNamed(name string, vars map[string]string) (string, error) {
	out, ok := f.named[name]
	if !ok {
		return "", faults.Errorf(faults.KindNotFound, "fake.catalog", "no BIOS template %q", name)
	}
	return out, nil
}

// reports collects sub_task messages a step publishes.
type reports struct {
	mu   sync.Mutex
	msgs []string
}

func (r *reports) hook(msg string, frac float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *reports) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

// newRunContext builds a RunContext around the adapter set with a fresh
// workflow state and a report collector.
func newRunContext(set adapter.Set) (*RunContext, *reports) {
	rep := &reports{}
	return &RunContext{
		WorkflowID:    "wf-test",
		ServerID:      "srv-001",
		TemplateName:  "basic_provisioning",
		State:         data.NewContext("srv-001", "corr-test"),
		Adapters:      set,
		Catalog:       &fakeCatalog{},
		Log:           logr.Discard(),
		ReportSubTask: rep.hook,
	}, rep
}

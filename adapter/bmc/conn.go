package bmc

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/bmc-toolbox/bmclib/v2"
	"github.com/go-logr/logr"

	"github.com/metalforge/metalforge/adapter"
	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
)

// Conn is an open session to one BMC. It satisfies adapter.BMC.
type Conn struct {
	client *bmclib.Client
	log    logr.Logger
}

// Connect opens a session to the endpoint through cf. A nil cf uses the
// production client with default timeout and no proxy; nil opts derive the
// ipmitool port and cipher suite from the endpoint.
func Connect(ctx context.Context, log logr.Logger, ep data.BMCEndpoint, cf ClientFunc, opts *Options) (*Conn, error) {
	if cf == nil {
		cf = NewClientFunc(DefaultConnectTimeout, "")
	}
	if opts == nil {
		opts = &Options{}
	}
	if opts.IpmitoolPort == 0 {
		opts.IpmitoolPort = ep.Port
	}
	if opts.IpmitoolCipherSuite == "" {
		opts.IpmitoolCipherSuite = ep.CipherSuite
	}

	client, err := cf(ctx, log, ep.Host, ep.Username, ep.Password, opts)
	if err != nil {
		return nil, classify("bmc.open", err)
	}
	return &Conn{client: client, log: log.WithValues("host", ep.Host)}, nil
}

func (c *Conn) PowerState(ctx context.Context) (data.PowerState, error) {
	raw, err := c.client.GetPowerState(ctx)
	if err != nil {
		return data.PowerUnknown, classify("bmc.power_state", err)
	}
	return data.ParsePowerState(raw), nil
}

func (c *Conn) PowerOn(ctx context.Context) error { return c.setPower(ctx, "on") }

func (c *Conn) PowerOff(ctx context.Context) error { return c.setPower(ctx, "off") }

func (c *Conn) PowerCycle(ctx context.Context) error { return c.setPower(ctx, "cycle") }

func (c *Conn) setPower(ctx context.Context, state string) error {
	ok, err := c.client.SetPowerState(ctx, state)
	if err != nil {
		return classify("bmc.power_set", err)
	}
	if !ok {
		return faults.Errorf(faults.KindInternal, "bmc.power_set", "provider rejected power state %q", state)
	}
	c.log.V(1).Info("set power state", "state", state)
	return nil
}

func (c *Conn) SetBootDevice(ctx context.Context, device string, persistent, efiBoot bool) error {
	ok, err := c.client.SetBootDevice(ctx, device, persistent, efiBoot)
	if err != nil {
		return classify("bmc.boot_device", err)
	}
	if !ok {
		return faults.Errorf(faults.KindInternal, "bmc.boot_device", "provider rejected boot device %q", device)
	}
	return nil
}

// FirmwareVersions reads the inventory and reports installed firmware per
// component. Components without firmware data are omitted.
func (c *Conn) FirmwareVersions(ctx context.Context) (map[string]string, error) {
	device, err := c.client.Inventory(ctx)
	if err != nil {
		return nil, classify("bmc.inventory", err)
	}
	out := map[string]string{}
	if device == nil {
		return out, nil
	}
	if device.BIOS != nil && device.BIOS.Firmware != nil && device.BIOS.Firmware.Installed != "" {
		out["bios"] = device.BIOS.Firmware.Installed
	}
	if device.BMC != nil && device.BMC.Firmware != nil && device.BMC.Firmware.Installed != "" {
		out["bmc"] = device.BMC.Firmware.Installed
	}
	for _, nic := range device.NICs {
		if nic != nil && nic.Firmware != nil && nic.Firmware.Installed != "" {
			out["nic:"+nic.ID] = nic.Firmware.Installed
		}
	}
	return out, nil
}

// UpdateFirmware stages image for component with apply time OnReset; the
// new version takes effect on the next power cycle.
func (c *Conn) UpdateFirmware(ctx context.Context, component string, image io.Reader) error {
	if component == "" {
		return faults.Errorf(faults.KindValidation, "bmc.firmware_update", "component is required")
	}
	taskID, err := c.client.FirmwareInstall(ctx, component, "OnReset", false, image)
	if err != nil {
		return classify("bmc.firmware_update", err)
	}
	c.log.Info("staged firmware update", "component", component, "taskID", taskID)
	return nil
}

func (c *Conn) SetBIOSConfig(ctx context.Context, settings map[string]string) error {
	if len(settings) == 0 {
		return nil
	}
	if err := c.client.SetBiosConfiguration(ctx, settings); err != nil {
		return classify("bmc.bios_config", err)
	}
	return nil
}

// ApplyIPMIConfig ensures the management user exists with the wanted
// credentials. Update is tried first; unknown users fall through to create.
func (c *Conn) ApplyIPMIConfig(ctx context.Context, cfg adapter.IPMIConfig) error {
	if cfg.Username == "" || cfg.Password == "" {
		return faults.Errorf(faults.KindValidation, "bmc.ipmi_config", "username and password required")
	}
	role := cfg.Role
	if role == "" {
		role = "Administrator"
	}

	ok, updateErr := c.client.UpdateUser(ctx, cfg.Username, cfg.Password, role)
	if updateErr == nil && ok {
		return nil
	}

	ok, createErr := c.client.CreateUser(ctx, cfg.Username, cfg.Password, role)
	if createErr == nil && ok {
		return nil
	}
	if createErr == nil {
		createErr = errors.New("provider rejected user create")
	}
	if updateErr != nil {
		createErr = errors.Join(createErr, updateErr)
	}
	return classify("bmc.ipmi_config", createErr)
}

func (c *Conn) Close(ctx context.Context) error {
	if err := c.client.Close(ctx); err != nil {
		md := c.client.GetMetadata()
		c.log.V(1).Info("BMC close failed", "error", err, "providersAttempted", md.ProvidersAttempted)
		return classify("bmc.close", err)
	}
	return nil
}

// classify maps bmclib and provider errors onto the shared taxonomy.
// bmclib aggregates per-provider errors into one message, so the mapping is
// substring based.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return faults.E(faults.KindOf(err), op, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "invalid credentials"),
		strings.Contains(msg, "login failed"),
		strings.Contains(msg, "authentication"):
		return faults.E(faults.KindAuth, op, err)
	case strings.Contains(msg, "not supported"),
		strings.Contains(msg, "unsupported"),
		strings.Contains(msg, "no provider"),
		strings.Contains(msg, "not implemented"):
		return faults.E(faults.KindUnsupported, op, err)
	}
	return faults.E(faults.KindTransient, op, err)
}

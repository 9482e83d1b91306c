package data

import (
	"sync"
)

// Context is the mutable state a workflow run accumulates as its steps
// execute: the well-known hand-off fields (server handle, addresses, BIOS
// blobs, facts, classification, plan, pending firmware work) plus a
// free-form bag for anything else. All access is through methods; the zero
// value is not usable, use NewContext.
type Context struct {
	mu sync.RWMutex

	serverID        string
	correlationID   string
	deviceType      string
	serverHandle    string
	serverIP        string
	targetIPMIIP    string
	gateway         string
	biosCurrent     string
	biosTarget      string
	facts           HardwareFacts
	classification  *Classification
	plan            *ConfigPlan
	power           PowerState
	firmwareUpdates []FirmwareUpdate
	values          map[string]string
}

func NewContext(serverID, correlationID string) *Context {
	return &Context{
		serverID:      serverID,
		correlationID: correlationID,
		power:         PowerUnknown,
		values:        map[string]string{},
	}
}

func (c *Context) ServerID() string { return c.serverID }

func (c *Context) CorrelationID() string { return c.correlationID }

// DeviceType is the resolved device type id: the user-supplied one until
// classification resolves or overrides it.
func (c *Context) DeviceType() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceType
}

func (c *Context) SetDeviceType(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceType = id
}

// ServerHandle is the inventory-side handle for the machine, populated by
// commissioning.
func (c *Context) ServerHandle() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverHandle
}

func (c *Context) SetServerHandle(h string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverHandle = h
}

func (c *Context) ServerIP() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverIP
}

func (c *Context) SetServerIP(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverIP = ip
}

func (c *Context) TargetIPMIIP() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.targetIPMIIP
}

func (c *Context) SetTargetIPMIIP(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetIPMIIP = ip
}

func (c *Context) Gateway() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gateway
}

func (c *Context) SetGateway(gw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gateway = gw
}

// BIOSCurrent is the configuration blob pulled from the machine; empty is a
// valid placeholder for vendors without a pull path.
func (c *Context) BIOSCurrent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.biosCurrent
}

func (c *Context) SetBIOSCurrent(blob string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.biosCurrent = blob
}

func (c *Context) BIOSTarget() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.biosTarget
}

func (c *Context) SetBIOSTarget(blob string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.biosTarget = blob
}

// FirmwareUpdates returns a copy of the pending update list.
func (c *Context) FirmwareUpdates() []FirmwareUpdate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]FirmwareUpdate, len(c.firmwareUpdates))
	copy(out, c.firmwareUpdates)
	return out
}

func (c *Context) SetFirmwareUpdates(updates []FirmwareUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.firmwareUpdates = make([]FirmwareUpdate, len(updates))
	copy(c.firmwareUpdates, updates)
}

func (c *Context) Facts() HardwareFacts {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.facts
}

func (c *Context) SetFacts(f HardwareFacts) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.facts = f
}

// MergeFacts fills only the empty fields of the stored facts, so a later,
// weaker source never overwrites a stronger one.
func (c *Context) MergeFacts(f HardwareFacts) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.facts.Vendor == "" {
		c.facts.Vendor = f.Vendor
	}
	if c.facts.Motherboard == "" {
		c.facts.Motherboard = f.Motherboard
	}
	if c.facts.CPUModel == "" {
		c.facts.CPUModel = f.CPUModel
	}
	if c.facts.CPUCores == 0 {
		c.facts.CPUCores = f.CPUCores
	}
	if c.facts.MemoryGB == 0 {
		c.facts.MemoryGB = f.MemoryGB
	}
	if c.facts.SerialNumber == "" {
		c.facts.SerialNumber = f.SerialNumber
	}
	if c.facts.BMCAddress == "" {
		c.facts.BMCAddress = f.BMCAddress
	}
	for k, v := range f.Extra {
		if c.facts.Extra == nil {
			c.facts.Extra = map[string]string{}
		}
		if _, ok := c.facts.Extra[k]; !ok {
			c.facts.Extra[k] = v
		}
	}
}

func (c *Context) Classification() *Classification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.classification
}

func (c *Context) SetClassification(cl *Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.classification = cl
}

func (c *Context) Plan() *ConfigPlan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.plan
}

func (c *Context) SetPlan(p *ConfigPlan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plan = p
}

func (c *Context) Power() PowerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.power
}

func (c *Context) SetPower(p PowerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.power = p
}

// Value returns the stored value for key, or "".
func (c *Context) Value(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

func (c *Context) SetValue(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Values returns a copy of the whole bag.
func (c *Context) Values() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

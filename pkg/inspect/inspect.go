// Package inspect reads hardware facts off the host the orchestrator
// runs on. It backs the local path of the discovery step for runs that
// target this machine, where there is no SSH hop to make.
package inspect

import (
	"context"
	"strings"

	safecast "github.com/ccoveille/go-safecast/v2"
	"github.com/jaypipes/ghw"

	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
)

// host carries the per-subsystem probe results. A probe that fails
// leaves its field nil; the mapping works with whatever answered.
type host struct {
	product   *ghw.ProductInfo
	baseboard *ghw.BaseboardInfo
	chassis   *ghw.ChassisInfo
	cpu       *ghw.CPUInfo
	memory    *ghw.MemoryInfo
	bios      *ghw.BIOSInfo
}

// Facts inspects the local host. Individual subsystems that cannot be
// read are left out of the result; a host where nothing identifying can
// be read at all is an error.
func Facts(ctx context.Context) (data.HardwareFacts, error) {
	if err := ctx.Err(); err != nil {
		return data.HardwareFacts{}, faults.E(faults.KindCanceled, "inspect.facts", err)
	}

	var h host
	h.product, _ = ghw.Product()
	h.baseboard, _ = ghw.Baseboard()
	h.chassis, _ = ghw.Chassis()
	h.cpu, _ = ghw.CPU()
	h.memory, _ = ghw.Memory()
	h.bios, _ = ghw.BIOS()

	facts := h.facts()
	if facts.Empty() {
		return data.HardwareFacts{}, faults.Errorf(faults.KindUnsupported, "inspect.facts",
			"no dmi, cpu or memory information readable on this host")
	}
	return facts, nil
}

// facts maps probe results into hardware facts. Identity fields prefer
// the product table, then baseboard, then chassis, the same strength
// order dmidecode readers use.
func (h host) facts() data.HardwareFacts {
	var f data.HardwareFacts
	if h.product != nil {
		f.Vendor = dmiString(h.product.Vendor)
		f.SerialNumber = dmiString(h.product.SerialNumber)
	}
	if h.baseboard != nil {
		if f.Vendor == "" {
			f.Vendor = dmiString(h.baseboard.Vendor)
		}
		if f.SerialNumber == "" {
			f.SerialNumber = dmiString(h.baseboard.SerialNumber)
		}
		f.Motherboard = dmiString(h.baseboard.Product)
	}
	if h.chassis != nil {
		if f.Vendor == "" {
			f.Vendor = dmiString(h.chassis.Vendor)
		}
		if f.SerialNumber == "" {
			f.SerialNumber = dmiString(h.chassis.SerialNumber)
		}
	}

	if h.cpu != nil {
		if n, err := safecast.Convert[int](h.cpu.TotalCores); err == nil {
			f.CPUCores = n
		}
		for _, p := range h.cpu.Processors {
			if p != nil && p.Model != "" {
				f.CPUModel = strings.TrimSpace(p.Model)
				break
			}
		}
	}
	if h.memory != nil && h.memory.TotalPhysicalBytes > 0 {
		const gib = int64(1) << 30
		if n, err := safecast.Convert[int]((h.memory.TotalPhysicalBytes + gib/2) / gib); err == nil {
			f.MemoryGB = n
		}
	}

	if h.bios != nil && h.bios.Version != "" {
		f.Extra = map[string]string{"bios_version": h.bios.Version}
	}
	if h.product != nil && dmiString(h.product.Name) != "" {
		if f.Extra == nil {
			f.Extra = map[string]string{}
		}
		f.Extra["product_name"] = dmiString(h.product.Name)
	}
	return f
}

// dmiString trims a DMI value and drops the literal "unknown" ghw
// reports for unreadable fields.
func dmiString(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "unknown") {
		return ""
	}
	return s
}

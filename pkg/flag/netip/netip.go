// Package netip wraps net/netip types to implement the flag.Value
// interface, so addresses parse and validate at the command line instead
// of deep inside a workflow.
package netip

import (
	"fmt"
	"net/netip"
)

// Addr wraps a netip.Addr to implement the flag.Value interface.
// An empty input string is treated as a no-op and returns nil.
type Addr struct{ *netip.Addr }

// Set implements the flag.Value interface.
func (a *Addr) Set(s string) error {
	if a == nil || a.Addr == nil {
		return fmt.Errorf("Addr is nil")
	}

	if s == "" {
		return nil
	}
	ip, err := netip.ParseAddr(s)
	if !ip.IsValid() || err != nil {
		return fmt.Errorf("failed to parse address: %q", s)
	}
	*a.Addr = ip

	return nil
}

// Reset sets the Addr to its zero value.
func (a *Addr) Reset() error {
	if a == nil || a.Addr == nil {
		return fmt.Errorf("Addr is nil")
	}

	*a.Addr = netip.Addr{}

	return nil
}

// Type implements the flag.Value interface.
func (a *Addr) Type() string {
	return "addr"
}

// String returns the string representation of the Addr.
// Returns an empty string if the Addr is nil or invalid.
func (a *Addr) String() string {
	if a == nil || a.Addr == nil || !a.IsValid() {
		return ""
	}

	return a.Addr.String()
}

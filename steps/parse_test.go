package steps

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

const lscpuOutput = `Architecture:            x86_64
  CPU op-mode(s):        32-bit, 64-bit
CPU(s):                  32
  On-line CPU(s) list:   0-31
Vendor ID:               GenuineIntel
  Model name:            Intel(R) Xeon(R) Silver 4110 CPU @ 2.10GHz
NUMA:
  NUMA node(s):          2
  NUMA node0 CPU(s):     0-7,16-23
  NUMA node1 CPU(s):     8-15,24-31
`

func TestParseLscpu(t *testing.T) {
	model, cores := parseLscpu(lscpuOutput)
	if want := "Intel(R) Xeon(R) Silver 4110 CPU @ 2.10GHz"; model != want {
		t.Errorf("model = %q, want %q", model, want)
	}
	if cores != 32 {
		t.Errorf("cores = %d, want 32", cores)
	}
}

func TestDMIValue(t *testing.T) {
	tests := map[string]struct {
		in   string
		want string
	}{
		"plain":        {in: "Supermicro\n", want: "Supermicro"},
		"with comment": {in: "# dmidecode 3.3\nSupermicro\n", want: "Supermicro"},
		"empty":        {in: "\n\n", want: ""},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := dmiValue(tt.in); got != tt.want {
				t.Errorf("dmiValue() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseMemGB(t *testing.T) {
	tests := map[string]struct {
		in   string
		want int
	}{
		"64 gib":     {in: "MemTotal:       65807088 kB\nMemFree:        30474744 kB\n", want: 63},
		"rounds up":  {in: "MemTotal:       66584576 kB\n", want: 64},
		"no total":   {in: "MemFree:        30474744 kB\n", want: 0},
		"bad number": {in: "MemTotal:       lots kB\n", want: 0},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := parseMemGB(tt.in); got != tt.want {
				t.Errorf("parseMemGB() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLanIPAddress(t *testing.T) {
	out := "Set in Progress         : Set Complete\nIP Address Source       : Static Address\nIP Address              : 10.2.3.4\nMAC Address             : ac:1f:6b:93:f0:01\n"
	if got := lanIPAddress(out); got != "10.2.3.4" {
		t.Errorf("lanIPAddress() = %q, want %q", got, "10.2.3.4")
	}
}

func TestSettingsMap(t *testing.T) {
	blob := `# generated
[BIOS::Advanced]
Boot_Mode=UEFI
SecureBoot = Enabled

; trailer comment
Hyper-Threading=Disabled
not a setting
`
	want := map[string]string{
		"Boot_Mode":       "UEFI",
		"SecureBoot":      "Enabled",
		"Hyper-Threading": "Disabled",
	}
	if diff := cmp.Diff(want, settingsMap(blob)); diff != "" {
		t.Errorf("settingsMap() mismatch (-want +got):\n%s", diff)
	}
}

func TestOverlayPreserve(t *testing.T) {
	rendered := "Boot_Mode=UEFI\nSerialNumber=TEMPLATE\nAssetTag=TEMPLATE\nSecureBoot=Enabled"
	current := "Boot_Mode=Legacy\nSerialNumber=S424242\nSecureBoot=Disabled"

	tests := map[string]struct {
		preserve []string
		want     string
		wantKept int
	}{
		"no preserve list": {
			preserve: nil,
			want:     rendered,
			wantKept: 0,
		},
		"preserved key keeps live value": {
			preserve: []string{"SerialNumber"},
			want:     "Boot_Mode=UEFI\nSerialNumber=S424242\nAssetTag=TEMPLATE\nSecureBoot=Enabled",
			wantKept: 1,
		},
		"key absent from current passes through": {
			preserve: []string{"AssetTag"},
			want:     rendered,
			wantKept: 0,
		},
		"multiple": {
			preserve: []string{"SerialNumber", "SecureBoot"},
			want:     "Boot_Mode=UEFI\nSerialNumber=S424242\nAssetTag=TEMPLATE\nSecureBoot=Disabled",
			wantKept: 2,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, kept := overlayPreserve(rendered, current, tt.preserve)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("overlayPreserve() mismatch (-want +got):\n%s", diff)
			}
			if kept != tt.wantKept {
				t.Errorf("kept = %d, want %d", kept, tt.wantKept)
			}
		})
	}

	t.Run("empty current is a no-op", func(t *testing.T) {
		got, kept := overlayPreserve(rendered, "", []string{"SerialNumber"})
		if got != rendered || kept != 0 {
			t.Errorf("overlayPreserve() = %q, %d; want rendered unchanged", got, kept)
		}
	})
}

func TestOrderUpdates(t *testing.T) {
	got := orderUpdates([]string{"nic", "bios", "raid", "bmc"})
	want := []string{"bmc", "bios", "nic", "raid"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("orderUpdates() mismatch (-want +got):\n%s", diff)
	}
}

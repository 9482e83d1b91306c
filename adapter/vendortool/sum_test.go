package vendortool

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"

	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
)

// sumHost scripts sum invocations: it records argv/env, serves canned BIOS
// config on GetCurrentBiosCfg and captures what ChangeBiosCfg pushes.
type sumHost struct {
	mu       sync.Mutex
	argvSeen [][]string
	envSeen  [][]string
	pullBlob []byte
	pushed   []byte
	err      error
}

func fileArg(argv []string) string {
	for i, a := range argv {
		if a == "--file" && i+1 < len(argv) {
			return argv[i+1]
		}
	}
	return ""
}

func (h *sumHost) execRun(_ context.Context, argv, env []string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.argvSeen = append(h.argvSeen, argv)
	h.envSeen = append(h.envSeen, env)
	if h.err != nil {
		return []byte("ERROR: " + h.err.Error() + "\n"), h.err
	}
	for _, a := range argv {
		switch a {
		case "GetCurrentBiosCfg":
			if err := os.WriteFile(fileArg(argv), h.pullBlob, 0o600); err != nil {
				return nil, err
			}
		case "ChangeBiosCfg":
			blob, err := os.ReadFile(fileArg(argv))
			if err != nil {
				return nil, err
			}
			h.pushed = blob
		}
	}
	return []byte("ok\n"), nil
}

func newFakeSum(t *testing.T, host *sumHost) *Sum {
	t.Helper()
	r := New(Config{Log: logr.Discard(), Delay: time.Millisecond})
	r.lookPath = func(string) (string, error) { return "/usr/local/bin/sum", nil }
	r.execRun = host.execRun
	s, err := NewSum(r, data.BMCEndpoint{Host: "10.0.0.9", Username: "ADMIN", Password: "swordfish"}, logr.Discard())
	if err != nil {
		t.Fatalf("NewSum: %v", err)
	}
	return s
}

func TestSumProbe(t *testing.T) {
	host := &sumHost{}
	s := newFakeSum(t, host)

	vendor, err := s.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if vendor != "supermicro" {
		t.Fatalf("vendor = %q, want supermicro", vendor)
	}
	want := []string{"/usr/local/bin/sum", "-i", "10.0.0.9", "-u", "ADMIN", "-c", "GetBmcInfo"}
	if diff := cmp.Diff(want, host.argvSeen[0]); diff != "" {
		t.Fatalf("argv mismatch (-want +got):\n%s", diff)
	}
}

func TestSumPullBIOS(t *testing.T) {
	host := &sumHost{pullBlob: []byte("[BIOS]\nBootMode=UEFI\n")}
	s := newFakeSum(t, host)

	blob, err := s.PullBIOS(context.Background())
	if err != nil {
		t.Fatalf("PullBIOS: %v", err)
	}
	if string(blob) != "[BIOS]\nBootMode=UEFI\n" {
		t.Fatalf("unexpected blob: %q", blob)
	}

	argv := host.argvSeen[0]
	if argv[5] != "-c" || argv[6] != "GetCurrentBiosCfg" {
		t.Fatalf("unexpected argv: %v", argv)
	}
	if fileArg(argv) == "" {
		t.Fatal("no --file argument passed to sum")
	}
	if _, err := os.Stat(fileArg(argv)); !os.IsNotExist(err) {
		t.Errorf("temp file %q not cleaned up", fileArg(argv))
	}

	var credential bool
	for _, kv := range host.envSeen[0] {
		if kv == "SUM_PASSWORD=swordfish" {
			credential = true
		}
		if strings.Contains(kv, "swordfish") && !strings.HasPrefix(kv, "SUM_PASSWORD=") {
			t.Errorf("password leaked outside SUM_PASSWORD: %q", kv)
		}
	}
	if !credential {
		t.Fatal("SUM_PASSWORD missing from the child environment")
	}
	for _, a := range host.argvSeen[0] {
		if strings.Contains(a, "swordfish") {
			t.Fatalf("password leaked into argv: %v", host.argvSeen[0])
		}
	}
}

func TestSumPushBIOS(t *testing.T) {
	host := &sumHost{}
	s := newFakeSum(t, host)

	blob := []byte("[BIOS]\nBootMode=Legacy\nSecureBoot=Disable\n")
	if err := s.PushBIOS(context.Background(), blob); err != nil {
		t.Fatalf("PushBIOS: %v", err)
	}
	if string(host.pushed) != string(blob) {
		t.Fatalf("sum received %q, want %q", host.pushed, blob)
	}
	argv := host.argvSeen[0]
	if argv[6] != "ChangeBiosCfg" {
		t.Fatalf("unexpected argv: %v", argv)
	}
}

func TestSumFirmwareUpdate(t *testing.T) {
	tests := map[string]struct {
		component string
		wantCmd   string
		wantKind  faults.Kind
	}{
		"bios":    {component: "bios", wantCmd: "UpdateBios"},
		"bmc":     {component: "bmc", wantCmd: "UpdateBmc"},
		"unknown": {component: "nic", wantKind: faults.KindUnsupported},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			host := &sumHost{}
			s := newFakeSum(t, host)

			err := s.FirmwareUpdate(context.Background(), tt.component, "/var/lib/metalforge/fw/img.bin")
			if tt.wantKind != "" {
				if faults.KindOf(err) != tt.wantKind {
					t.Fatalf("got kind %q, want %q (err: %v)", faults.KindOf(err), tt.wantKind, err)
				}
				if len(host.argvSeen) != 0 {
					t.Fatalf("sum was invoked for an unsupported component: %v", host.argvSeen)
				}
				return
			}
			if err != nil {
				t.Fatalf("FirmwareUpdate: %v", err)
			}
			argv := host.argvSeen[0]
			if argv[6] != tt.wantCmd {
				t.Fatalf("argv %v does not carry %s", argv, tt.wantCmd)
			}
			if fileArg(argv) != "/var/lib/metalforge/fw/img.bin" {
				t.Fatalf("artifact path not passed: %v", argv)
			}
		})
	}
}

func TestSumErrorsPassThrough(t *testing.T) {
	host := &sumHost{err: errors.New("connect timeout")}
	s := newFakeSum(t, host)

	_, err := s.PullBIOS(context.Background())
	if faults.KindOf(err) != faults.KindTransient {
		t.Fatalf("got kind %q, want %q (err: %v)", faults.KindOf(err), faults.KindTransient, err)
	}
}

func TestNewSumValidates(t *testing.T) {
	r := New(Config{Log: logr.Discard()})
	if _, err := NewSum(nil, data.BMCEndpoint{Host: "h", Username: "u"}, logr.Discard()); faults.KindOf(err) != faults.KindValidation {
		t.Errorf("nil runner accepted: %v", err)
	}
	if _, err := NewSum(r, data.BMCEndpoint{Username: "u"}, logr.Discard()); faults.KindOf(err) != faults.KindValidation {
		t.Errorf("empty host accepted: %v", err)
	}
}

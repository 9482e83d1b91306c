package steps

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/metalforge/metalforge/adapter"
	"github.com/metalforge/metalforge/pkg/faults"
)

func TestFinalizeAndTag(t *testing.T) {
	maas := &fakeMaaS{}
	rc, _ := newRunContext(adapter.Set{MaaS: maas})
	rc.State.SetServerHandle("abc123")
	rc.State.SetDeviceType("sm-x11dph-general")

	if err := FinalizeAndTag(testDeps()).Run(context.Background(), rc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := map[string][]string{
		"abc123": {"metalforge", "basic-provisioning", "sm-x11dph-general"},
	}
	if diff := cmp.Diff(want, maas.tagged); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
}

func TestFinalizeFoldsTagCharacters(t *testing.T) {
	maas := &fakeMaaS{}
	rc, _ := newRunContext(adapter.Set{MaaS: maas})
	rc.State.SetDeviceType("a1.c5.large")

	if err := FinalizeAndTag(testDeps()).Run(context.Background(), rc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := maas.tagged["srv-001"]
	if len(got) != 3 || got[2] != "a1-c5-large" {
		t.Errorf("tags = %v, want dotted device type folded to a1-c5-large", got)
	}
}

func TestFinalizeWithoutMaaS(t *testing.T) {
	rc, _ := newRunContext(adapter.Set{})
	err := FinalizeAndTag(testDeps()).Run(context.Background(), rc)
	if faults.KindOf(err) != faults.KindUnsupported {
		t.Errorf("kind = %v, want %v", faults.KindOf(err), faults.KindUnsupported)
	}
}

func TestFinalizePropagatesTransient(t *testing.T) {
	maas := &fakeMaaS{errs: map[string]error{
		"tag": faults.Errorf(faults.KindTransient, "fake.maas", "gateway timeout"),
	}}
	rc, _ := newRunContext(adapter.Set{MaaS: maas})

	err := FinalizeAndTag(testDeps()).Run(context.Background(), rc)
	if !faults.Retryable(err) {
		t.Errorf("err = %v, want retryable", err)
	}
}

package kvmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestKVMap(t *testing.T) {
	tests := map[string]struct {
		inputs      []string
		source      string // "Set", "FromEnv", or "FromFile"
		want        map[string]string
		wantStr     string
		expectError bool
	}{
		"single pair": {
			inputs:  []string{"rack=r7"},
			source:  "Set",
			want:    map[string]string{"rack": "r7"},
			wantStr: "rack=r7",
		},
		"repeated flag accumulates": {
			inputs:  []string{"rack=r7", "row=b"},
			source:  "Set",
			want:    map[string]string{"rack": "r7", "row": "b"},
			wantStr: "rack=r7,row=b",
		},
		"later key overwrites": {
			inputs:  []string{"rack=r7", "rack=r9"},
			source:  "Set",
			want:    map[string]string{"rack": "r9"},
			wantStr: "rack=r9",
		},
		"value may contain equals": {
			inputs:  []string{"cmd=a=b"},
			source:  "Set",
			want:    map[string]string{"cmd": "a=b"},
			wantStr: "cmd=a=b",
		},
		"empty value allowed": {
			inputs:  []string{"drain="},
			source:  "Set",
			want:    map[string]string{"drain": ""},
			wantStr: "drain=",
		},
		"from environment splits on comma": {
			inputs:  []string{"rack=r7, row=b"},
			source:  "FromEnv",
			want:    map[string]string{"rack": "r7", "row": "b"},
			wantStr: "rack=r7,row=b",
		},
		"from file": {
			inputs:  []string{"rack=r7"},
			source:  "FromFile",
			want:    map[string]string{"rack": "r7"},
			wantStr: "rack=r7",
		},
		"missing equals": {
			inputs:      []string{"rack"},
			source:      "Set",
			expectError: true,
		},
		"empty key": {
			inputs:      []string{"=r7"},
			source:      "Set",
			expectError: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			var target map[string]string
			v := New(&target)

			var err error
			for _, input := range tt.inputs {
				switch tt.source {
				case "FromEnv":
					err = v.FromEnv(input)
				case "FromFile":
					err = v.FromFile(input)
				default:
					err = v.Set(input)
				}
				if err != nil {
					break
				}
			}

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error for %v, got nil", tt.inputs)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if diff := cmp.Diff(target, tt.want); diff != "" {
				t.Errorf("values mismatch (-got +want):\n%s", diff)
			}
			if diff := cmp.Diff(v.String(), tt.wantStr); diff != "" {
				t.Errorf("String() mismatch (-got +want):\n%s", diff)
			}
		})
	}
}

func TestString_NilTarget(t *testing.T) {
	v := &Value{}
	if got := v.String(); got != "" {
		t.Errorf("String() = %q, want empty", got)
	}
	if err := v.Set("a=b"); err == nil {
		t.Error("Set on nil target should error")
	}
}

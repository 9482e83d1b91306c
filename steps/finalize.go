package steps

import (
	"context"
	"strings"
	"time"

	"github.com/metalforge/metalforge/pkg/faults"
)

// FinalizeAndTag marks the machine in MaaS with what this run did to it:
// a marker tag, the template that ran and the resolved device type. History
// finalization is the engine's job, not the step's.
func FinalizeAndTag(Deps) Step {
	return Step{
		Name:        NameFinalize,
		Description: "tag the machine with the provisioning outcome",
		Timeout:     2 * time.Minute,
		Retry:       &RetryPolicy{Count: 2},
		Run: func(ctx context.Context, rc *RunContext) error {
			if rc.Adapters.MaaS == nil {
				return faults.Errorf(faults.KindUnsupported, "steps.finalize", "no maas adapter configured")
			}

			tags := []string{"metalforge"}
			if rc.TemplateName != "" {
				tags = append(tags, tagify(rc.TemplateName))
			}
			if dt := rc.State.DeviceType(); dt != "" {
				tags = append(tags, tagify(dt))
			}

			id := rc.State.ServerHandle()
			if id == "" {
				id = rc.ServerID
			}
			if err := rc.Adapters.MaaS.Tag(ctx, id, tags); err != nil {
				return err
			}
			rc.Report("tagged "+strings.Join(tags, ", "), 0.9)
			return nil
		},
	}
}

// tagify folds an identifier into MaaS tag form: lowercase, dashes only.
func tagify(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, s)
}

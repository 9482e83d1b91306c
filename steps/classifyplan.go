package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/metalforge/metalforge/classify"
	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
)

// ClassifyDeviceType resolves the run's device type. A caller-supplied
// device type wins outright unless the run's policy is always_reclassify;
// otherwise the weighted classifier scores the collected facts against the
// catalog. The step is pure: no adapter is touched.
func ClassifyDeviceType(Deps) Step {
	return Step{
		Name:        NameClassify,
		Description: "classify the server against the device catalog",
		Timeout:     time.Minute,
		Run: func(ctx context.Context, rc *RunContext) error {
			requested := rc.State.Value(KeyRequestedDeviceType)
			policy := rc.State.Value(KeyClassifyPolicy)

			if requested != "" && policy != PolicyAlwaysReclassify {
				if _, err := rc.Catalog.Get(requested); err != nil {
					return err
				}
				rc.State.SetClassification(&data.Classification{
					DeviceTypeID: requested,
					Confidence:   1,
					Level:        data.ConfidenceHigh,
					Method:       classify.MethodUser,
				})
				rc.State.SetDeviceType(requested)
				rc.Report(fmt.Sprintf("using requested device type %s", requested), 0.9)
				return nil
			}

			facts := rc.State.Facts()
			if facts.Empty() {
				return faults.Errorf(faults.KindValidation, "steps.classify",
					"no hardware facts to classify")
			}

			cl := classify.Classify(facts, rc.Catalog.Candidates())
			rc.State.SetClassification(&cl)
			if cl.DeviceTypeID != "" && cl.Level != data.ConfidenceNone {
				rc.State.SetDeviceType(cl.DeviceTypeID)
				rc.Report(fmt.Sprintf("classified as %s (%s confidence, %.2f)",
					cl.DeviceTypeID, cl.Level, cl.Confidence), 0.9)
			} else {
				rc.Report("no catalog match, device type unresolved", 0.9)
			}
			return nil
		},
	}
}

// PlanIntelligentConfiguration asks the planner for the run's
// configuration plan and stores it in the context. sub_task events carry
// the chosen strategy and the planner's reasons.
func PlanIntelligentConfiguration(deps Deps) Step {
	return Step{
		Name:        NamePlan,
		Description: "resolve the configuration plan for this server",
		Timeout:     time.Minute,
		Run: func(ctx context.Context, rc *RunContext) error {
			if deps.Planner == nil {
				return faults.Errorf(faults.KindUnsupported, "steps.plan", "no planner configured")
			}

			plan, err := deps.Planner.Resolve(ctx, PlanRequest{
				ServerID:       rc.ServerID,
				Facts:          rc.State.Facts(),
				Classification: rc.State.Classification(),
				RequestedType:  rc.State.Value(KeyRequestedDeviceType),
				Policy:         rc.State.Value(KeyClassifyPolicy),
			})
			if err != nil {
				return err
			}

			rc.State.SetPlan(&plan)
			if plan.DeviceTypeID != "" {
				rc.State.SetDeviceType(plan.DeviceTypeID)
			}
			rc.Report(fmt.Sprintf("strategy %s", plan.Strategy), 0.5)
			for i, reason := range plan.Reasons {
				rc.Report("plan: "+reason, 0.5+0.4*float64(i+1)/float64(len(plan.Reasons)))
			}
			return nil
		},
	}
}

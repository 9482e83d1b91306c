// Package planner decides how a server gets configured. The Planner
// turns a classification plus the device catalog into a ConfigPlan; the
// Factory composes workflow templates from the step library and seeds
// the run context, resolving the plan up front for templates that carry
// no planning step of their own.
package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	"quamina.net/go/quamina"

	"github.com/metalforge/metalforge/catalog"
	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
	"github.com/metalforge/metalforge/steps"
)

// Catalog is the read surface the planner and factory need. Both
// *catalog.Catalog and *catalog.Snapshot satisfy it.
type Catalog interface {
	Get(id string) (catalog.Entry, error)
	List() []catalog.Entry
}

// Config wires a Planner.
type Config struct {
	Catalog Catalog
	Log     logr.Logger
	// FallbackBIOSTemplate names the catalog template a fallback plan
	// applies. Empty leaves the BIOS untouched on unrecognized hardware.
	FallbackBIOSTemplate string
}

// Planner resolves configuration plans. It implements steps.Planner.
type Planner struct {
	catalog  Catalog
	log      logr.Logger
	fallback string
}

func New(cfg Config) (*Planner, error) {
	if cfg.Catalog == nil {
		return nil, faults.Errorf(faults.KindValidation, "planner.new", "a catalog is required")
	}
	return &Planner{catalog: cfg.Catalog, log: cfg.Log, fallback: cfg.FallbackBIOSTemplate}, nil
}

// Resolve picks the configuration strategy for one server. A requested
// device type wins over classification unless the request asks to always
// reclassify; medium or better confidence yields an intelligent plan
// built from the catalog entry; anything weaker falls back to
// conservative defaults unless the catalog's plan rules recognize the
// hardware anyway.
func (p *Planner) Resolve(_ context.Context, req steps.PlanRequest) (data.ConfigPlan, error) {
	cl := req.Classification
	classified := cl != nil && cl.DeviceTypeID != ""

	if req.RequestedType != "" && (req.Policy != steps.PolicyAlwaysReclassify || !classified) {
		e, err := p.catalog.Get(req.RequestedType)
		if err != nil {
			return data.ConfigPlan{}, err
		}
		return p.intelligent(e, fmt.Sprintf("device type %s requested by caller", e.ID)), nil
	}

	if !classified {
		return p.fallbackPlan("no classification available"), nil
	}

	switch cl.Level {
	case data.ConfidenceHigh, data.ConfidenceMedium:
		e, err := p.catalog.Get(cl.DeviceTypeID)
		if err != nil {
			// The catalog moved under the run; plan conservatively
			// rather than fail a workflow over a reload.
			p.log.Info("classified device type vanished from the catalog, falling back",
				"deviceType", cl.DeviceTypeID)
			return p.fallbackPlan(fmt.Sprintf("classified device type %s is gone from the catalog", cl.DeviceTypeID)), nil
		}
		plan := p.intelligent(e, fmt.Sprintf("classification %s (%.2f) via %s", cl.Level, cl.Confidence, cl.Method))
		if n := p.ruleMatches(e, req.Facts); n > 0 {
			plan.Reasons = append(plan.Reasons, fmt.Sprintf("%d plan rule(s) matched for %s", n, e.ID))
		}
		return plan, nil
	}

	// Low or no confidence. Plan rules get one shot at recognizing the
	// hardware before the run is planned conservatively.
	if e, n := p.bestRuleMatch(req.Facts); n > 0 {
		plan := p.intelligent(e, fmt.Sprintf("%d plan rule(s) matched for %s", n, e.ID))
		plan.Reasons = append(plan.Reasons,
			fmt.Sprintf("classification %s (%.2f) overridden by plan rules", cl.Level, cl.Confidence))
		return plan, nil
	}
	return p.fallbackPlan(fmt.Sprintf("classification %s (%.2f), best candidate %s not trusted",
		cl.Level, cl.Confidence, cl.DeviceTypeID)), nil
}

func (p *Planner) intelligent(e catalog.Entry, reason string) data.ConfigPlan {
	methods := make(map[string]data.FirmwareMethod, len(e.FirmwareMethods))
	for k, v := range e.FirmwareMethods {
		methods[k] = v
	}
	return data.ConfigPlan{
		DeviceTypeID:     e.ID,
		Strategy:         data.StrategyIntelligent,
		FirmwareMethods:  methods,
		BIOSTemplate:     e.BIOSTemplate,
		PreserveSettings: append([]string(nil), e.PreserveSettings...),
		BootOrder:        append([]string(nil), e.BootOrder...),
		Reasons:          []string{reason},
	}
}

func (p *Planner) fallbackPlan(reason string) data.ConfigPlan {
	return data.ConfigPlan{
		Strategy:     data.StrategyFallback,
		BIOSTemplate: p.fallback,
		Reasons:      []string{reason, "applying conservative fallback defaults"},
	}
}

// ruleDoc is the document plan rules match against. It is deliberately
// decoupled from the HardwareFacts wire form so catalog rules survive
// fact schema changes.
type ruleDoc struct {
	Vendor      string            `json:"vendor,omitempty"`
	Motherboard string            `json:"motherboard,omitempty"`
	CPU         ruleCPU           `json:"cpu"`
	MemoryGB    int               `json:"memoryGb,omitempty"`
	Serial      string            `json:"serial,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

type ruleCPU struct {
	Model string `json:"model,omitempty"`
	Cores int    `json:"cores,omitempty"`
}

func ruleEvent(f data.HardwareFacts) []byte {
	b, err := json.Marshal(ruleDoc{
		Vendor:      f.Vendor,
		Motherboard: f.Motherboard,
		CPU:         ruleCPU{Model: f.CPUModel, Cores: f.CPUCores},
		MemoryGB:    f.MemoryGB,
		Serial:      f.SerialNumber,
		Extra:       f.Extra,
	})
	if err != nil {
		return nil
	}
	return b
}

// ruleMatches counts how many of the entry's plan rules match the facts.
// Malformed rules are logged and skipped; they never fail a plan.
func (p *Planner) ruleMatches(e catalog.Entry, facts data.HardwareFacts) int {
	if len(e.PlanRules) == 0 || facts.Empty() {
		return 0
	}
	event := ruleEvent(facts)
	if event == nil {
		return 0
	}
	q, err := quamina.New()
	if err != nil {
		return 0
	}
	for i, rule := range e.PlanRules {
		if err := q.AddPattern(i, rule); err != nil {
			p.log.V(1).Info("skipping malformed plan rule",
				"deviceType", e.ID, "rule", rule, "error", err.Error())
		}
	}
	got, err := q.MatchesForEvent(event)
	if err != nil {
		return 0
	}
	return len(got)
}

// bestRuleMatch scans every device type's plan rules against the facts.
// Most matches wins; the catalog's id ordering breaks ties.
func (p *Planner) bestRuleMatch(facts data.HardwareFacts) (catalog.Entry, int) {
	var best catalog.Entry
	bestN := 0
	for _, e := range p.catalog.List() {
		if n := p.ruleMatches(e, facts); n > bestN {
			best, bestN = e, n
		}
	}
	return best, bestN
}

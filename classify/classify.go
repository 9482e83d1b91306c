// Package classify infers the most likely catalog device type for a set of
// discovered hardware facts. Classification is pure and deterministic: the
// same facts and candidate set always produce the same result, regardless
// of candidate order, and the inputs are never mutated.
package classify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/metalforge/metalforge/pkg/data"
)

// Component weights. Vendor identity dominates because motherboard strings
// are frequently OEM-rebadged while vendors are stable.
const (
	weightVendor      = 0.40
	weightMotherboard = 0.30
	weightCPUModel    = 0.20
	weightCPUCores    = 0.10
)

// Confidence thresholds for the level buckets.
const (
	thresholdHigh   = 0.80
	thresholdMedium = 0.50
	thresholdLow    = 0.30
)

// MethodWeighted marks a classification produced by the weighted matcher,
// as opposed to a user-supplied device type.
const MethodWeighted = "weighted"

// MethodUser marks a classification taken verbatim from a caller-supplied
// device type.
const MethodUser = "user"

// Candidate is one device type flattened out of the catalog tree with the
// vendor and motherboard context it belongs to.
type Candidate struct {
	DeviceTypeID  string
	Vendor        string
	VendorAliases []string
	Motherboard   string
	CPUModel      string
	CPUCores      int
}

// builtinAliases groups vendor names that mean the same manufacturer.
// Catalog-declared aliases extend this per candidate.
var builtinAliases = [][]string{
	{"supermicro", "super micro computer"},
	{"hpe", "hewlett-packard", "hewlett packard", "hewlett packard enterprise"},
}

// Classify scores every candidate against facts and returns the winner with
// the full per-candidate score map. Ties are broken by lexicographically
// smallest device type id so the result is stable.
func Classify(facts data.HardwareFacts, candidates []Candidate) data.Classification {
	out := data.Classification{
		Level:  data.ConfidenceNone,
		Method: MethodWeighted,
		Scores: make(map[string]float64, len(candidates)),
	}

	var (
		best      float64
		bestID    string
		breakdown map[string]float64
	)
	for _, c := range candidates {
		parts := score(facts, c)
		total := weightVendor*parts["vendor"] +
			weightMotherboard*parts["motherboard"] +
			weightCPUModel*parts["cpu_model"] +
			weightCPUCores*parts["cpu_cores"]
		out.Scores[c.DeviceTypeID] = total

		switch {
		case total > best:
			best, bestID, breakdown = total, c.DeviceTypeID, parts
		case total == best && total > 0 && (bestID == "" || c.DeviceTypeID < bestID):
			bestID, breakdown = c.DeviceTypeID, parts
		}
	}

	out.Confidence = best
	out.Level = Level(best)
	if best > 0 {
		out.DeviceTypeID = bestID
		out.Breakdown = breakdown
	}
	return out
}

// Level buckets a confidence score.
func Level(confidence float64) data.ConfidenceLevel {
	switch {
	case confidence >= thresholdHigh:
		return data.ConfidenceHigh
	case confidence >= thresholdMedium:
		return data.ConfidenceMedium
	case confidence >= thresholdLow:
		return data.ConfidenceLow
	}
	return data.ConfidenceNone
}

func score(facts data.HardwareFacts, c Candidate) map[string]float64 {
	parts := map[string]float64{
		"vendor":      0,
		"motherboard": 0,
		"cpu_model":   0,
		"cpu_cores":   0,
	}
	if vendorsMatch(facts.Vendor, c.Vendor, c.VendorAliases) {
		parts["vendor"] = 1
	}
	if facts.Motherboard != "" && norm(facts.Motherboard) == norm(c.Motherboard) {
		parts["motherboard"] = 1
	}
	if facts.CPUModel != "" && norm(facts.CPUModel) == norm(c.CPUModel) {
		parts["cpu_model"] = 1
	}
	parts["cpu_cores"] = coreScore(facts.CPUCores, c.CPUCores)
	return parts
}

// coreScore gives partial credit when the counts are close; SKUs within a
// family often differ by a core bin or two.
func coreScore(got, want int) float64 {
	if got == 0 || want == 0 {
		return 0
	}
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff == 0:
		return 1
	case diff <= 2:
		return 0.5
	}
	return 0
}

// VendorsEqual reports whether two vendor names refer to the same
// manufacturer, honoring declared aliases and the built-in groups.
func VendorsEqual(got, want string, aliases []string) bool {
	return vendorsMatch(got, want, aliases)
}

func vendorsMatch(got, want string, aliases []string) bool {
	g, w := norm(got), norm(want)
	if g == "" || w == "" {
		return false
	}
	if g == w {
		return true
	}
	for _, a := range aliases {
		if g == norm(a) {
			return true
		}
	}
	for _, group := range builtinAliases {
		if containsNorm(group, g) && containsNorm(group, w) {
			return true
		}
	}
	return false
}

func containsNorm(group []string, v string) bool {
	for _, g := range group {
		if norm(g) == v {
			return true
		}
	}
	return false
}

// norm lowercases and collapses interior whitespace so "Super  Micro
// Computer" and "super micro computer" compare equal.
func norm(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// Explain renders the per-candidate scores sorted best first, for operator
// facing output.
func Explain(c data.Classification) []string {
	type kv struct {
		id    string
		score float64
	}
	ranked := make([]kv, 0, len(c.Scores))
	for id, s := range c.Scores {
		ranked = append(ranked, kv{id, s})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = fmt.Sprintf("%.2f %s", r.score, r.id)
	}
	return out
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/metalforge/metalforge/catalog"
	"github.com/metalforge/metalforge/classify"
	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
	"github.com/metalforge/metalforge/pkg/inspect"
)

// runClassify scores hardware facts against the catalog without touching
// any machine. Facts come from a JSON document or from inspecting the
// host this process runs on.
func (c *cli) runClassify(ctx context.Context, _ []string) error {
	facts, err := c.classifyFacts(ctx)
	if err != nil {
		return err
	}

	cat, err := catalog.FromFile(c.cfg.Catalog.Path)
	if err != nil {
		return err
	}

	result := classify.Classify(facts, cat.Candidates())

	if c.classify.JSON {
		out := struct {
			Facts          data.HardwareFacts  `json:"facts"`
			Classification data.Classification `json:"classification"`
		}{facts, result}
		return json.NewEncoder(os.Stdout).Encode(out)
	}

	fmt.Printf("vendor:      %s\n", orDash(facts.Vendor))
	fmt.Printf("motherboard: %s\n", orDash(facts.Motherboard))
	fmt.Printf("cpu:         %s (%d cores)\n", orDash(facts.CPUModel), facts.CPUCores)
	fmt.Printf("memory:      %d GB\n", facts.MemoryGB)
	fmt.Println()
	if result.DeviceTypeID == "" {
		fmt.Printf("no device type matched (confidence %s)\n", result.Level)
	} else {
		fmt.Printf("device type: %s (%.2f, %s)\n", result.DeviceTypeID, result.Confidence, result.Level)
	}
	fmt.Println("candidates:")
	for _, line := range classify.Explain(result) {
		fmt.Printf("  %s\n", line)
	}
	return nil
}

func (c *cli) classifyFacts(ctx context.Context) (data.HardwareFacts, error) {
	switch {
	case c.classify.Local:
		return inspect.Facts(ctx)
	case c.classify.FactsFile != "":
		raw, err := os.ReadFile(c.classify.FactsFile)
		if err != nil {
			return data.HardwareFacts{}, fmt.Errorf("reading facts: %w", err)
		}
		var facts data.HardwareFacts
		if err := json.Unmarshal(raw, &facts); err != nil {
			return data.HardwareFacts{}, faults.Errorf(faults.KindValidation, "classify.facts",
				"undecodable facts document: %v", err)
		}
		return facts, nil
	}
	return data.HardwareFacts{}, faults.Errorf(faults.KindValidation, "classify.facts",
		"need --facts <file> or --local")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/metalforge/metalforge/catalog"
)

// runCatalog loads the device catalog and reports on it. --validate is
// implicit in loading; it exists so operators can express intent in CI
// pipelines.
func (c *cli) runCatalog(ctx context.Context, _ []string) error {
	cat, err := catalog.FromFile(c.cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("catalog invalid: %w", err)
	}
	snap := cat.Snapshot()

	if c.catalog.Search != "" {
		entries := snap.Search(c.catalog.Search)
		if len(entries) == 0 {
			fmt.Printf("no device types match %q\n", c.catalog.Search)
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%-28s %-14s %-12s %s\n", e.ID, e.Vendor, e.Motherboard, e.Description)
		}
		return nil
	}

	vendors := map[string]int{}
	for _, e := range snap.List() {
		vendors[e.Vendor]++
	}
	parts := make([]string, 0, len(vendors))
	for _, e := range snap.List() {
		if vendors[e.Vendor] > 0 {
			parts = append(parts, fmt.Sprintf("%s (%d)", e.Vendor, vendors[e.Vendor]))
			vendors[e.Vendor] = 0
		}
	}

	fmt.Printf("catalog %s: %d device types across %s\n",
		c.cfg.Catalog.Path, snap.Len(), strings.Join(parts, ", "))
	if c.catalog.Validate {
		fmt.Println("catalog valid")
	}
	return nil
}

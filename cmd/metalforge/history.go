package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/metalforge/metalforge/history"
	"github.com/metalforge/metalforge/pkg/data"
)

// runHistory reads the history database directly: it lists finished and
// in-flight workflow records, or shows one record in full.
func (c *cli) runHistory(ctx context.Context, _ []string) error {
	store, err := history.Open(c.cfg.History.Path, c.log)
	if err != nil {
		return err
	}
	defer store.Close()

	enc := json.NewEncoder(os.Stdout)

	if c.history.WorkflowID != "" {
		rec, err := store.Get(ctx, c.history.WorkflowID)
		if err != nil {
			return err
		}
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	recs, err := store.List(ctx, history.Filter{
		ServerID: c.history.ServerID,
		State:    data.WorkflowState(c.history.State),
		Limit:    c.history.Limit,
	})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(os.Stderr, "no records")
		return nil
	}
	for _, rec := range recs {
		// One line per record; metadata only shows on --id.
		rec.Metadata = ""
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

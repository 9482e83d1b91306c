package journal

import (
	"context"
	"strings"
	"sync"
	"testing"
)

func TestJournal(t *testing.T) {
	ctx := New(context.Background())

	Log(ctx, "starting", "server", "srv-001")
	Log(ctx, "power state read", "state", "on")

	got := Journal(ctx)
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].Msg != "starting" || got[1].Msg != "power state read" {
		t.Errorf("unexpected entries: %+v", got)
	}
	if !strings.Contains(got[0].Source, "journal_test.go") {
		t.Errorf("source not captured: %q", got[0].Source)
	}
}

func TestLogWithoutJournal(t *testing.T) {
	// Must not panic and must not record anything.
	ctx := context.Background()
	Log(ctx, "into the void")
	if got := Journal(ctx); got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestJournalCopies(t *testing.T) {
	ctx := New(context.Background())
	Log(ctx, "one")
	first := Journal(ctx)
	Log(ctx, "two")
	if len(first) != 1 {
		t.Errorf("earlier snapshot grew: %+v", first)
	}
	if len(Journal(ctx)) != 2 {
		t.Errorf("journal lost an entry")
	}
}

func TestConcurrentLog(t *testing.T) {
	ctx := New(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Log(ctx, "entry")
		}()
	}
	wg.Wait()
	if got := len(Journal(ctx)); got != 50 {
		t.Errorf("got %d entries, want 50", got)
	}
}

// Package journal collects code-flow breadcrumbs in a context.Context.
// A journal is attached once per request or per workflow run; call sites
// append entries as they make decisions. On failure paths the whole journal
// is logged at V(1), which gives the complete code path without verbose
// logging on the happy path.
package journal

import (
	"context"
	"fmt"
	"runtime"
	"sync"
)

type ctxKey struct{}

// Entry is one breadcrumb.
type Entry struct {
	Msg    string
	Args   []any
	Source string
}

func (e Entry) String() string {
	if len(e.Args) == 0 {
		return fmt.Sprintf("%s (%s)", e.Msg, e.Source)
	}
	return fmt.Sprintf("%s %v (%s)", e.Msg, e.Args, e.Source)
}

type store struct {
	mu      sync.Mutex
	entries []Entry
}

// New returns a ctx carrying a fresh, empty journal.
func New(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, &store{})
}

// Log appends a breadcrumb to the journal in ctx. A ctx without a journal
// is a no-op, so call sites never need to guard.
func Log(ctx context.Context, msg string, args ...any) {
	s, ok := ctx.Value(ctxKey{}).(*store)
	if !ok {
		return
	}
	src := ""
	if _, file, line, ok := runtime.Caller(1); ok {
		short := file
		for i := len(file) - 1; i > 0; i-- {
			if file[i] == '/' {
				short = file[i+1:]
				break
			}
		}
		src = fmt.Sprintf("%s:%d", short, line)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Entry{Msg: msg, Args: args, Source: src})
}

// Journal returns a copy of the entries collected so far.
func Journal(ctx context.Context) []Entry {
	s, ok := ctx.Value(ctxKey{}).(*store)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Package catalog loads the device catalog and serves immutable snapshots
// of it. Readers never block: every query runs against the snapshot current
// at call time, and a reload installs a complete new snapshot atomically or
// not at all.
package catalog

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/metalforge/metalforge/classify"
	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
)

type Catalog struct {
	path string
	snap atomic.Pointer[Snapshot]

	nowFunc func() time.Time
}

// FromFile loads the catalog document at path. The catalog remembers the
// path, so Reload and Watch re-read it.
func FromFile(path string) (*Catalog, error) {
	c := &Catalog{path: path, nowFunc: time.Now}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// FromBytes builds a catalog from an in-memory document. Reload is not
// available on a bytes-backed catalog; use Replace.
func FromBytes(b []byte) (*Catalog, error) {
	c := &Catalog{nowFunc: time.Now}
	if err := c.Replace(b); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the backing file and swaps in the new snapshot. On any
// error the previous snapshot stays installed and keeps serving.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return faults.E(faults.KindUnsupported, "catalog.reload",
			fmt.Errorf("catalog is not file backed"))
	}
	b, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("reading catalog %s: %w", c.path, err)
	}
	return c.Replace(b)
}

// Replace parses, validates and atomically installs a new document.
func (c *Catalog) Replace(b []byte) error {
	doc, err := ParseDocument(b)
	if err != nil {
		return err
	}
	snap, err := buildSnapshot(doc, c.nowFunc())
	if err != nil {
		return err
	}
	c.snap.Store(snap)
	return nil
}

// Snapshot returns the current immutable snapshot.
func (c *Catalog) Snapshot() *Snapshot { return c.snap.Load() }

// The query methods below delegate to the snapshot current at call time.
// A caller that needs several consistent reads should take Snapshot() once.

func (c *Catalog) List() []Entry { return c.Snapshot().List() }

func (c *Catalog) Get(id string) (Entry, error) { return c.Snapshot().Get(id) }

func (c *Catalog) ByVendor(vendor string) []Entry { return c.Snapshot().ByVendor(vendor) }

func (c *Catalog) Search(query string) []Entry { return c.Snapshot().Search(query) }

func (c *Catalog) Candidates() []classify.Candidate { return c.Snapshot().Candidates() }

func (c *Catalog) ByMotherboard(vendor, model string) []Entry {
	return c.Snapshot().ByMotherboard(vendor, model)
}

func (c *Catalog) FirmwareMethods(id string) (map[string]data.FirmwareMethod, error) {
	return c.Snapshot().FirmwareMethods(id)
}

func (c *Catalog) RenderBIOS(id string, vars map[string]string) (string, error) {
	return c.Snapshot().RenderBIOS(id, vars)
}

func (c *Catalog) RenderNamed(name string, vars map[string]string) (string, error) {
	return c.Snapshot().RenderNamed(name, vars)
}

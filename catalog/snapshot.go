package catalog

import (
	"bytes"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"golang.org/x/text/cases"

	"github.com/metalforge/metalforge/classify"
	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
)

// Entry is one device type denormalized with its vendor and motherboard
// context and the merged firmware methods. Entries returned from a Snapshot
// are read-only; a reload produces a new Snapshot rather than mutating one.
type Entry struct {
	ID               string                         `json:"id"`
	Description      string                         `json:"description,omitempty"`
	CPUModel         string                         `json:"cpuModel,omitempty"`
	CPUCores         int                            `json:"cpuCores,omitempty"`
	MemoryGB         int                            `json:"memoryGB,omitempty"`
	BIOSTemplate     string                         `json:"biosTemplate,omitempty"`
	Tags             []string                       `json:"tags,omitempty"`
	PreserveSettings []string                       `json:"preserveSettings,omitempty"`
	BootOrder        []string                       `json:"bootOrder,omitempty"`
	PlanRules        []string                       `json:"planRules,omitempty"`
	Vendor           string                         `json:"vendor"`
	VendorAliases    []string                       `json:"vendorAliases,omitempty"`
	Motherboard      string                         `json:"motherboard"`
	FirmwareMethods  map[string]data.FirmwareMethod `json:"firmwareMethods,omitempty"`
}

// Snapshot is an immutable view of the catalog. All queries run against a
// snapshot, so a concurrent reload never tears a reader.
type Snapshot struct {
	doc       *Document
	entries   []Entry
	byID      map[string]int
	haystack  []string
	templates map[string]*template.Template
	loadedAt  time.Time
}

func buildSnapshot(doc *Document, now time.Time) (*Snapshot, error) {
	s := &Snapshot{
		doc:       doc,
		byID:      map[string]int{},
		templates: map[string]*template.Template{},
		loadedAt:  now,
	}
	for name, text := range doc.BIOSTemplates {
		tmpl, err := template.New(name).Funcs(sprig.HermeticTxtFuncMap()).Parse(text)
		if err != nil {
			return nil, faults.Errorf(faults.KindValidation, "catalog.load",
				"biosTemplates[%s]: %v", name, err)
		}
		s.templates[name] = tmpl
	}
	for _, vendor := range doc.Vendors {
		for _, mb := range vendor.Motherboards {
			methods := mergedMethods(vendor.FirmwareMethods, mb.FirmwareMethods)
			for _, dt := range mb.DeviceTypes {
				s.entries = append(s.entries, Entry{
					ID:               dt.ID,
					Description:      dt.Description,
					CPUModel:         dt.CPUModel,
					CPUCores:         dt.CPUCores,
					MemoryGB:         dt.MemoryGB,
					BIOSTemplate:     dt.BIOSTemplate,
					Tags:             dt.Tags,
					PreserveSettings: dt.PreserveSettings,
					BootOrder:        dt.BootOrder,
					PlanRules:        dt.PlanRules,
					Vendor:           vendor.Name,
					VendorAliases:    vendor.Aliases,
					Motherboard:      mb.Model,
					FirmwareMethods:  methods,
				})
			}
		}
	}
	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].ID < s.entries[j].ID })
	for i, e := range s.entries {
		s.byID[e.ID] = i
		s.haystack = append(s.haystack, fold(strings.Join([]string{
			e.ID, e.Description, e.CPUModel, e.Vendor, e.Motherboard, strings.Join(e.Tags, " "),
		}, " ")))
	}
	return s, nil
}

// List returns all entries sorted by device type id.
func (s *Snapshot) List() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Get returns the entry for a device type id.
func (s *Snapshot) Get(id string) (Entry, error) {
	i, ok := s.byID[id]
	if !ok {
		return Entry{}, faults.Errorf(faults.KindNotFound, "catalog.get", "no device type %q", id)
	}
	return s.entries[i], nil
}

// ByVendor returns every entry under the named vendor, accepting declared
// aliases and the built-in vendor alias groups.
func (s *Snapshot) ByVendor(vendor string) []Entry {
	var out []Entry
	for _, e := range s.entries {
		if classify.VendorsEqual(vendor, e.Vendor, e.VendorAliases) {
			out = append(out, e)
		}
	}
	return out
}

// ByMotherboard returns the entries for one vendor and motherboard model.
func (s *Snapshot) ByMotherboard(vendor, model string) []Entry {
	want := fold(model)
	var out []Entry
	for _, e := range s.entries {
		if classify.VendorsEqual(vendor, e.Vendor, e.VendorAliases) && fold(e.Motherboard) == want {
			out = append(out, e)
		}
	}
	return out
}

// Search returns entries whose id, description, tags, CPU model, vendor or
// motherboard contain the query, case folded.
func (s *Snapshot) Search(query string) []Entry {
	q := fold(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var out []Entry
	for i, hay := range s.haystack {
		if strings.Contains(hay, q) {
			out = append(out, s.entries[i])
		}
	}
	return out
}

// FirmwareMethods returns the merged firmware methods for a device type.
// The returned map is a copy.
func (s *Snapshot) FirmwareMethods(id string) (map[string]data.FirmwareMethod, error) {
	e, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	out := make(map[string]data.FirmwareMethod, len(e.FirmwareMethods))
	for k, v := range e.FirmwareMethods {
		out[k] = v
	}
	return out, nil
}

// Candidates flattens the snapshot for the classification engine.
func (s *Snapshot) Candidates() []classify.Candidate {
	out := make([]classify.Candidate, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, classify.Candidate{
			DeviceTypeID:  e.ID,
			Vendor:        e.Vendor,
			VendorAliases: e.VendorAliases,
			Motherboard:   e.Motherboard,
			CPUModel:      e.CPUModel,
			CPUCores:      e.CPUCores,
		})
	}
	return out
}

// BIOSInput is the data a BIOS template executes against.
type BIOSInput struct {
	Device Entry
	Vars   map[string]string
}

// RenderBIOS executes the device type's BIOS template with vars.
func (s *Snapshot) RenderBIOS(id string, vars map[string]string) (string, error) {
	e, err := s.Get(id)
	if err != nil {
		return "", err
	}
	if e.BIOSTemplate == "" {
		return "", faults.Errorf(faults.KindNotFound, "catalog.render_bios",
			"device type %q has no BIOS template", id)
	}
	return s.render(s.templates[e.BIOSTemplate], e, vars)
}

// RenderNamed executes a template by its own name, without going through a
// device type. Fallback plans use this for the generic template.
func (s *Snapshot) RenderNamed(name string, vars map[string]string) (string, error) {
	tmpl, ok := s.templates[name]
	if !ok {
		return "", faults.Errorf(faults.KindNotFound, "catalog.render_named", "no BIOS template %q", name)
	}
	return s.render(tmpl, Entry{}, vars)
}

func (s *Snapshot) render(tmpl *template.Template, e Entry, vars map[string]string) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, BIOSInput{Device: e, Vars: vars}); err != nil {
		return "", faults.Errorf(faults.KindValidation, "catalog.render_bios",
			"template %q: %v", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// Doc returns the normalized document backing this snapshot.
func (s *Snapshot) Doc() *Document { return s.doc }

// Serialize renders the snapshot's document to canonical YAML.
func (s *Snapshot) Serialize() ([]byte, error) { return s.doc.Serialize() }

// Len is the number of device types in the snapshot.
func (s *Snapshot) Len() int { return len(s.entries) }

// LoadedAt is when this snapshot was installed.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// fold lowercases with full Unicode case folding, so search behaves the
// same for operators typing ASCII or not.
func fold(s string) string {
	return cases.Fold().String(s)
}

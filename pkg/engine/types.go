package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Method is the action the processor takes for a package.
type Method int

const (
	// MethodInstall installs a package that is not in the installed record.
	MethodInstall Method = iota

	// MethodUpgrade replaces an installed package whose version changed.
	MethodUpgrade

	// MethodRemove uninstalls a package that is no longer desired.
	MethodRemove
)

// String returns the lower-case method name used in logs and plans.
func (m Method) String() string {
	switch m {
	case MethodInstall:
		return "install"
	case MethodUpgrade:
		return "upgrade"
	case MethodRemove:
		return "remove"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Method) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Method) UnmarshalText(text []byte) error {
	method, err := ParseMethod(string(text))
	if err != nil {
		return err
	}
	*m = method
	return nil
}

// ParseMethod parses a method name.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "install", "":
		return MethodInstall, nil
	case "upgrade":
		return MethodUpgrade, nil
	case "remove":
		return MethodRemove, nil
	default:
		return MethodInstall, fmt.Errorf("unknown method %q", s)
	}
}

// RemovalPriority is the priority assigned to packages scheduled for
// removal. The queue orders removals by tier, so the value is informational.
const RemovalPriority = math.MaxInt

// Processing phases, reported in EngineError.Operation and telemetry.
const (
	PhaseSession          = "session"
	PhaseState            = "state"
	PhaseProfile          = "profile"
	PhaseMetadata         = "metadata"
	PhaseGraph            = "graph"
	PhaseReconcile        = "reconcile"
	PhasePolicy           = "policy"
	PhaseFetchInstaller   = "fetch-installer"
	PhaseResolveInstaller = "resolve-installer"
	PhaseCheck            = "check"
	PhaseDownload         = "download"
	PhaseAct              = "act"
	PhaseVerify           = "verify"
	PhasePersist          = "persist"
	PhaseCleanup          = "cleanup"
)

// Package is one unit of software with its installation metadata.
type Package struct {
	// ID is the unique key into the package set.
	ID string `json:"id"`

	// Name is the display name.
	Name string `json:"name"`

	// InstallerRef is the repository reference of the installer script.
	InstallerRef string `json:"installer"`

	// Version is compared by equality only.
	Version string `json:"version"`

	// Priority orders installation; higher installs earlier.
	Priority int `json:"priority"`

	// IsMeta marks packages without an installable artifact.
	IsMeta bool `json:"meta"`

	// RequiresReboot marks packages that need a reboot after their action.
	RequiresReboot bool `json:"reboot"`

	// Files are the archive files owned by this package.
	Files []string `json:"files,omitempty"`

	// Depend lists package ids that must be installed before this one.
	Depend []string `json:"depend,omitempty"`

	// Chain lists package ids that must be installed after this one.
	Chain []string `json:"chain,omitempty"`

	// Method is the action assigned by reconciliation.
	Method Method `json:"method"`

	// Source lists the package ids that changed this package's priority.
	Source []string `json:"source,omitempty"`
}

// AddSource records id as a provenance source. Duplicates are ignored.
func (p *Package) AddSource(id string) {
	for _, s := range p.Source {
		if s == id {
			return
		}
	}
	p.Source = append(p.Source, id)
}

// Removal reports whether the package is scheduled for removal.
func (p *Package) Removal() bool {
	return p.Method == MethodRemove
}

// Entry returns the installed-record entry describing this package.
func (p *Package) Entry() RecordEntry {
	return RecordEntry{
		ID:           p.ID,
		Name:         p.Name,
		InstallerRef: p.InstallerRef,
		Version:      p.Version,
		Priority:     p.Priority,
		IsMeta:       p.IsMeta,
	}
}

// PackageSet is the arena of packages for one resolution run, keyed by id.
type PackageSet struct {
	packages map[string]*Package
}

// NewPackageSet creates an empty package set.
func NewPackageSet() *PackageSet {
	return &PackageSet{packages: make(map[string]*Package)}
}

// Get returns the package with the given id.
func (s *PackageSet) Get(id string) (*Package, bool) {
	p, ok := s.packages[id]
	return p, ok
}

// Put inserts or replaces a package.
func (s *PackageSet) Put(p *Package) {
	s.packages[p.ID] = p
}

// Delete removes a package from the set.
func (s *PackageSet) Delete(id string) {
	delete(s.packages, id)
}

// Has reports whether id is in the set.
func (s *PackageSet) Has(id string) bool {
	_, ok := s.packages[id]
	return ok
}

// Len returns the number of packages.
func (s *PackageSet) Len() int {
	return len(s.packages)
}

// IDs returns the package ids in lexical order.
func (s *PackageSet) IDs() []string {
	ids := make([]string, 0, len(s.packages))
	for id := range s.packages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Packages returns the packages in id order.
func (s *PackageSet) Packages() []*Package {
	out := make([]*Package, 0, len(s.packages))
	for _, id := range s.IDs() {
		out = append(out, s.packages[id])
	}
	return out
}

// RecordEntry is one entry of the installed-state record.
type RecordEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	InstallerRef string `json:"installer"`
	Version      string `json:"version"`
	Priority     int    `json:"priority"`
	IsMeta       bool   `json:"meta"`
}

// InstalledRecord is the in-memory installed-state record. It is owned by
// the queue processor during a run and is not safe for concurrent use.
type InstalledRecord struct {
	entries map[string]RecordEntry
}

// NewInstalledRecord creates a record from the given entries.
func NewInstalledRecord(entries ...RecordEntry) *InstalledRecord {
	r := &InstalledRecord{entries: make(map[string]RecordEntry, len(entries))}
	for _, e := range entries {
		r.entries[e.ID] = e
	}
	return r
}

// Get returns the entry for id.
func (r *InstalledRecord) Get(id string) (RecordEntry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// Upsert writes or replaces an entry.
func (r *InstalledRecord) Upsert(e RecordEntry) {
	r.entries[e.ID] = e
}

// Delete removes the entry for id.
func (r *InstalledRecord) Delete(id string) {
	delete(r.entries, id)
}

// Len returns the number of entries.
func (r *InstalledRecord) Len() int {
	return len(r.entries)
}

// Entries returns all entries in id order.
func (r *InstalledRecord) Entries() []RecordEntry {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]RecordEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.entries[id])
	}
	return out
}

// Clone returns an independent copy of the record.
func (r *InstalledRecord) Clone() *InstalledRecord {
	return NewInstalledRecord(r.Entries()...)
}

// OutcomeStatus describes how the processor finished with a package.
type OutcomeStatus string

const (
	OutcomeApplied OutcomeStatus = "applied"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeMeta    OutcomeStatus = "meta"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Outcome is the per-package result of processing.
type Outcome struct {
	PackageID string        `json:"package_id"`
	Method    Method        `json:"method"`
	Status    OutcomeStatus `json:"status"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// ReconcileSummary counts the classification of one reconciliation.
type ReconcileSummary struct {
	Install   int `json:"install"`
	Upgrade   int `json:"upgrade"`
	Remove    int `json:"remove"`
	Satisfied int `json:"satisfied"`
}

// Total returns the number of packages that need an action.
func (s ReconcileSummary) Total() int {
	return s.Install + s.Upgrade + s.Remove
}

// RunResult is the terminal result of one orchestrated run.
type RunResult struct {
	RunID          string           `json:"run_id"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     time.Time        `json:"finished_at"`
	RebootRequired bool             `json:"reboot_required"`
	Summary        ReconcileSummary `json:"summary"`
	Outcomes       []Outcome        `json:"outcomes"`
}

// PlanEntry is one queued action, in processing order.
type PlanEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Method   Method `json:"method"`
	Priority int    `json:"priority"`
	IsMeta   bool   `json:"meta"`
	Reboot   bool   `json:"reboot"`
}

// Plan is the reconciled, ordered set of actions for a run.
type Plan struct {
	RunID   string           `json:"run_id"`
	Desired []string         `json:"desired"`
	Summary ReconcileSummary `json:"summary"`
	Entries []PlanEntry      `json:"entries"`

	// Set is the reconciled package set the plan was derived from.
	Set *PackageSet `json:"-"`
}

// Removals returns the ids scheduled for removal.
func (p *Plan) Removals() []string {
	var out []string
	for _, e := range p.Entries {
		if e.Method == MethodRemove {
			out = append(out, e.ID)
		}
	}
	return out
}

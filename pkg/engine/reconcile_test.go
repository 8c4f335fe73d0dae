package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func reconcile(t *testing.T, loader *fakeLoader, record *InstalledRecord, desired ...string) (*PackageSet, ReconcileSummary) {
	t.Helper()
	b, err := buildSet(t, loader, desired...)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	summary, err := NewReconciler(loader, zerolog.Nop()).Reconcile(context.Background(), b.Set(), record)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	return b.Set(), summary
}

func TestReconcileClassification(t *testing.T) {
	loader := newFakeLoader(
		Package{ID: "new", Priority: 1},
		Package{ID: "current", Priority: 1, Version: "2.0"},
		Package{ID: "stale", Priority: 1, Version: "3.0"},
		Package{ID: "retired", Priority: 7, Version: "1.0", Files: []string{"retired.msi"}},
	)
	record := NewInstalledRecord(
		RecordEntry{ID: "current", Version: "2.0"},
		RecordEntry{ID: "stale", Version: "2.9"},
		RecordEntry{ID: "retired", Version: "1.0"},
	)

	set, summary := reconcile(t, loader, record, "new", "current", "stale")

	want := ReconcileSummary{Install: 1, Upgrade: 1, Remove: 1, Satisfied: 1}
	if summary != want {
		t.Errorf("summary = %+v, want %+v", summary, want)
	}
	if set.Has("current") {
		t.Error("satisfied package must be dropped from the set")
	}
	if p := mustGet(t, set, "new"); p.Method != MethodInstall {
		t.Errorf("new.Method = %v, want install", p.Method)
	}
	if p := mustGet(t, set, "stale"); p.Method != MethodUpgrade {
		t.Errorf("stale.Method = %v, want upgrade", p.Method)
	}

	retired := mustGet(t, set, "retired")
	if retired.Method != MethodRemove {
		t.Errorf("retired.Method = %v, want remove", retired.Method)
	}
	if retired.Priority != RemovalPriority {
		t.Errorf("retired.Priority = %d, want RemovalPriority", retired.Priority)
	}
	if len(retired.Files) != 1 {
		t.Errorf("removal should carry the loaded metadata, got %+v", retired)
	}

	if record.Len() != 3 {
		t.Errorf("Reconcile must not modify the record")
	}
}

func TestReconcileRemovalDoesNotExpand(t *testing.T) {
	loader := newFakeLoader(
		Package{ID: "old", Depend: []string{"old-runtime"}},
		Package{ID: "old-runtime"},
	)
	record := NewInstalledRecord(RecordEntry{ID: "old", Version: "1.0"})

	set, summary := reconcile(t, loader, record)
	if summary.Remove != 1 || set.Len() != 1 {
		t.Errorf("expected only the recorded package, got %v", set.IDs())
	}
	if loader.calls["old-runtime"] != 0 {
		t.Error("dependencies of removed packages must not be loaded")
	}
}

func TestReconcileRemovalWithoutMetadata(t *testing.T) {
	record := NewInstalledRecord(RecordEntry{
		ID:           "gone",
		Name:         "Gone",
		InstallerRef: "gone.star",
		Version:      "4.2",
		IsMeta:       true,
	})

	set, summary := reconcile(t, newFakeLoader(), record)
	if summary.Remove != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	p := mustGet(t, set, "gone")
	if p.InstallerRef != "gone.star" || p.Version != "4.2" || !p.IsMeta {
		t.Errorf("removal not rebuilt from record entry: %+v", p)
	}
	if p.Method != MethodRemove {
		t.Errorf("Method = %v, want remove", p.Method)
	}
}

func TestReconcileRemovalLoadError(t *testing.T) {
	loader := newFakeLoader(Package{ID: "broken"})
	loader.errs["broken"] = NewRepositoryError("broken", PhaseMetadata, errors.New("timeout"))
	record := NewInstalledRecord(RecordEntry{ID: "broken", Version: "1"})

	_, err := NewReconciler(loader, zerolog.Nop()).Reconcile(context.Background(), NewPackageSet(), record)
	if !IsRepositoryError(err) {
		t.Errorf("expected RepositoryError, got %v", err)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	loader := newFakeLoader(
		Package{ID: "A", Priority: 5, Depend: []string{"B"}},
		Package{ID: "B", Priority: 3},
		Package{ID: "C", Priority: 1, Version: "2.0"},
	)
	record := NewInstalledRecord(
		RecordEntry{ID: "C", Version: "1.0"},
		RecordEntry{ID: "D", Version: "1.0"},
	)

	set, summary := reconcile(t, loader, record, "A", "C")
	if summary.Total() != 4 {
		t.Fatalf("first pass summary = %+v", summary)
	}

	// Apply the plan the way a successful processor would.
	q := NewInstallQueue(set)
	for !q.IsEmpty() {
		p, _ := q.Dequeue()
		if p.Removal() {
			record.Delete(p.ID)
		} else {
			record.Upsert(p.Entry())
		}
	}

	set, summary = reconcile(t, loader, record, "A", "C")
	if summary.Total() != 0 || set.Len() != 0 {
		t.Errorf("second pass should be empty, got %+v with %v", summary, set.IDs())
	}
	if summary.Satisfied != 3 {
		t.Errorf("Satisfied = %d, want 3", summary.Satisfied)
	}
}

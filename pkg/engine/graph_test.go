package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func buildSet(t *testing.T, loader PackageLoader, ids ...string) (*GraphBuilder, error) {
	t.Helper()
	b := NewGraphBuilder(loader, zerolog.Nop())
	return b, b.Add(context.Background(), ids...)
}

func mustGet(t *testing.T, set *PackageSet, id string) *Package {
	t.Helper()
	p, ok := set.Get(id)
	if !ok {
		t.Fatalf("package %q not in set (have %v)", id, set.IDs())
	}
	return p
}

// assertConstraints checks that every depend and chain edge in set holds.
func assertConstraints(t *testing.T, set *PackageSet) {
	t.Helper()
	for _, p := range set.Packages() {
		for _, id := range p.Depend {
			d := mustGet(t, set, id)
			if d.Priority <= p.Priority {
				t.Errorf("depend %s(%d) -> %s(%d): dependency must rank higher", p.ID, p.Priority, d.ID, d.Priority)
			}
		}
		for _, id := range p.Chain {
			c := mustGet(t, set, id)
			if c.Priority >= p.Priority {
				t.Errorf("chain %s(%d) -> %s(%d): chained package must rank lower", p.ID, p.Priority, c.ID, c.Priority)
			}
		}
	}
}

func TestGraphBuilderDependBump(t *testing.T) {
	loader := newFakeLoader(
		Package{ID: "A", Priority: 5, Depend: []string{"B"}},
		Package{ID: "B", Priority: 3},
	)
	b, err := buildSet(t, loader, "A")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	set := b.Set()

	if set.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", set.Len())
	}
	a, bb := mustGet(t, set, "A"), mustGet(t, set, "B")
	if a.Priority != 5 {
		t.Errorf("A.Priority = %d, want 5", a.Priority)
	}
	if bb.Priority < 6 {
		t.Errorf("B.Priority = %d, want >= 6", bb.Priority)
	}
	if !reflect.DeepEqual(bb.Source, []string{"A"}) {
		t.Errorf("B.Source = %v, want [A]", bb.Source)
	}
	if len(a.Source) != 0 {
		t.Errorf("A.Source = %v, want empty", a.Source)
	}
}

func TestGraphBuilderTransitiveDepend(t *testing.T) {
	loader := newFakeLoader(
		Package{ID: "A", Priority: 10, Depend: []string{"B"}},
		Package{ID: "B", Priority: 1, Depend: []string{"C"}},
		Package{ID: "C", Priority: 1},
	)
	b, err := buildSet(t, loader, "A")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	set := b.Set()
	assertConstraints(t, set)

	if got := mustGet(t, set, "B").Priority; got != 11 {
		t.Errorf("B.Priority = %d, want 11", got)
	}
	if got := mustGet(t, set, "C").Priority; got != 12 {
		t.Errorf("C.Priority = %d, want 12", got)
	}
}

func TestGraphBuilderLateBumpPropagates(t *testing.T) {
	// D is expanded first, so its dependency E is only correct after the
	// later bump of D by A is pushed down.
	loader := newFakeLoader(
		Package{ID: "A", Priority: 20, Depend: []string{"D"}},
		Package{ID: "D", Priority: 1, Depend: []string{"E"}},
		Package{ID: "E", Priority: 0},
	)
	b, err := buildSet(t, loader, "D", "A")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	assertConstraints(t, b.Set())
	if got := mustGet(t, b.Set(), "E").Priority; got != 22 {
		t.Errorf("E.Priority = %d, want 22", got)
	}
	if len(b.Violations()) != 0 {
		t.Errorf("Violations() = %v, want none", b.Violations())
	}
}

func TestGraphBuilderChain(t *testing.T) {
	loader := newFakeLoader(
		Package{ID: "office", Priority: 5, Chain: []string{"office-lang"}},
		Package{ID: "office-lang", Priority: 9, Chain: []string{"office-updates"}},
		Package{ID: "office-updates", Priority: 50},
	)
	b, err := buildSet(t, loader, "office")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	set := b.Set()
	assertConstraints(t, set)

	if got := mustGet(t, set, "office-lang").Priority; got != 4 {
		t.Errorf("office-lang.Priority = %d, want 4", got)
	}
	if got := mustGet(t, set, "office-updates").Priority; got != 3 {
		t.Errorf("office-updates.Priority = %d, want 3", got)
	}
	if got := mustGet(t, set, "office-lang").Source; !reflect.DeepEqual(got, []string{"office"}) {
		t.Errorf("office-lang.Source = %v", got)
	}
}

func TestGraphBuilderNoBumpWhenSatisfied(t *testing.T) {
	loader := newFakeLoader(
		Package{ID: "A", Priority: 1, Depend: []string{"B"}, Chain: []string{"C"}},
		Package{ID: "B", Priority: 100},
		Package{ID: "C", Priority: -100},
	)
	b, err := buildSet(t, loader, "A")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	set := b.Set()
	if mustGet(t, set, "B").Priority != 100 || mustGet(t, set, "C").Priority != -100 {
		t.Errorf("satisfied edges must not change priorities")
	}
	// Edges are recorded as provenance even without a bump.
	if got := mustGet(t, set, "B").Source; !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("B.Source = %v, want [A]", got)
	}
}

func TestGraphBuilderSharedDependency(t *testing.T) {
	loader := newFakeLoader(
		Package{ID: "A", Priority: 5, Depend: []string{"runtime"}},
		Package{ID: "B", Priority: 8, Depend: []string{"runtime"}},
		Package{ID: "runtime", Priority: 0},
	)
	b, err := buildSet(t, loader, "A", "B", "A")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	set := b.Set()
	assertConstraints(t, set)

	rt := mustGet(t, set, "runtime")
	if rt.Priority != 9 {
		t.Errorf("runtime.Priority = %d, want 9", rt.Priority)
	}
	if !reflect.DeepEqual(rt.Source, []string{"A", "B"}) {
		t.Errorf("runtime.Source = %v, want [A B]", rt.Source)
	}
	if loader.calls["runtime"] != 1 {
		t.Errorf("runtime loaded %d times, want 1", loader.calls["runtime"])
	}
}

func TestGraphBuilderCycles(t *testing.T) {
	tests := []struct {
		name string
		pkgs []Package
	}{
		{
			name: "self dependency",
			pkgs: []Package{{ID: "A", Depend: []string{"A"}}},
		},
		{
			name: "depend cycle",
			pkgs: []Package{
				{ID: "A", Priority: 1, Depend: []string{"B"}},
				{ID: "B", Priority: 1, Depend: []string{"C"}},
				{ID: "C", Priority: 1, Depend: []string{"A"}},
			},
		},
		{
			name: "chain cycle",
			pkgs: []Package{
				{ID: "A", Priority: 1, Chain: []string{"B"}},
				{ID: "B", Priority: 1, Chain: []string{"A"}},
			},
		},
		{
			name: "depend and chain on the same target",
			pkgs: []Package{
				{ID: "A", Priority: 1, Depend: []string{"B"}, Chain: []string{"B"}},
				{ID: "B", Priority: 1},
			},
		},
		{
			name: "mixed cycle",
			pkgs: []Package{
				{ID: "A", Priority: 10, Chain: []string{"B"}},
				{ID: "B", Priority: 1, Chain: []string{"C"}},
				{ID: "C", Priority: 1, Chain: []string{"D"}, Depend: []string{}},
				{ID: "D", Priority: 1, Depend: []string{"B"}, Chain: []string{"A"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildSet(t, newFakeLoader(tt.pkgs...), "A")
			if err == nil {
				t.Fatal("expected cycle error, got nil")
			}
			if !IsCycleError(err) || !errors.Is(err, ErrCycle) {
				t.Fatalf("expected CycleError, got %v", err)
			}
			if !strings.Contains(err.Error(), " -> ") {
				t.Errorf("cycle error should show the path: %v", err)
			}
		})
	}
}

func TestGraphBuilderMissingDependency(t *testing.T) {
	loader := newFakeLoader(Package{ID: "A", Depend: []string{"ghost"}})
	_, err := buildSet(t, loader, "A")
	if !IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) {
		t.Fatal("expected *EngineError")
	}
	if engErr.Resource != "ghost" {
		t.Errorf("Resource = %q, want ghost", engErr.Resource)
	}
	if engErr.Details["required_by"] != "A" {
		t.Errorf("required_by = %v, want A", engErr.Details["required_by"])
	}
}

func TestGraphBuilderLoaderError(t *testing.T) {
	loader := newFakeLoader(Package{ID: "A", Depend: []string{"B"}}, Package{ID: "B"})
	loader.errs["B"] = NewMetadataError("B", "missing required field(s): version", nil)

	_, err := buildSet(t, loader, "A")
	if !IsMetadataError(err) {
		t.Fatalf("expected MetadataError, got %v", err)
	}
}

func TestGraphBuilderInvariantsOnLargerGraph(t *testing.T) {
	// A layered graph with crossing edges and a few chains.
	var pkgs []Package
	for layer := 0; layer < 5; layer++ {
		for i := 0; i < 4; i++ {
			p := Package{ID: fmt.Sprintf("p%d%d", layer, i), Priority: (i * 7) % 5}
			if layer < 4 {
				p.Depend = []string{
					fmt.Sprintf("p%d%d", layer+1, i),
					fmt.Sprintf("p%d%d", layer+1, (i+1)%4),
				}
			}
			pkgs = append(pkgs, p)
		}
	}
	pkgs = append(pkgs,
		Package{ID: "post0", Priority: 90, Chain: []string{"post1"}},
		Package{ID: "post1", Priority: 95},
	)
	pkgs[0].Chain = []string{"post0"}

	b, err := buildSet(t, newFakeLoader(pkgs...), "p00", "p01")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	assertConstraints(t, b.Set())
	if len(b.Violations()) != 0 {
		t.Errorf("Violations() = %v", b.Violations())
	}
}

func TestGraphBuilderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewGraphBuilder(newFakeLoader(Package{ID: "A"}), zerolog.Nop())
	if err := b.Add(ctx, "A"); !errors.Is(err, context.Canceled) {
		t.Errorf("Add() error = %v, want context.Canceled", err)
	}
}

func TestPackageSetWriteDOT(t *testing.T) {
	loader := newFakeLoader(
		Package{ID: "app", Priority: 1, Depend: []string{"runtime"}, Chain: []string{"app-config"}},
		Package{ID: "runtime", Priority: 1},
		Package{ID: "app-config", Priority: 1, IsMeta: true},
	)
	b, err := buildSet(t, loader, "app")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	var sb strings.Builder
	if err := b.Set().WriteDOT(&sb); err != nil {
		t.Fatalf("WriteDOT() error = %v", err)
	}
	dot := sb.String()

	for _, want := range []string{
		"digraph Packages {",
		`"runtime" -> "app" [style=solid];`,
		`"app" -> "app-config" [style=dashed, color=gray];`,
		`fillcolor="lightgray"`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}

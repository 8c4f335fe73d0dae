package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// EdgeKind distinguishes depend edges from chain edges.
type EdgeKind string

const (
	EdgeDepend EdgeKind = "depend"
	EdgeChain  EdgeKind = "chain"
)

// direction describes one of the two propagation procedures.
type direction struct {
	kind EdgeKind

	// targets returns the outgoing ids of p.
	targets func(p *Package) []string

	// violates reports whether t must be moved relative to p.
	violates func(p, t *Package) bool

	// bump moves t so that the edge p -> t holds.
	bump func(p, t *Package)
}

var (
	dependDirection = direction{
		kind:     EdgeDepend,
		targets:  func(p *Package) []string { return p.Depend },
		violates: func(p, d *Package) bool { return d.Priority <= p.Priority },
		bump:     func(p, d *Package) { d.Priority = p.Priority + 1 },
	}
	chainDirection = direction{
		kind:     EdgeChain,
		targets:  func(p *Package) []string { return p.Chain },
		violates: func(p, c *Package) bool { return c.Priority >= p.Priority },
		bump:     func(p, c *Package) { c.Priority = p.Priority - 1 },
	}
)

// GraphBuilder expands desired packages into a full package set and
// resolves their priorities. It owns the set and is single-writer.
type GraphBuilder struct {
	set     *PackageSet
	loader  PackageLoader
	logger  zerolog.Logger
	pending []string
}

// NewGraphBuilder creates a builder that loads missing packages through loader.
func NewGraphBuilder(loader PackageLoader, logger zerolog.Logger) *GraphBuilder {
	return &GraphBuilder{
		set:    NewPackageSet(),
		loader: loader,
		logger: logger,
	}
}

// Set returns the package set built so far.
func (b *GraphBuilder) Set() *PackageSet {
	return b.set
}

// Add inserts the given package ids and everything they reference, then
// checks the resulting graph for cycles. Duplicate ids are tolerated.
func (b *GraphBuilder) Add(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if _, err := b.ensure(ctx, id, ""); err != nil {
			return err
		}
	}
	return b.Expand(ctx)
}

// Insert places an already loaded package into the set and schedules its
// lists for expansion.
func (b *GraphBuilder) Insert(p *Package) {
	if b.set.Has(p.ID) {
		return
	}
	b.set.Put(p)
	b.pending = append(b.pending, p.ID)
}

// Expand drains the worklist of packages whose lists are unprocessed.
func (b *GraphBuilder) Expand(ctx context.Context) error {
	for len(b.pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := b.pending[0]
		b.pending = b.pending[1:]

		if err := b.propagate(ctx, id, dependDirection); err != nil {
			return err
		}
		if err := b.propagate(ctx, id, chainDirection); err != nil {
			return err
		}
	}

	if err := b.detectCycles(); err != nil {
		return err
	}

	for _, v := range b.Violations() {
		b.logger.Warn().
			Str("package_id", v.From).
			Str("target", v.To).
			Str("edge", string(v.Kind)).
			Msg("Priority constraint could not be satisfied")
	}
	return nil
}

// ensure returns the package for id, loading and scheduling it if absent.
func (b *GraphBuilder) ensure(ctx context.Context, id, requiredBy string) (*Package, error) {
	if p, ok := b.set.Get(id); ok {
		return p, nil
	}

	p, err := b.loader.Load(ctx, id)
	if err != nil {
		var engErr *EngineError
		if requiredBy != "" && errors.As(err, &engErr) {
			engErr.WithDetail("required_by", requiredBy)
		}
		return nil, err
	}

	b.logger.Debug().
		Str("package_id", id).
		Int("priority", p.Priority).
		Str("required_by", requiredBy).
		Msg("Added package to set")

	b.Insert(p)
	return p, nil
}

// propagate runs one direction's procedure from rootID. A bump on a target
// re-runs the procedure on that target; the frame stack replaces recursion
// and the on-path set turns a bump cycle into a CycleError.
func (b *GraphBuilder) propagate(ctx context.Context, rootID string, dir direction) error {
	type frame struct {
		id   string
		next int
	}

	stack := []frame{{id: rootID}}
	onPath := map[string]bool{rootID: true}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		p, ok := b.set.Get(top.id)
		if !ok {
			return NewPermanentError("package vanished from set", nil).
				WithCode(ErrCodeInternal).
				WithResource(top.id).
				WithOperation(PhaseGraph)
		}

		targets := dir.targets(p)
		if top.next >= len(targets) {
			delete(onPath, top.id)
			stack = stack[:len(stack)-1]
			continue
		}
		targetID := targets[top.next]
		top.next++

		t, err := b.ensure(ctx, targetID, p.ID)
		if err != nil {
			return err
		}

		if dir.violates(p, t) {
			if onPath[t.ID] {
				path := make([]string, 0, len(stack)+1)
				for _, f := range stack {
					path = append(path, f.id)
				}
				return NewCycleError(append(path, t.ID)).WithDetail("edge", string(dir.kind))
			}

			old := t.Priority
			dir.bump(p, t)
			b.logger.Debug().
				Str("package_id", t.ID).
				Str("source", p.ID).
				Str("edge", string(dir.kind)).
				Int("from", old).
				Int("to", t.Priority).
				Msg("Adjusted package priority")

			stack = append(stack, frame{id: t.ID})
			onPath[t.ID] = true
		}
		t.AddSource(p.ID)
	}
	return nil
}

// detectCycles searches the combined precedence graph, where a dependency
// precedes its dependent and a package precedes what it chains.
func (b *GraphBuilder) detectCycles() error {
	successors := make(map[string][]string, b.set.Len())
	for _, p := range b.set.Packages() {
		for _, d := range p.Depend {
			successors[d] = append(successors[d], p.ID)
		}
		successors[p.ID] = append(successors[p.ID], p.Chain...)
	}

	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[string]int, b.set.Len())

	var visit func(id string, path []string) []string
	visit = func(id string, path []string) []string {
		state[id] = inProgress
		path = append(path, id)
		for _, next := range successors[id] {
			switch state[next] {
			case inProgress:
				for i, pid := range path {
					if pid == next {
						return append(append([]string{}, path[i:]...), next)
					}
				}
			case unvisited:
				if cycle := visit(next, path); cycle != nil {
					return cycle
				}
			}
		}
		state[id] = done
		return nil
	}

	for _, id := range b.set.IDs() {
		if state[id] == unvisited {
			if cycle := visit(id, nil); cycle != nil {
				return NewCycleError(cycle)
			}
		}
	}
	return nil
}

// Violation is an edge whose priority constraint does not hold.
type Violation struct {
	From string
	To   string
	Kind EdgeKind
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %s %s", v.From, v.Kind, v.To)
}

// Violations lists every depend or chain edge whose priority constraint
// does not hold in the current set.
func (b *GraphBuilder) Violations() []Violation {
	var out []Violation
	for _, p := range b.set.Packages() {
		for _, dir := range []direction{dependDirection, chainDirection} {
			for _, id := range dir.targets(p) {
				t, ok := b.set.Get(id)
				if ok && dir.violates(p, t) {
					out = append(out, Violation{From: p.ID, To: id, Kind: dir.kind})
				}
			}
		}
	}
	return out
}

// WriteDOT writes the package set as a Graphviz graph. Depend edges point
// from the dependency to the dependent, chain edges are dashed.
func (s *PackageSet) WriteDOT(w io.Writer) error {
	var sb strings.Builder

	sb.WriteString("digraph Packages {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=\"filled,rounded\"];\n\n")

	for _, p := range s.Packages() {
		prio := fmt.Sprintf("%d", p.Priority)
		if p.Removal() {
			prio = "removal"
		}
		label := fmt.Sprintf("%s\\n%s\\n%s %s", p.ID, p.Version, p.Method, prio)
		fmt.Fprintf(&sb, "  %q [label=\"%s\", fillcolor=\"%s\"];\n", p.ID, label, methodColor(p))
	}
	sb.WriteString("\n")

	for _, p := range s.Packages() {
		for _, d := range p.Depend {
			if s.Has(d) {
				fmt.Fprintf(&sb, "  %q -> %q [style=solid];\n", d, p.ID)
			}
		}
		for _, c := range p.Chain {
			if s.Has(c) {
				fmt.Fprintf(&sb, "  %q -> %q [style=dashed, color=gray];\n", p.ID, c)
			}
		}
	}

	sb.WriteString("}\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

func methodColor(p *Package) string {
	switch {
	case p.IsMeta:
		return "lightgray"
	case p.Method == MethodUpgrade:
		return "lightblue"
	case p.Method == MethodRemove:
		return "lightcoral"
	default:
		return "lightgreen"
	}
}

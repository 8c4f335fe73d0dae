package engine

import (
	"reflect"
	"testing"
)

func queueIDs(q *InstallQueue) []string {
	var ids []string
	for !q.IsEmpty() {
		p, _ := q.Dequeue()
		ids = append(ids, p.ID)
	}
	return ids
}

func TestInstallQueueOrder(t *testing.T) {
	set := NewPackageSet()
	set.Put(&Package{ID: "low", Priority: -5})
	set.Put(&Package{ID: "high", Priority: 100})
	set.Put(&Package{ID: "mid-b", Priority: 10})
	set.Put(&Package{ID: "mid-a", Priority: 10})
	set.Put(&Package{ID: "remove-z", Priority: RemovalPriority, Method: MethodRemove})
	set.Put(&Package{ID: "remove-a", Priority: RemovalPriority, Method: MethodRemove})

	got := queueIDs(NewInstallQueue(set))
	want := []string{"remove-a", "remove-z", "high", "mid-a", "mid-b", "low"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestInstallQueueRemovalTierIgnoresPriority(t *testing.T) {
	q := NewInstallQueue(nil)
	// A removal keeps its tier even if its priority was never raised.
	q.Enqueue(&Package{ID: "r", Priority: -1000, Method: MethodRemove})
	q.Enqueue(&Package{ID: "i", Priority: RemovalPriority})

	if got := queueIDs(q); !reflect.DeepEqual(got, []string{"r", "i"}) {
		t.Errorf("order = %v, want [r i]", got)
	}
}

func TestInstallQueueDependencyFirst(t *testing.T) {
	loader := newFakeLoader(
		Package{ID: "A", Priority: 5, Depend: []string{"B"}},
		Package{ID: "B", Priority: 3},
	)
	b, err := buildSet(t, loader, "A")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if got := queueIDs(NewInstallQueue(b.Set())); !reflect.DeepEqual(got, []string{"B", "A"}) {
		t.Errorf("order = %v, want [B A]", got)
	}
}

func TestInstallQueueSnapshot(t *testing.T) {
	set := NewPackageSet()
	set.Put(&Package{ID: "a", Priority: 1})
	set.Put(&Package{ID: "b", Priority: 2})
	q := NewInstallQueue(set)

	snap := q.Snapshot()
	if len(snap) != 2 || snap[0].ID != "b" || snap[1].ID != "a" {
		t.Errorf("Snapshot() = %v", snap)
	}
	if q.Len() != 2 {
		t.Errorf("Snapshot must not drain the queue, Len() = %d", q.Len())
	}
	if got := queueIDs(q); !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Errorf("order after snapshot = %v", got)
	}
}

func TestInstallQueueEmpty(t *testing.T) {
	q := NewInstallQueue(NewPackageSet())
	if !q.IsEmpty() {
		t.Error("expected empty queue")
	}
	if p, ok := q.Dequeue(); ok || p != nil {
		t.Errorf("Dequeue() on empty queue = %v, %v", p, ok)
	}
}

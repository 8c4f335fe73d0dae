package engine

import "container/heap"

// Tier separates removals from ranked packages in the install queue.
type Tier int

const (
	// TierRemoval entries are processed before any ranked entry.
	TierRemoval Tier = iota

	// TierRanked entries are ordered by priority.
	TierRanked
)

type queueEntry struct {
	tier     Tier
	priority int
	pkg      *Package
}

// before reports whether a is dequeued before b. Equal priorities are
// ordered by id so plans are reproducible.
func (a queueEntry) before(b queueEntry) bool {
	if a.tier != b.tier {
		return a.tier < b.tier
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.pkg.ID < b.pkg.ID
}

type entryHeap []queueEntry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(queueEntry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = queueEntry{}
	*h = old[:n-1]
	return e
}

// InstallQueue orders packages by tier, then by priority descending.
type InstallQueue struct {
	entries entryHeap
}

// NewInstallQueue creates a queue holding every package in set.
func NewInstallQueue(set *PackageSet) *InstallQueue {
	q := &InstallQueue{}
	if set != nil {
		for _, p := range set.Packages() {
			q.Enqueue(p)
		}
	}
	return q
}

// Enqueue adds a package. The tier and priority are captured at enqueue time.
func (q *InstallQueue) Enqueue(p *Package) {
	tier := TierRanked
	if p.Removal() {
		tier = TierRemoval
	}
	heap.Push(&q.entries, queueEntry{tier: tier, priority: p.Priority, pkg: p})
}

// Dequeue removes and returns the next package.
func (q *InstallQueue) Dequeue() (*Package, bool) {
	if q.entries.Len() == 0 {
		return nil, false
	}
	e := heap.Pop(&q.entries).(queueEntry)
	return e.pkg, true
}

// IsEmpty reports whether the queue has no entries.
func (q *InstallQueue) IsEmpty() bool {
	return q.entries.Len() == 0
}

// Len returns the number of queued packages.
func (q *InstallQueue) Len() int {
	return q.entries.Len()
}

// Snapshot returns the queued packages in dequeue order without
// modifying the queue.
func (q *InstallQueue) Snapshot() []*Package {
	clone := make(entryHeap, len(q.entries))
	copy(clone, q.entries)
	out := make([]*Package, 0, len(clone))
	for clone.Len() > 0 {
		out = append(out, heap.Pop(&clone).(queueEntry).pkg)
	}
	return out
}

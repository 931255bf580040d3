package limestone

import (
	"bytes"
	"container/heap"
	"sort"
)

// EntryContainer is an ordered, growable sequence of decoded log entries.
// Append is O(1) and clears the sorted flag; Sort is idempotent once set.
type EntryContainer struct {
	entries []LogEntry
	sorted  bool
}

// NewEntryContainer returns an empty container with capacity hint n.
func NewEntryContainer(n int) *EntryContainer {
	return &EntryContainer{entries: make([]LogEntry, 0, n)}
}

// Append adds e to the container and marks it unsorted.
func (c *EntryContainer) Append(e LogEntry) {
	c.entries = append(c.entries, e)
	c.sorted = false
}

// Len returns the number of entries currently held.
func (c *EntryContainer) Len() int { return len(c.entries) }

// IsSorted reports whether the container is known to be in descending order.
func (c *EntryContainer) IsSorted() bool { return c.sorted }

// Entries exposes the underlying slice for read-only iteration.
func (c *EntryContainer) Entries() []LogEntry { return c.entries }

// Clear empties the container, retaining its backing array.
func (c *EntryContainer) Clear() {
	c.entries = c.entries[:0]
	c.sorted = false
}

// compareKey orders two entries by (storage, key) ascending so all entries
// for one key land contiguously regardless of which container they came
// from.
func compareKey(a, b LogEntry) int {
	if a.Storage != b.Storage {
		if a.Storage < b.Storage {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.Key, b.Key)
}

// lessDescending implements the container's total order: primary key
// (storage, key) ascending, secondary key write-version descending. Entries
// that share both compare equal (stable).
func lessDescending(a, b LogEntry) bool {
	if k := compareKey(a, b); k != 0 {
		return k < 0
	}
	return b.Version.Less(a.Version)
}

// Sort puts the container into descending order in place, matching
// lessDescending. A no-op if already sorted.
func (c *EntryContainer) Sort() {
	if c.sorted {
		return
	}
	sort.SliceStable(c.entries, func(i, j int) bool {
		return lessDescending(c.entries[i], c.entries[j])
	})
	c.sorted = true
}

// mergeHeapItem tracks one input container's current head during the k-way
// merge below.
type mergeHeapItem struct {
	entries []LogEntry
	idx     int
}

type mergeHeap []*mergeHeapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	return lessDescending(h[i].entries[h[i].idx], h[j].entries[h[j].idx])
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) {
	*h = append(*h, x.(*mergeHeapItem))
}
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeSortedContainers merges N containers into a single descending
// container in O(total log N) using a binary heap keyed by each input's
// current head. Each input container is sorted first if needed and cleared
// once consumed, matching the original's merge-and-clear contract.
func MergeSortedContainers(containers []*EntryContainer) *EntryContainer {
	total := 0
	for _, c := range containers {
		c.Sort()
		total += c.Len()
	}
	out := NewEntryContainer(total)
	if total == 0 {
		for _, c := range containers {
			c.Clear()
		}
		return out
	}

	h := make(mergeHeap, 0, len(containers))
	for _, c := range containers {
		if c.Len() == 0 {
			continue
		}
		h = append(h, &mergeHeapItem{entries: c.entries, idx: 0})
	}
	heap.Init(&h)

	for h.Len() > 0 {
		top := h[0]
		out.entries = append(out.entries, top.entries[top.idx])
		top.idx++
		if top.idx < len(top.entries) {
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}
	out.sorted = true

	for _, c := range containers {
		c.Clear()
	}
	return out
}

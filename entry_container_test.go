package limestone

import (
	"testing"
)

func normal(storage StorageID, key string, epoch, minor uint64) LogEntry {
	return LogEntry{
		Type:    EntryNormal,
		Storage: storage,
		Key:     []byte(key),
		Version: WriteVersion{Epoch: epoch, Minor: minor},
	}
}

func TestEntryContainerSortDescending(t *testing.T) {
	t.Parallel()
	c := NewEntryContainer(0)
	c.Append(normal(1, "b", 1, 0))
	c.Append(normal(1, "a", 5, 0))
	c.Append(normal(1, "a", 2, 0))
	c.Sort()

	got := c.Entries()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// key "a" entries come first (ascending key), newest version first.
	if string(got[0].Key) != "a" || got[0].Version.Epoch != 5 {
		t.Errorf("got[0] = %+v", got[0])
	}
	if string(got[1].Key) != "a" || got[1].Version.Epoch != 2 {
		t.Errorf("got[1] = %+v", got[1])
	}
	if string(got[2].Key) != "b" {
		t.Errorf("got[2] = %+v", got[2])
	}
}

func TestMergeSortedContainersOrdering(t *testing.T) {
	t.Parallel()
	c1 := NewEntryContainer(0)
	c1.Append(normal(1, "k1", 1, 0))
	c1.Append(normal(1, "k3", 1, 0))

	c2 := NewEntryContainer(0)
	c2.Append(normal(1, "k2", 3, 0))
	c2.Append(normal(1, "k3", 5, 0))

	merged := MergeSortedContainers([]*EntryContainer{c1, c2})
	got := merged.Entries()
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	wantKeys := []string{"k1", "k2", "k3", "k3"}
	for i, k := range wantKeys {
		if string(got[i].Key) != k {
			t.Errorf("got[%d].Key = %q, want %q", i, got[i].Key, k)
		}
	}
	// the two k3 entries: newest (epoch 5) must come before the older (epoch 1).
	if got[2].Version.Epoch != 5 || got[3].Version.Epoch != 1 {
		t.Errorf("k3 ordering = %+v, %+v, want epoch 5 then epoch 1", got[2], got[3])
	}

	// inputs are cleared once merged.
	if c1.Len() != 0 || c2.Len() != 0 {
		t.Errorf("input containers not cleared: c1=%d c2=%d", c1.Len(), c2.Len())
	}
}

func TestMergeSortedContainersAcrossStorages(t *testing.T) {
	t.Parallel()
	c1 := NewEntryContainer(0)
	c1.Append(normal(2, "k", 1, 0))
	c2 := NewEntryContainer(0)
	c2.Append(normal(1, "k", 1, 0))

	merged := MergeSortedContainers([]*EntryContainer{c1, c2})
	got := merged.Entries()
	if len(got) != 2 || got[0].Storage != 1 || got[1].Storage != 2 {
		t.Errorf("got = %+v, want storage 1 then storage 2", got)
	}
}

func TestMergeSortedContainersEmpty(t *testing.T) {
	t.Parallel()
	merged := MergeSortedContainers([]*EntryContainer{NewEntryContainer(0), NewEntryContainer(0)})
	if merged.Len() != 0 {
		t.Errorf("Len() = %d, want 0", merged.Len())
	}
}

package turn

import (
	"errors"
	"sort"
	"time"
)

// ErrDuplicateAllocation is returned when a key already has an allocation
var ErrDuplicateAllocation = errors.New("allocation already exists")

// Table holds the active allocations keyed by client transport address.
type Table struct {
	allocs map[Key]*Allocation
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{allocs: make(map[Key]*Allocation)}
}

// Lookup returns the allocation for key, or nil.
func (t *Table) Lookup(key Key) *Allocation {
	return t.allocs[key]
}

// Add registers al under its key.
func (t *Table) Add(al *Allocation) error {
	if _, exists := t.allocs[al.Key]; exists {
		return ErrDuplicateAllocation
	}
	t.allocs[al.Key] = al
	return nil
}

// Remove unregisters al. It reports false if al was not registered.
func (t *Table) Remove(al *Allocation) bool {
	if cur, ok := t.allocs[al.Key]; !ok || cur != al {
		return false
	}
	delete(t.allocs, al.Key)
	return true
}

// Len returns the number of allocations.
func (t *Table) Len() int {
	return len(t.allocs)
}

// Snapshot returns the allocations sorted by creation time.
func (t *Table) Snapshot(now time.Time) []AllocationInfo {
	all := make([]*Allocation, 0, len(t.allocs))
	for _, al := range t.allocs {
		all = append(all, al)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Created.Equal(all[j].Created) {
			return all[i].Key.String() < all[j].Key.String()
		}
		return all[i].Created.Before(all[j].Created)
	})

	out := make([]AllocationInfo, len(all))
	for i, al := range all {
		out[i] = al.Info(now)
	}
	return out
}

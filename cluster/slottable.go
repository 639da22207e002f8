// Package cluster owns the slot table and the topology maintainer
// that keeps it in sync with CLUSTER NODES.
package cluster

import (
	"math/rand"

	"github.com/luit-rcp/rcp/backend"
	"github.com/luit-rcp/rcp/proto"
)

// SlotTable is the single source of truth mapping every slot to the
// instance that owns it. It is owned exclusively by the
// engine goroutine; reads from the hot path need no synchronization.
type SlotTable struct {
	slots [proto.NumSlots]*backend.Instance
}

func NewSlotTable() *SlotTable {
	return &SlotTable{}
}

// Get returns the instance currently owning slot.
func (t *SlotTable) Get(slot int) *backend.Instance {
	return t.slots[slot]
}

// Set is the table's only mutator. It maintains the SlotsNum invariant
// on both the previous and new owner.
func (t *SlotTable) Set(slot int, inst *backend.Instance) {
	old := t.slots[slot]
	if old == inst {
		return
	}
	if old != nil {
		old.SlotsNum--
	}
	t.slots[slot] = inst
	if inst != nil {
		inst.SlotsNum++
	}
}

// SetRange assigns every slot in [start, end] to inst.
func (t *SlotTable) SetRange(start, end int, inst *backend.Instance) {
	for s := start; s <= end; s++ {
		t.Set(s, inst)
	}
}

// Bootstrap pins every slot to a randomly chosen instance so the proxy
// is operational before the first CLUSTER NODES refresh completes.
// With no instances it leaves the table unchanged.
func Bootstrap(t *SlotTable, instances []*backend.Instance, rng *rand.Rand) {
	if len(instances) == 0 {
		return
	}
	for s := 0; s < proto.NumSlots; s++ {
		t.Set(s, instances[rng.Intn(len(instances))])
	}
}

// Coverage reports, for every instance currently referenced by the
// table, how many slots point to it — used by tests to check the
// slots_num correctness invariant.
func (t *SlotTable) Coverage() map[*backend.Instance]int {
	out := make(map[*backend.Instance]int)
	for _, inst := range t.slots {
		if inst != nil {
			out[inst]++
		}
	}
	return out
}

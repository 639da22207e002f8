package cluster

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luit-rcp/rcp/backend"
	"github.com/luit-rcp/rcp/proto"
)

func TestSlotTableSetMaintainsSlotsNum(t *testing.T) {
	a := &backend.Instance{Addr: "a"}
	b := &backend.Instance{Addr: "b"}
	table := NewSlotTable()

	table.Set(0, a)
	table.Set(1, a)
	assert.Equal(t, 2, a.SlotsNum)

	table.Set(1, b)
	assert.Equal(t, 1, a.SlotsNum)
	assert.Equal(t, 1, b.SlotsNum)

	// Setting to the same owner is a no-op.
	table.Set(0, a)
	assert.Equal(t, 1, a.SlotsNum)
}

func TestBootstrapCoversEverySlot(t *testing.T) {
	a := &backend.Instance{Addr: "a"}
	b := &backend.Instance{Addr: "b"}
	table := NewSlotTable()
	Bootstrap(table, []*backend.Instance{a, b}, rand.New(rand.NewSource(1)))

	total := 0
	for s := 0; s < proto.NumSlots; s++ {
		require.NotNil(t, table.Get(s))
		total++
	}
	assert.Equal(t, proto.NumSlots, total)
	assert.Equal(t, proto.NumSlots, a.SlotsNum+b.SlotsNum)
}

func TestSlotTableSetRange(t *testing.T) {
	a := &backend.Instance{Addr: "a"}
	table := NewSlotTable()
	table.SetRange(100, 200, a)
	assert.Equal(t, 101, a.SlotsNum)
	for s := 100; s <= 200; s++ {
		assert.Same(t, a, table.Get(s))
	}
}

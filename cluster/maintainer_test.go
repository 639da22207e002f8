package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luit-rcp/rcp/backend"
)

const sampleClusterNodes = `07c37dfeb235213a872192d90877d0cd55635b91 127.0.0.1:30001@31001 myself,master - 0 0 1 connected 0-5460
67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1 127.0.0.1:30002@31002 master - 0 1426238316232 2 connected 5461-10922
292f8b365bb7edb5e285caf0b7e6ddc7265d2f4f 127.0.0.1:30003@31003 master - 0 1426238316232 3 connected 10923-16383
6ec23923021cf3ffec47632106199cb7f496ce01 127.0.0.1:30004@31004 slave 07c37dfeb235213a872192d90877d0cd55635b91 0 1426238317412 1 connected
# a comment line
`

func TestMaintainerApplyAssignsSlotsAndSkipsSlaves(t *testing.T) {
	reg := backend.NewRegistry()
	slots := NewSlotTable()
	m := &Maintainer{Registry: reg, Slots: slots, DefaultPoolSize: 1, ReconnectPeriod: time.Second, Events: make(chan backend.Event, 64)}

	err := m.Apply(sampleClusterNodes)
	require.NoError(t, err)

	assert.Equal(t, 3, reg.Len())
	inst1, ok := reg.Get("127.0.0.1:30001")
	require.True(t, ok)
	assert.Equal(t, 5461, inst1.SlotsNum)
	assert.Same(t, inst1, slots.Get(0))
	assert.Same(t, inst1, slots.Get(5460))

	inst3, ok := reg.Get("127.0.0.1:30003")
	require.True(t, ok)
	assert.Same(t, inst3, slots.Get(16383))

	_, isSlaveRegistered := reg.Get("127.0.0.1:30004")
	assert.False(t, isSlaveRegistered)
}

func TestMaintainerApplySkipsMigrationNotation(t *testing.T) {
	reg := backend.NewRegistry()
	slots := NewSlotTable()
	m := &Maintainer{Registry: reg, Slots: slots, DefaultPoolSize: 1, ReconnectPeriod: time.Second, Events: make(chan backend.Event, 64)}

	line := "07c37dfeb235213a872192d90877d0cd55635b91 127.0.0.1:30001@31001 myself,master - 0 0 1 connected 0-100 [101->292f8b365bb7edb5e285caf0b7e6ddc7265d2f4f]\n"
	err := m.Apply(line)
	require.NoError(t, err)
	inst, ok := reg.Get("127.0.0.1:30001")
	require.True(t, ok)
	assert.Equal(t, 101, inst.SlotsNum)
	assert.Nil(t, slots.Get(101))
}

func TestMaintainerApplyIsIdempotent(t *testing.T) {
	reg := backend.NewRegistry()
	slots := NewSlotTable()
	m := &Maintainer{Registry: reg, Slots: slots, DefaultPoolSize: 1, ReconnectPeriod: time.Second, Events: make(chan backend.Event, 64)}

	require.NoError(t, m.Apply(sampleClusterNodes))
	cov1 := slots.Coverage()
	require.NoError(t, m.Apply(sampleClusterNodes))
	cov2 := slots.Coverage()

	assert.Equal(t, len(cov1), len(cov2))
	for inst, n := range cov1 {
		assert.Equal(t, n, cov2[inst])
	}
}

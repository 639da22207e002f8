package backend

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAddrRejectsBadPort(t *testing.T) {
	_, err := ResolveAddr("127.0.0.1", 0)
	assert.ErrorIs(t, err, ErrInvalidPort)
	_, err = ResolveAddr("127.0.0.1", 70000)
	assert.ErrorIs(t, err, ErrInvalidPort)
}

func TestNewInstanceRejectsNonPositivePoolSize(t *testing.T) {
	_, err := NewInstance("127.0.0.1", 7000, "", 0, time.Second, nil)
	assert.ErrorIs(t, err, ErrInvalidPoolSize)
}

func TestInstanceLinkStriping(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io := make([]byte, 1024); c.Read(io) }()
		}
	}()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	events := make(chan Event, 64)
	go func() {
		for range events {
		}
	}()
	inst, err := NewInstance(host, port, "", 4, time.Second, events)
	require.NoError(t, err)

	assert.Same(t, inst.Pool[0], inst.Link(0))
	assert.Same(t, inst.Pool[1], inst.Link(1))
	assert.Same(t, inst.Pool[0], inst.Link(4))
	assert.Same(t, inst.Pool[2], inst.Link(6))
}

func TestInstanceReleaseRequiresZeroSlots(t *testing.T) {
	inst := &Instance{Addr: "x:1", SlotsNum: 3}
	err := inst.Release()
	require.Error(t, err)
}

package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luit-rcp/rcp/parse"
	"github.com/luit-rcp/rcp/proto"
)

func TestClientFlushRespectsHeadOfLineOrder(t *testing.T) {
	client := NewClient(1, nil)
	first := NewCommand(client, proto.Descriptor{}, nil)
	second := NewCommand(client, proto.Descriptor{}, nil)
	client.Enqueue(first)
	client.Enqueue(second)

	// second finishes first, but nothing is flushed until first does too.
	second.finish(parse.NewStatus([]byte("SECOND")))
	client.Flush()
	require.Len(t, client.Requests, 2)

	first.finish(parse.NewStatus([]byte("FIRST")))
	client.Flush()
	assert.Len(t, client.Requests, 0)
}

func TestFanoutParentFlushesOnlyAfterAllChildrenFinish(t *testing.T) {
	client := NewClient(1, nil)
	parent := NewFanoutParent(client, proto.Descriptor{}, nil, coalesceSum)
	parent.Fanout.OutLen = 2
	child1 := NewChild(parent, nil, []int{0})
	child2 := NewChild(parent, nil, []int{1})
	client.Enqueue(parent)

	assert.False(t, parent.Ready())
	child1.finish(parse.NewInteger(1))
	assert.False(t, parent.Ready())
	child2.finish(parse.NewInteger(1))
	assert.True(t, parent.Ready())

	got := parent.FinalReply()
	assert.Equal(t, int64(2), got.Int)
	assert.Nil(t, parent.Reply, "a fan-out parent's own Reply field stays nil; its result is always synthesized")
}

func TestDetachClientDropsReplyWithoutPanicking(t *testing.T) {
	client := NewClient(1, nil)
	cmd := NewCommand(client, proto.Descriptor{}, nil)
	client.Enqueue(cmd)

	client.Close()
	assert.Nil(t, cmd.Client)
	assert.Empty(t, client.Requests)

	// The backend reply can still arrive after the client is gone; it
	// must not panic or try to write to a closed connection.
	cmd.finish(parse.NewStatus([]byte("OK")))
}

func TestReleaseGoingNegativePanics(t *testing.T) {
	cmd := NewCommand(nil, proto.Descriptor{}, nil)
	cmd.release()
	assert.Panics(t, func() { cmd.release() })
}

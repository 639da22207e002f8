package router

import (
	"go.uber.org/atomic"

	"github.com/luit-rcp/rcp/proto"

	"github.com/luit-rcp/rcp/parse"
)

// AsyncCommand tracks one client command from submission to reply.
// A plain command is a leaf: it is written to exactly one link and
// Reply is filled when that link's callback fires. A fan-out command
// (DEL, EXISTS, MGET, MSET) is a parent: it owns a slice of leaf
// children, one per key, and its own
// Reply field is never set — FinalReply synthesizes it on demand from
// Fanout.Coalesce once every child has finished.
type AsyncCommand struct {
	refcount atomic.Int32

	Client *Client
	Parent *AsyncCommand

	Cmd  proto.Descriptor
	Argv [][]byte

	Reply         *parse.Reply
	RedirectCount int

	Fanout *FanoutState

	// Positions holds, for a fan-out child, the index within the
	// parent's key list that each of this child's keys corresponds to,
	// in the order they appear in this child's own Argv.
	Positions []int
}

// FanoutState groups the bookkeeping that only a parent command needs.
type FanoutState struct {
	Children            []*AsyncCommand
	ChildrenFinishedNum int
	Coalesce            CoalesceFunc
	// OutLen is the number of keys in the original command, used by
	// coalesceConcat to size MGET's reassembled array.
	OutLen      int
	synthesized *parse.Reply
}

// CoalesceFunc merges the replies of every finished child of parent
// into the single reply the client actually sees.
type CoalesceFunc func(parent *AsyncCommand) *parse.Reply

// NewCommand creates a leaf command born with one reference, held by
// the client's request list.
func NewCommand(client *Client, cmd proto.Descriptor, argv [][]byte) *AsyncCommand {
	c := &AsyncCommand{Client: client, Cmd: cmd, Argv: argv}
	c.refcount.Store(1)
	return c
}

// NewFanoutParent creates a parent command with no children yet and
// coalesce as its merge function; NewChild attaches each child.
func NewFanoutParent(client *Client, cmd proto.Descriptor, argv [][]byte, coalesce CoalesceFunc) *AsyncCommand {
	parent := &AsyncCommand{Client: client, Cmd: cmd, Argv: argv, Fanout: &FanoutState{Coalesce: coalesce}}
	parent.refcount.Store(1)
	return parent
}

// NewChild creates a leaf command owned by parent. It does not carry
// its own Client pointer — replies bubble up through Parent instead.
// positions records which index in the parent's key list each of this
// child's keys occupies, in Argv order.
func NewChild(parent *AsyncCommand, argv [][]byte, positions []int) *AsyncCommand {
	child := &AsyncCommand{Parent: parent, Cmd: parent.Cmd, Argv: argv, Positions: positions}
	child.refcount.Store(1)
	parent.Fanout.Children = append(parent.Fanout.Children, child)
	return child
}

// Ready reports whether the command's final reply can be computed: a
// leaf is ready once Reply is set, a parent once every child has
// finished.
func (c *AsyncCommand) Ready() bool {
	if c.Fanout != nil {
		return c.ChildrenNum() == c.Fanout.ChildrenFinishedNum
	}
	return c.Reply != nil
}

func (c *AsyncCommand) ChildrenNum() int {
	if c.Fanout == nil {
		return 0
	}
	return len(c.Fanout.Children)
}

// FinalReply returns the reply to deliver to the client, computing and
// caching the coalesced reply for a parent the first time it is asked.
func (c *AsyncCommand) FinalReply() *parse.Reply {
	if c.Fanout == nil {
		return c.Reply
	}
	if c.Fanout.synthesized == nil {
		c.Fanout.synthesized = c.Fanout.Coalesce(c)
	}
	return c.Fanout.synthesized
}

// detachClient is called when the owning client connection closes; the
// command keeps running to completion on the backend, but its reply
// will be dropped on arrival instead of written out.
func (c *AsyncCommand) detachClient() {
	c.Client = nil
	c.release()
}

// retain records one more outstanding callback registration for c —
// every time c's Argv is written to a link and a callback pushed for
// it, including retries after a redirect.
func (c *AsyncCommand) retain() { c.refcount.Inc() }

// release undoes one retain. Going negative means a callback fired
// twice for the same registration, which is a bug in the routing
// layer, not a condition to recover from. When a fan-out parent's own
// refcount reaches zero, it releases each child's "held by my Children
// slice" reference in turn.
func (c *AsyncCommand) release() {
	n := c.refcount.Dec()
	if n < 0 {
		panic("router: AsyncCommand refcount went negative")
	}
	if n == 0 && c.Fanout != nil {
		for _, child := range c.Fanout.Children {
			child.release()
		}
	}
}

// finish records that a leaf command (c) has its final backend reply
// and propagates completion up to its parent, if any.
func (c *AsyncCommand) finish(reply *parse.Reply) {
	c.Reply = reply
	if c.Parent == nil {
		return
	}
	c.Parent.Fanout.ChildrenFinishedNum++
}

// owner returns the top-level command whose client request list a
// reply eventually flushes through: c itself for a leaf with no
// parent, or the outermost parent for a fan-out child.
func (c *AsyncCommand) owner() *AsyncCommand {
	top := c
	for top.Parent != nil {
		top = top.Parent
	}
	return top
}

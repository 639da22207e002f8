package router

import (
	"time"

	"go.uber.org/zap"

	"github.com/luit-rcp/rcp/backend"
	"github.com/luit-rcp/rcp/cluster"
	"github.com/luit-rcp/rcp/parse"
	"github.com/luit-rcp/rcp/proto"
)

// Router is the engine's routing table: given a client and a parsed
// command, it decides whether to answer locally, forward to one
// backend, or fan the command out across several and coalesce the
// result.
type Router struct {
	Slots    *cluster.SlotTable
	Registry *backend.Registry
	Maintain *cluster.Maintainer

	DefaultPoolSize  int
	ReconnectPeriod  time.Duration
	RedirectMaxLimit int
	Events           chan<- backend.Event
	Log              *zap.SugaredLogger

	// AuthPassFor looks up a configured auth-pass for a host:port,
	// returning "" if none was configured. Kept as a function instead
	// of a direct config dependency to avoid an import cycle.
	AuthPassFor func(addr string) string

	// Config persists PROXY ROUTER/AUTH-PASS/FLUSHCONFIG to disk. Left
	// nil in tests that only exercise routing.
	Config ConfigSink

	MyID string
}

// Route is the entry point called once per client command.
func (r *Router) Route(client *Client, argv [][]byte) {
	if len(argv) == 0 {
		return
	}
	name := string(upper(argv[0]))
	desc := proto.Lookup(name)

	switch desc.Class {
	case proto.ClassRefused:
		r.replyNow(client, errReply("ERR "+name+" is not supported by the proxy"))
	case proto.ClassLocal:
		r.routeLocal(client, name, argv)
	case proto.ClassFanOut:
		r.routeFanOut(client, desc, argv)
	default:
		r.routeForwarded(client, desc, argv)
	}
}

func upper(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

func errReply(msg string) *parse.Reply { return parse.NewError([]byte(msg)) }

// replyNow answers a command synchronously, without ever touching a
// backend. It still goes through the same command/flush machinery as
// everything else, since a local reply has to respect the same FIFO
// ordering against whatever else is ahead of it in the client's
// request list.
func (r *Router) replyNow(client *Client, reply *parse.Reply) {
	cmd := NewCommand(client, proto.Descriptor{Class: proto.ClassLocal}, nil)
	client.Enqueue(cmd)
	cmd.finish(reply)
	client.Flush()
}

// routeForwarded sends a single-key command to the instance owning its
// key's slot, or to an arbitrary registered instance when the command
// carries no key.
func (r *Router) routeForwarded(client *Client, desc proto.Descriptor, argv [][]byte) {
	keys := proto.Keys(desc, argv)
	var inst *backend.Instance
	if len(keys) == 0 {
		inst = r.anyInstance()
	} else {
		slot := proto.KeySlot(keys[0])
		inst = r.Slots.Get(slot)
	}
	if inst == nil {
		r.replyNow(client, errReply("CLUSTERDOWN the cluster is not ready"))
		return
	}
	cmd := NewCommand(client, desc, argv)
	client.Enqueue(cmd)
	r.sendLeaf(cmd, inst)
}

func (r *Router) anyInstance() *backend.Instance {
	all := r.Registry.All()
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// routeFanOut splits a multi-key command into one single-key child per
// key, each sent to the instance owning that key's slot.
func (r *Router) routeFanOut(client *Client, desc proto.Descriptor, argv [][]byte) {
	keys := proto.Keys(desc, argv)
	coalesce := coalesceFor(string(upper(argv[0])))
	if len(keys) == 0 || coalesce == nil {
		r.replyNow(client, errReply("ERR wrong number of arguments"))
		return
	}

	insts := make([]*backend.Instance, len(keys))
	for i, key := range keys {
		inst := r.Slots.Get(proto.KeySlot(key))
		if inst == nil {
			r.replyNow(client, errReply("CLUSTERDOWN the cluster is not ready"))
			return
		}
		insts[i] = inst
	}

	parent := NewFanoutParent(client, desc, argv, coalesce)
	parent.Fanout.OutLen = len(keys)
	client.Enqueue(parent)

	name := string(upper(argv[0]))
	for i, inst := range insts {
		positions := []int{i}
		childArgv := buildChildArgv(name, desc, argv, keys, positions)
		child := NewChild(parent, childArgv, positions)
		r.sendLeaf(child, inst)
	}
}

// buildChildArgv rebuilds a command line restricted to the keys (and,
// for MSET, their paired values) in positions.
func buildChildArgv(name string, desc proto.Descriptor, argv [][]byte, keys [][]byte, positions []int) [][]byte {
	out := make([][]byte, 0, 1+len(positions)*desc.Step)
	out = append(out, argv[0])
	if name == "MSET" {
		for _, pos := range positions {
			idx := desc.FirstKey + pos*desc.Step
			out = append(out, argv[idx], argv[idx+1])
		}
		return out
	}
	for _, pos := range positions {
		out = append(out, keys[pos])
	}
	return out
}

// sendLeaf writes a leaf command to the link striped for its owning
// client and registers the callback that will complete it.
func (r *Router) sendLeaf(cmd *AsyncCommand, inst *backend.Instance) {
	var clientID uint64
	if owner := cmd.owner(); owner.Client != nil {
		clientID = owner.Client.ID
	}
	link := inst.Link(clientID)
	cmd.retain()
	link.Submit(parse.EncodeCommand(nil, cmd.Argv), r.onLeafReply, cmd)
}

func (r *Router) onLeafReply(reply *parse.Reply, data interface{}) {
	cmd := data.(*AsyncCommand)
	cmd.release()
	r.handleReply(cmd, reply)
}

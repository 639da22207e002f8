package router

import "github.com/luit-rcp/rcp/parse"

// coalesceFor returns the merge function for a fan-out command, keyed
// by its upper-cased name. Every ClassFanOut entry in the command
// table needs an entry here.
func coalesceFor(name string) CoalesceFunc {
	switch name {
	case "DEL", "EXISTS":
		return coalesceSum
	case "MSET":
		return coalesceStatus
	case "MGET":
		return coalesceConcat
	default:
		return nil
	}
}

// coalesceSum adds up the integer reply of every child — used by DEL
// (total keys removed) and EXISTS (total keys found). Any child error
// propagates as-is; the first child whose reply isn't an integer
// propagates as a generic -ERR instead of being silently treated as 0.
func coalesceSum(parent *AsyncCommand) *parse.Reply {
	var total int64
	for _, child := range parent.Fanout.Children {
		r := child.Reply
		if r == nil {
			continue
		}
		if r.IsError() {
			return r
		}
		if r.Type != parse.TypeInteger {
			return parse.NewError([]byte("ERR unexpected reply type"))
		}
		total += r.Int
	}
	return parse.NewInteger(total)
}

// coalesceStatus merges MSET's per-key children: the first non-OK
// status propagates, any non-status reply is a protocol mismatch
// reported as -ERR, and otherwise the children all agree on "+OK".
func coalesceStatus(parent *AsyncCommand) *parse.Reply {
	for _, child := range parent.Fanout.Children {
		r := child.Reply
		if r == nil {
			continue
		}
		if r.IsError() {
			return r
		}
		if r.Type != parse.TypeStatus {
			return parse.NewError([]byte("ERR unexpected reply type"))
		}
		if string(r.Str) != "OK" {
			return r
		}
	}
	return parse.NewStatus([]byte("OK"))
}

// coalesceConcat rebuilds MGET's array reply from the children's
// array replies, placing each child's elements back at their original
// key positions via child.Positions.
func coalesceConcat(parent *AsyncCommand) *parse.Reply {
	out := make([]*parse.Reply, parent.Fanout.OutLen)
	for i := range out {
		out[i] = parse.NewNil()
	}
	for _, child := range parent.Fanout.Children {
		r := child.Reply
		if r == nil {
			continue
		}
		if r.IsError() {
			return r
		}
		for j, pos := range child.Positions {
			if j < len(r.Array) {
				out[pos] = r.Array[j]
			}
		}
	}
	return parse.NewArray(out)
}

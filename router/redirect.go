package router

import (
	"strconv"
	"strings"

	"github.com/luit-rcp/rcp/backend"
	"github.com/luit-rcp/rcp/parse"
)

type redirectKind int

const (
	redirNone redirectKind = iota
	redirMoved
	redirAsk
)

// parseRedirection recognizes a MOVED or ASK error reply and extracts
// the address it points at. The slot number is parsed but not used —
// the proxy trusts the address, not the slot, and lets the next
// CLUSTER NODES refresh reconcile the table.
func parseRedirection(msg string) (redirectKind, string, bool) {
	fields := strings.Fields(msg)
	if len(fields) != 3 {
		return redirNone, "", false
	}
	var kind redirectKind
	switch fields[0] {
	case "MOVED":
		kind = redirMoved
	case "ASK":
		kind = redirAsk
	default:
		return redirNone, "", false
	}
	if _, err := strconv.Atoi(fields[1]); err != nil {
		return redirNone, "", false
	}
	return kind, fields[2], true
}

// handleReply is the single place every leaf command's backend reply
// passes through: it intercepts MOVED/ASK before the reply is allowed
// to finalize the command.
func (r *Router) handleReply(cmd *AsyncCommand, reply *parse.Reply) {
	if reply != nil && reply.IsError() {
		if kind, addr, ok := parseRedirection(reply.ErrorString()); ok {
			if cmd.RedirectCount >= r.RedirectMaxLimit {
				r.finalizeLeaf(cmd, reply)
				return
			}
			cmd.RedirectCount++
			r.redirect(cmd, kind, addr)
			return
		}
	}
	r.finalizeLeaf(cmd, reply)
}

func (r *Router) redirect(cmd *AsyncCommand, kind redirectKind, addr string) {
	inst, err := r.instanceFor(addr)
	if err != nil {
		r.finalizeLeaf(cmd, errReply("CLUSTERDOWN "+err.Error()))
		return
	}

	if kind == redirMoved {
		// A MOVED reply means our slot table is stale; ask for a
		// refresh and just resend to where we were told to go.
		if r.Maintain != nil {
			r.Maintain.RequestRefresh()
		}
		r.sendLeaf(cmd, inst)
		return
	}

	// ASK is a one-shot hint that does not update the slot table: the
	// command must be preceded by ASKING on the same link.
	var clientID uint64
	if owner := cmd.owner(); owner.Client != nil {
		clientID = owner.Client.ID
	}
	link := inst.Link(clientID)
	link.Submit(parse.EncodeCommandStrings(nil, "ASKING"), ignoreAskingReply, nil)
	cmd.retain()
	link.Submit(parse.EncodeCommand(nil, cmd.Argv), r.onLeafReply, cmd)
}

func ignoreAskingReply(reply *parse.Reply, data interface{}) {}

// instanceFor resolves addr to an Instance, creating one on demand
// when a redirection points somewhere the topology refresh hasn't
// reached yet.
func (r *Router) instanceFor(addr string) (*backend.Instance, error) {
	if inst, ok := r.Registry.Get(addr); ok {
		return inst, nil
	}
	host, portStr, err := splitAddr(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	authPass := ""
	if r.AuthPassFor != nil {
		authPass = r.AuthPassFor(addr)
	}
	inst, err := backend.NewInstance(host, port, authPass, r.DefaultPoolSize, r.ReconnectPeriod, r.Events)
	if err != nil {
		return nil, err
	}
	if err := r.Registry.Put(inst); err != nil {
		// The resolved address is already registered (addr spelled the
		// host differently); use the registered instance.
		if existing, ok := r.Registry.Get(inst.Addr); ok {
			return existing, nil
		}
		return nil, err
	}
	return inst, nil
}

func splitAddr(addr string) (string, string, error) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return "", "", errBadRedirectAddr(addr)
	}
	return addr[:i], addr[i+1:], nil
}

type errBadRedirectAddr string

func (e errBadRedirectAddr) Error() string { return "bad redirect address " + string(e) }

// finalizeLeaf is the sole place a leaf command transitions from
// "in flight" to "has a reply", after which the owning client's
// request list may have new heads ready to flush.
func (r *Router) finalizeLeaf(cmd *AsyncCommand, reply *parse.Reply) {
	cmd.finish(reply)
	owner := cmd.owner()
	if owner.Client != nil {
		owner.Client.Flush()
	}
}

package router

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/luit-rcp/rcp/backend"
	"github.com/luit-rcp/rcp/parse"
)

// ConfigSink lets the PROXY admin surface persist changes without the
// router package depending on the config package directly.
type ConfigSink interface {
	AddRouter(host string, port int) error
	SetAuthPass(host string, port int, pass string) error
	Flush() error
}

// handleProxyAdmin implements the administrative PROXY command: it is
// the operator surface for inspecting and growing the instance
// registry without editing the config file by hand and restarting.
func (r *Router) handleProxyAdmin(argv [][]byte) *parse.Reply {
	if len(argv) < 2 {
		return errReply("ERR wrong number of arguments for 'proxy' command")
	}
	sub := strings.ToUpper(string(argv[1]))
	switch sub {
	case "MYID":
		return parse.NewString([]byte(r.MyID))
	case "INSTANCES":
		return r.proxyInstances()
	case "INSTANCE":
		return r.proxyInstance(argv[2:])
	case "ROUTER":
		return r.proxyRouter(argv[2:])
	case "AUTH-PASS":
		return r.proxyAuthPass(argv[2:])
	case "SET":
		return r.proxySet(argv[2:])
	case "FLUSHCONFIG":
		return r.proxyFlushConfig()
	default:
		return errReply("ERR unknown PROXY subcommand '" + sub + "'")
	}
}

// proxyInstances lists every registered instance with its slot count
// and pool state, one per array element, for operator visibility.
func (r *Router) proxyInstances() *parse.Reply {
	all := r.Registry.All()
	out := make([]*parse.Reply, 0, len(all))
	for _, inst := range all {
		out = append(out, parse.NewString([]byte(describeInstance(inst))))
	}
	return parse.NewArray(out)
}

func describeInstance(inst *backend.Instance) string {
	connected := 0
	for _, l := range inst.Pool {
		if l.State() == backend.StateConnected {
			connected++
		}
	}
	return fmt.Sprintf("%s slots=%d pool=%d connected=%d", inst.Addr, inst.SlotsNum, len(inst.Pool), connected)
}

func (r *Router) proxyInstance(args [][]byte) *parse.Reply {
	if len(args) != 2 {
		return errReply("ERR usage: PROXY INSTANCE <host> <port>")
	}
	port, err := strconv.Atoi(string(args[1]))
	if err != nil {
		return errReply("ERR invalid port")
	}
	addr, err := backend.ResolveAddr(string(args[0]), port)
	if err != nil {
		return errReply("ERR " + err.Error())
	}
	inst, ok := r.Registry.Get(addr)
	if !ok {
		return parse.NewNil()
	}
	return parse.NewString([]byte(describeInstance(inst)))
}

// proxyRouter adds a seed node to the registry the same way a
// redirection would, letting an operator grow the cluster view
// without waiting on a topology refresh (mirrors a "proxy router"
// config-file line applied live).
func (r *Router) proxyRouter(args [][]byte) *parse.Reply {
	if len(args) != 2 {
		return errReply("ERR usage: PROXY ROUTER <host> <port>")
	}
	port, err := strconv.Atoi(string(args[1]))
	if err != nil {
		return errReply("ERR invalid port")
	}
	addr, err := backend.ResolveAddr(string(args[0]), port)
	if err != nil {
		return errReply("ERR " + err.Error())
	}
	if _, err := r.instanceFor(addr); err != nil {
		return errReply("ERR " + err.Error())
	}
	if r.Config != nil {
		if err := r.Config.AddRouter(string(args[0]), port); err != nil {
			return errReply("ERR " + err.Error())
		}
	}
	if r.Maintain != nil {
		r.Maintain.RequestRefresh()
	}
	return parse.NewStatus([]byte("OK"))
}

func (r *Router) proxyAuthPass(args [][]byte) *parse.Reply {
	if len(args) != 3 {
		return errReply("ERR usage: PROXY AUTH-PASS <host> <port> <password>")
	}
	if r.Config == nil {
		return errReply("ERR no config file is attached to this proxy")
	}
	port, err := strconv.Atoi(string(args[1]))
	if err != nil {
		return errReply("ERR invalid port")
	}
	if err := r.Config.SetAuthPass(string(args[0]), port, string(args[2])); err != nil {
		return errReply("ERR " + err.Error())
	}
	return parse.NewStatus([]byte("OK"))
}

// proxySet adjusts a small set of runtime tunables without a restart.
// PROXY SET auth-pass <host> <port> <password> is the same as PROXY
// AUTH-PASS.
func (r *Router) proxySet(args [][]byte) *parse.Reply {
	if len(args) >= 1 && strings.EqualFold(string(args[0]), "auth-pass") {
		return r.proxyAuthPass(args[1:])
	}
	if len(args) != 2 {
		return errReply("ERR usage: PROXY SET <param> <value>")
	}
	param := strings.ToUpper(string(args[0]))
	value, err := strconv.Atoi(string(args[1]))
	if err != nil {
		return errReply("ERR value must be an integer")
	}
	switch param {
	case "REDIRECT-MAX-LIMIT":
		r.RedirectMaxLimit = value
	default:
		return errReply("ERR unknown parameter '" + param + "'")
	}
	return parse.NewStatus([]byte("OK"))
}

func (r *Router) proxyFlushConfig() *parse.Reply {
	if r.Config == nil {
		return parse.NewStatus([]byte("OK"))
	}
	if err := r.Config.Flush(); err != nil {
		return errReply("ERR " + err.Error())
	}
	return parse.NewStatus([]byte("OK"))
}

// localInfo answers INFO with just enough sections for a cluster-aware
// client or monitoring scrape to find something useful: no per-key
// keyspace stats, since the proxy itself holds no data.
func (r *Router) localInfo(argv [][]byte) *parse.Reply {
	section := ""
	if len(argv) >= 2 {
		section = strings.ToLower(string(argv[1]))
	}
	var b strings.Builder
	if section == "" || section == "server" {
		b.WriteString("# Server\r\n")
		b.WriteString("redis_mode:cluster\r\n")
		b.WriteString("proxy_myid:" + r.MyID + "\r\n\r\n")
	}
	if section == "" || section == "cluster" {
		b.WriteString("# Cluster\r\n")
		b.WriteString("cluster_enabled:1\r\n")
		b.WriteString("cluster_known_nodes:" + strconv.Itoa(r.Registry.Len()) + "\r\n\r\n")
	}
	return parse.NewString([]byte(b.String()))
}

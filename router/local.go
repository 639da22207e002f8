package router

import (
	"strconv"
	"strings"
	"time"

	"github.com/luit-rcp/rcp/parse"
)

// routeLocal answers a ClassLocal command without ever touching a
// backend. Most of these exist so well-behaved clients (including
// redis-cli and cluster-aware client libraries probing the proxy)
// get sane answers instead of "unknown command".
func (r *Router) routeLocal(client *Client, name string, argv [][]byte) {
	switch name {
	case "PING":
		r.replyNow(client, localPing(argv))
	case "ECHO":
		r.replyNow(client, localEcho(argv))
	case "AUTH":
		r.replyNow(client, parse.NewStatus([]byte("OK")))
	case "TIME":
		r.replyNow(client, localTime())
	case "READONLY", "READWRITE":
		r.replyNow(client, parse.NewStatus([]byte("OK")))
	case "WAIT":
		r.replyNow(client, parse.NewInteger(0))
	case "COMMAND":
		r.replyNow(client, localCommand(argv))
	case "SELECT":
		r.replyNow(client, localSelect(client, argv))
	case "SHUTDOWN":
		// A client asking the proxy itself to shut down gets refused;
		// only the process's own signal handling does that.
		r.replyNow(client, errReply("ERR SHUTDOWN is not supported by the proxy"))
	case "SLOWLOG":
		r.replyNow(client, localSlowlog(argv))
	case "DEBUG":
		r.replyNow(client, errReply("ERR DEBUG is not supported by the proxy"))
	case "CONFIG":
		r.replyNow(client, localConfig(argv))
	case "CLIENT":
		r.replyNow(client, localClient(client, argv))
	case "LATENCY":
		r.replyNow(client, localLatency(argv))
	case "MONITOR":
		r.replyNow(client, errReply("ERR MONITOR is not supported by the proxy"))
	case "PROXY":
		r.replyNow(client, r.handleProxyAdmin(argv))
	case "INFO":
		r.replyNow(client, r.localInfo(argv))
	default:
		r.replyNow(client, errReply("ERR unknown command '"+name+"'"))
	}
}

// byte2D is an alias kept local to this file purely so the signatures
// below read naturally; it is the same [][]byte used everywhere else.
type byte2D = [][]byte

func localPing(argv byte2D) *parse.Reply {
	if len(argv) >= 2 {
		return parse.NewString(argv[1])
	}
	return parse.NewStatus([]byte("PONG"))
}

func localEcho(argv byte2D) *parse.Reply {
	if len(argv) < 2 {
		return errReply("ERR wrong number of arguments for 'echo' command")
	}
	return parse.NewString(argv[1])
}

func localTime() *parse.Reply {
	now := time.Now()
	sec := now.Unix()
	usec := now.UnixMicro() % 1000000
	return parse.NewArray([]*parse.Reply{
		parse.NewString([]byte(strconv.FormatInt(sec, 10))),
		parse.NewString([]byte(strconv.FormatInt(usec, 10))),
	})
}

// localCommand answers COMMAND with an empty array rather than the
// real command table: enough for clients that only check the reply
// type before proceeding, without pretending to know Redis's full
// command metadata.
func localCommand(argv byte2D) *parse.Reply {
	return parse.NewArray(nil)
}

// localSelect only accepts database 0, since the cluster model the
// proxy sits in front of has none of the other fifteen.
func localSelect(client *Client, argv byte2D) *parse.Reply {
	if len(argv) != 2 {
		return errReply("ERR wrong number of arguments for 'select' command")
	}
	db, err := strconv.Atoi(string(argv[1]))
	if err != nil {
		return errReply("ERR value is not an integer or out of range")
	}
	if db != 0 {
		return errReply("ERR SELECT is not allowed in cluster mode")
	}
	client.DBIndex = 0
	return parse.NewStatus([]byte("OK"))
}

func localSlowlog(argv byte2D) *parse.Reply {
	if len(argv) >= 2 && strings.EqualFold(string(argv[1]), "GET") {
		return parse.NewArray(nil)
	}
	if len(argv) >= 2 && strings.EqualFold(string(argv[1]), "LEN") {
		return parse.NewInteger(0)
	}
	return parse.NewStatus([]byte("OK"))
}

// localConfig answers GET with an empty result and everything else
// with OK: the proxy has its own config surface (PROXY), this exists
// only so clients that probe CONFIG GET on connect don't choke.
func localConfig(argv byte2D) *parse.Reply {
	if len(argv) >= 2 && strings.EqualFold(string(argv[1]), "GET") {
		return parse.NewArray(nil)
	}
	return parse.NewStatus([]byte("OK"))
}

func localClient(client *Client, argv byte2D) *parse.Reply {
	if len(argv) < 2 {
		return errReply("ERR wrong number of arguments for 'client' command")
	}
	switch strings.ToUpper(string(argv[1])) {
	case "ID":
		return parse.NewInteger(int64(client.ID))
	case "GETNAME":
		return parse.NewString(nil)
	case "SETNAME", "NO-EVICT", "NO-TOUCH", "REPLY":
		return parse.NewStatus([]byte("OK"))
	case "LIST":
		return parse.NewString([]byte("id=" + strconv.FormatUint(client.ID, 10) + "\n"))
	default:
		return parse.NewStatus([]byte("OK"))
	}
}

func localLatency(argv byte2D) *parse.Reply {
	if len(argv) >= 2 && strings.EqualFold(string(argv[1]), "HISTORY") {
		return parse.NewArray(nil)
	}
	return parse.NewArray(nil)
}

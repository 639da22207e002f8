package backend

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/luit-rcp/rcp/parse"
)

// Creation-failure taxonomy: structured errors, not strings, so
// callers can branch on what went wrong when an instance fails to
// come up (on-demand creation from a redirection, or a PROXY ROUTER
// admin command).
var (
	ErrResolveFailed   = errors.New("ENOENT: could not resolve address")
	ErrDuplicateAddr   = errors.New("EBUSY: instance already registered")
	ErrInvalidPort     = errors.New("EINVAL: invalid port")
	ErrInvalidPoolSize = errors.New("EINVAL: pool size must be positive")
)

var linkCounter uint64

// Instance is one shard: a canonical ip:port address and a fixed-size
// pool of links to it.
type Instance struct {
	Addr     string // canonical "ip:port"
	Host     string
	Port     int
	AuthPass string

	Pool []*Link

	// SlotsNum is maintained exclusively by SlotTable.Set; an instance
	// with SlotsNum == 0 is eligible for eviction.
	SlotsNum int

	reconnectPeriod time.Duration
	events          chan<- Event
}

// ResolveAddr validates host:port and returns the canonical "ip:port"
// form, resolving host if it isn't already a literal. Failure is
// ErrResolveFailed.
func ResolveAddr(host string, port int) (string, error) {
	if port <= 0 || port > 65535 {
		return "", ErrInvalidPort
	}
	ips, err := net.LookupHost(host)
	if err != nil || len(ips) == 0 {
		return "", errors.Wrap(ErrResolveFailed, host)
	}
	return net.JoinHostPort(ips[0], strconv.Itoa(port)), nil
}

// NewInstance creates an instance with poolSize links, dialing each
// immediately (non-blocking from the caller's point of view: Dial
// returns before the TCP handshake completes). Every link gets its
// handshake (AUTH + CLIENT SETNAME) queued before it is handed out, so
// the handshake reaches the backend ahead of any routed request.
func NewInstance(host string, port int, authPass string, poolSize int, reconnectPeriod time.Duration, events chan<- Event) (*Instance, error) {
	if poolSize <= 0 {
		return nil, ErrInvalidPoolSize
	}
	addr, err := ResolveAddr(host, port)
	if err != nil {
		return nil, err
	}
	inst := &Instance{
		Addr:            addr,
		Host:            host,
		Port:            port,
		AuthPass:        authPass,
		Pool:            make([]*Link, poolSize),
		reconnectPeriod: reconnectPeriod,
		events:          events,
	}
	for i := range inst.Pool {
		inst.Pool[i] = inst.dialLink()
	}
	return inst, nil
}

func (inst *Instance) dialLink() *Link {
	id := atomic.AddUint64(&linkCounter, 1)
	name := fmt.Sprintf("%s-%d", inst.Addr, id)
	l := Dial(name, inst.Addr, inst.events, nil, nil)
	inst.handshake(l)
	return l
}

// handshake queues AUTH first if configured, then CLIENT SETNAME
// proxy-<link-name>, on a freshly dialed link. dialLink calls it
// before returning the link, so both sit at the head of the write
// buffer and the callback FIFO; the bytes stay queued until the link
// has connected and is flushed.
func (inst *Instance) handshake(l *Link) {
	if inst.AuthPass != "" {
		l.Submit(parse.EncodeCommandStrings(nil, "AUTH", inst.AuthPass), ignoreReply, nil)
	}
	l.Submit(parse.EncodeCommandStrings(nil, "CLIENT", "SETNAME", "proxy-"+l.Name), ignoreReply, nil)
}

func ignoreReply(reply *parse.Reply, data interface{}) {}

// Link picks the pool member for a given client id, implementing
// "client.id mod poolsize" striping.
func (inst *Instance) Link(clientID uint64) *Link {
	return inst.Pool[clientID%uint64(len(inst.Pool))]
}

// MaybeReconnect replaces pool[idx] with a freshly dialed link if it
// is in StateError and the reconnect throttle has elapsed.
// Replacing the link in place means the next request hashed to this
// pool slot reaches the fresh link.
func (inst *Instance) MaybeReconnect(idx int, now time.Time) {
	l := inst.Pool[idx]
	if l.State() != StateError {
		return
	}
	if now.Sub(l.ConnectedAt()) < inst.reconnectPeriod && !l.ConnectedAt().IsZero() {
		return
	}
	if l.PendingCount() == 0 {
		l.Close()
	}
	inst.Pool[idx] = inst.dialLink()
}

// Release frees every link in the pool. The caller must have already
// ensured SlotsNum == 0.
func (inst *Instance) Release() error {
	if inst.SlotsNum != 0 {
		return errors.Errorf("cannot release instance %s with %d slots still assigned", inst.Addr, inst.SlotsNum)
	}
	for _, l := range inst.Pool {
		l.Close()
	}
	return nil
}

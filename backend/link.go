// Package backend implements the non-blocking, pipelined client to one
// backend shard: the Link and the Instance/Pool/Registry that own a
// fixed-size set of links per shard address.
//
// The source this module is translated from drives everything off a
// single-threaded epoll loop: one thread owns the link's buffers, its
// parser, and its callback FIFO, so no lock is ever taken. Go has no
// idiomatic non-blocking socket API, so each Link instead runs one
// reader goroutine that owns the parser and the read buffer privately,
// and reports every parsed reply or I/O failure as an Event on a single
// channel. The engine that drains that channel (proxyserver.Engine) is
// the one and only goroutine that ever touches a Link's callback FIFO,
// an instance's slot count, the slot table, or a client's request
// list, preserving the original's single-owner design with a channel
// standing in for epoll's readiness notification.
package backend

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/luit-rcp/rcp/parse"
)

// State is a Link's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ReplyHandler is invoked, in FIFO order, once per request submitted on
// a Link: either with the reply the backend sent, or with the link's
// canned error reply if the link entered StateError first.
type ReplyHandler func(reply *parse.Reply, data interface{})

type callbackEntry struct {
	fn   ReplyHandler
	data interface{}
}

// EventKind tags an Event delivered to the engine channel.
type EventKind int

const (
	EventConnected EventKind = iota
	EventReply
	EventLinkError
)

// Event is what a Link's reader goroutine reports to the owning
// engine. The engine is the only consumer of these events and the only
// code that invokes ReplyHandler callbacks.
type Event struct {
	Kind  EventKind
	Link  *Link
	Reply *parse.Reply
	Err   error
}

// Link is one TCP connection to one Instance, running RESP in
// pipelined mode.
type Link struct {
	Name string // used to build "proxy-<link-name>" for CLIENT SETNAME
	Addr string

	conn net.Conn

	state       atomic.Int32
	connectedAt time.Time

	closeLazy    atomic.Bool
	pendingWrite atomic.Bool
	freed        atomic.Bool

	// mu guards the write buffer and the callback FIFO together.
	// Submit appends a request's bytes and pushes its callback as one
	// unit under it, which keeps "byte N in the write buffer belongs
	// to callback N in the FIFO" true. A separate lock per field would
	// let one submitter's write-append land between another's
	// write-append and callback-push, desyncing the two lists.
	mu        sync.Mutex
	writeBuf  []byte
	callbacks []callbackEntry

	replyOnFree *parse.Reply

	onConnect    func(*Link)
	onDisconnect func(*Link)

	events   chan<- Event
	closeOne sync.Once
}

// Dial starts a non-blocking-equivalent connect: it dials in a
// goroutine and, on success, starts the link's reader goroutine. addr
// must already be a resolved "ip:port".
func Dial(name, addr string, events chan<- Event, onConnect, onDisconnect func(*Link)) *Link {
	l := &Link{
		Name:         name,
		Addr:         addr,
		events:       events,
		onConnect:    onConnect,
		onDisconnect: onDisconnect,
	}
	l.state.Store(int32(StateConnecting))
	go l.connectAndRun()
	return l
}

func (l *Link) connectAndRun() {
	conn, err := net.DialTimeout("tcp", l.Addr, 5*time.Second)
	if err != nil {
		l.events <- Event{Kind: EventLinkError, Link: l, Err: errors.Wrapf(err, "dial %s", l.Addr)}
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}
	l.conn = conn
	l.connectedAt = time.Now()
	l.state.Store(int32(StateConnected))
	if l.onConnect != nil {
		l.onConnect(l)
	}
	l.events <- Event{Kind: EventConnected, Link: l}
	l.readLoop()
}

func (l *Link) readLoop() {
	parser := parse.NewParser()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	pos := 0
	for {
		n, err := l.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		for {
			reply, newPos, perr := parser.Parse(buf, pos)
			if perr != nil {
				l.events <- Event{Kind: EventLinkError, Link: l, Err: perr}
				return
			}
			pos = newPos
			if reply == nil {
				break
			}
			l.events <- Event{Kind: EventReply, Link: l, Reply: reply}
		}
		if pos >= 1024 {
			buf = append(buf[:0], buf[pos:]...)
			pos = 0
		}
		if len(buf) == 0 && cap(buf) > 65536 {
			buf = make([]byte, 0, 4096)
		}
		if err != nil {
			l.events <- Event{Kind: EventLinkError, Link: l, Err: errors.Wrap(err, "read")}
			return
		}
	}
}

// State returns the link's current lifecycle state.
func (l *Link) State() State { return State(l.state.Load()) }

// PushCallback appends a callback to the FIFO; it must be called
// immediately after queuing the request bytes that will produce the
// matching reply, preserving the "callback FIFO equals write order"
// invariant. Prefer Submit, which does both under one lock; PushCallback
// and QueueWrite on their own are only safe to pair when the caller
// already knows nothing else can submit to this link concurrently.
func (l *Link) PushCallback(fn ReplyHandler, data interface{}) {
	l.mu.Lock()
	l.callbacks = append(l.callbacks, callbackEntry{fn: fn, data: data})
	l.mu.Unlock()
}

// PopCallback removes and returns the head of the FIFO.
func (l *Link) PopCallback() (ReplyHandler, interface{}, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.callbacks) == 0 {
		return nil, nil, false
	}
	c := l.callbacks[0]
	l.callbacks = l.callbacks[1:]
	if len(l.callbacks) == 0 {
		l.callbacks = nil
	}
	return c.fn, c.data, true
}

// PendingCount reports how many callbacks are still outstanding.
func (l *Link) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callbacks)
}

// QueueWrite appends request bytes to the link's write buffer and
// marks it pending-write. If the link is already in StateError the
// bytes are silently dropped, since the owning instance will reconnect
// and the caller already got (or will get) a failed callback via the
// error drain — nothing is lost from the client's point of view.
// Prefer Submit when the write is paired with a callback.
func (l *Link) QueueWrite(data []byte) {
	if l.State() == StateError {
		return
	}
	l.mu.Lock()
	l.writeBuf = append(l.writeBuf, data...)
	l.mu.Unlock()
	l.pendingWrite.Store(true)
}

// Submit queues a request's bytes and pushes the callback that will
// complete it as one atomic step. This is the safe way to issue a
// request: two goroutines calling Submit on the same link at once can
// never interleave such that one's write lands between the other's
// write and its callback, which would desync the wire byte order from
// the callback FIFO order and deliver a reply to the wrong caller. If
// the link is already in StateError, the write is dropped and no
// callback is pushed, matching QueueWrite's drop behavior.
func (l *Link) Submit(data []byte, fn ReplyHandler, cbData interface{}) {
	if l.State() == StateError {
		return
	}
	l.mu.Lock()
	l.writeBuf = append(l.writeBuf, data...)
	l.callbacks = append(l.callbacks, callbackEntry{fn: fn, data: cbData})
	l.mu.Unlock()
	l.pendingWrite.Store(true)
}

// PendingWrite reports whether the link has unflushed bytes.
func (l *Link) PendingWrite() bool { return l.pendingWrite.Load() }

// Flush writes any buffered bytes to the socket. It is called from the
// before-sleep sweep. Go's net.Conn.Write blocks until every byte
// is written or an error occurs, so there is no "arm the writable
// handler" step to translate: a short write cannot happen here the way
// it can under non-blocking I/O.
func (l *Link) Flush() error {
	l.mu.Lock()
	buf := l.writeBuf
	l.mu.Unlock()
	if len(buf) == 0 {
		l.pendingWrite.Store(false)
		return nil
	}
	if l.conn == nil {
		// Dial hasn't completed yet; leave the bytes queued and the
		// pending flag set for the next sweep instead of dropping them.
		return nil
	}
	l.mu.Lock()
	l.writeBuf = nil
	l.mu.Unlock()
	l.pendingWrite.Store(false)
	_, err := l.conn.Write(buf)
	return err
}

// EnterError transitions the link to StateError, synthesizes the
// canned reply if one isn't already set, and returns every callback
// still in the FIFO (in order) so the caller can invoke them with that
// reply. It is idempotent: calling it twice returns an empty slice the
// second time.
func (l *Link) EnterError(cause error) []callbackDelivery {
	if l.State() == StateError {
		return nil
	}
	wasConnected := l.State() == StateConnected
	l.state.Store(int32(StateError))
	if l.replyOnFree == nil {
		msg := "ERR backend link failed"
		if cause != nil {
			msg = fmt.Sprintf("ERR backend link failed: %s", cause)
		}
		l.replyOnFree = parse.NewError([]byte(msg))
	}
	var out []callbackDelivery
	for {
		fn, data, ok := l.PopCallback()
		if !ok {
			break
		}
		out = append(out, callbackDelivery{fn: fn, data: data, reply: l.replyOnFree})
	}
	if wasConnected && l.onDisconnect != nil {
		l.onDisconnect(l)
	}
	return out
}

// callbackDelivery is a callback paired with the reply it must be
// invoked with; EnterError returns a batch of these so the engine can
// run them outside of any lock.
type callbackDelivery struct {
	fn    ReplyHandler
	data  interface{}
	reply *parse.Reply
}

func (d callbackDelivery) Invoke() { d.fn(d.reply, d.data) }

// Close frees the link. If callbacks are still outstanding it instead
// arms CLOSE_LAZY; the engine must call Close again (or rely on
// EnterError) once PendingCount reaches zero.
func (l *Link) Close() {
	if l.PendingCount() > 0 && l.State() != StateError {
		l.closeLazy.Store(true)
		return
	}
	l.closeOne.Do(func() {
		l.freed.Store(true)
		if l.conn != nil {
			l.conn.Close()
		}
	})
}

// CloseLazy reports whether the link is waiting to drain before
// freeing.
func (l *Link) CloseLazy() bool { return l.closeLazy.Load() }

// Freed reports whether the link's socket has been closed.
func (l *Link) Freed() bool { return l.freed.Load() }

// ConnectedAt returns when the link last completed its handshake; used
// by the reconnect throttle.
func (l *Link) ConnectedAt() time.Time { return l.connectedAt }

// String implements fmt.Stringer for log lines.
func (l *Link) String() string {
	return fmt.Sprintf("link(%s, %s, %s)", l.Name, l.Addr, l.State())
}

package router

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luit-rcp/rcp/backend"
	"github.com/luit-rcp/rcp/cluster"
	"github.com/luit-rcp/rcp/parse"
	"github.com/luit-rcp/rcp/proto"
)

// startFakeShard spins up a one-shot TCP listener that writes back
// replies in order, regardless of what it is sent, then holds the
// connection open for a while so the link sees no EOF during the test;
// good enough to drive the routing layer's reply-handling path end to
// end.
func startFakeShard(t *testing.T, replies [][]byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for _, reply := range replies {
			conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			_, _ = conn.Read(buf)
			if _, err := conn.Write(reply); err != nil {
				return
			}
		}
		time.Sleep(2 * time.Second)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func newTestInstance(t *testing.T, addr string, events chan backend.Event) *backend.Instance {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	inst, err := backend.NewInstance(host, port, "", 1, time.Second, events)
	require.NoError(t, err)
	return inst
}

// pumpOneReply waits for the next EventReply on events, pops the
// matching link callback and invokes it — standing in for the engine's
// event loop in tests that only exercise the router.
func pumpOneReply(t *testing.T, events chan backend.Event) {
	t.Helper()
	for {
		select {
		case ev := <-events:
			switch ev.Kind {
			case backend.EventReply:
				fn, data, ok := ev.Link.PopCallback()
				require.True(t, ok)
				fn(ev.Reply, data)
				return
			case backend.EventConnected:
				continue
			case backend.EventLinkError:
				t.Fatalf("unexpected link error: %v", ev.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for reply event")
		}
	}
}

func newTestRouter(t *testing.T, events chan backend.Event) (*Router, *cluster.SlotTable, *backend.Registry) {
	slots := cluster.NewSlotTable()
	reg := backend.NewRegistry()
	r := &Router{
		Slots:            slots,
		Registry:         reg,
		DefaultPoolSize:  1,
		ReconnectPeriod:  time.Second,
		RedirectMaxLimit: 5,
		Events:           events,
		MyID:             "test-myid",
	}
	return r, slots, reg
}

func newPipeClient(id uint64) (*Client, net.Conn) {
	server, client := net.Pipe()
	return NewClient(id, server), client
}

// startAsyncReader reads once from conn in the background: net.Pipe is
// unbuffered, so Client.Flush's write would otherwise deadlock against
// a test goroutine that only reads after the write already happened.
func startAsyncReader(t *testing.T, conn net.Conn) <-chan string {
	t.Helper()
	out := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _ := conn.Read(buf)
		out <- string(buf[:n])
	}()
	return out
}

func readReply(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client read")
		return ""
	}
}

func TestRouteForwardedSingleKeyDeliversReply(t *testing.T) {
	events := make(chan backend.Event, 16)
	r, slots, reg := newTestRouter(t, events)

	// The first reply answers the instance's own CLIENT SETNAME
	// handshake; the second is GET's.
	addr := startFakeShard(t, [][]byte{[]byte("+OK\r\n"), []byte("$3\r\nbar\r\n")})
	inst := newTestInstance(t, addr, events)
	require.NoError(t, reg.Put(inst))
	slots.SetRange(0, proto.NumSlots-1, inst)

	<-events // EventConnected

	client, conn := newPipeClient(1)
	reply := startAsyncReader(t, conn)
	r.Route(client, [][]byte{[]byte("GET"), []byte("foo")})
	require.NoError(t, inst.Pool[0].Flush())
	pumpOneReply(t, events) // handshake ack
	pumpOneReply(t, events) // GET's reply

	assert.Equal(t, "$3\r\nbar\r\n", readReply(t, reply))
}

func TestRouteFanOutCoalescesMget(t *testing.T) {
	events := make(chan backend.Event, 16)
	r, slots, reg := newTestRouter(t, events)

	addrA := startFakeShard(t, [][]byte{[]byte("+OK\r\n"), []byte("*1\r\n$2\r\nva\r\n")})
	addrB := startFakeShard(t, [][]byte{[]byte("+OK\r\n"), []byte("*1\r\n$2\r\nvb\r\n")})
	instA := newTestInstance(t, addrA, events)
	instB := newTestInstance(t, addrB, events)
	require.NoError(t, reg.Put(instA))
	require.NoError(t, reg.Put(instB))

	// Force "a" and "b" onto different shards regardless of their real
	// hash by mapping every slot to A except the one "b" lands on.
	bSlot := proto.KeySlot([]byte("b"))
	slots.SetRange(0, proto.NumSlots-1, instA)
	slots.Set(bSlot, instB)
	aSlot := proto.KeySlot([]byte("a"))
	if aSlot == bSlot {
		t.Skip("key hash collision between test keys, pick different keys")
	}

	<-events
	<-events

	client, conn := newPipeClient(1)
	reply := startAsyncReader(t, conn)
	r.Route(client, [][]byte{[]byte("MGET"), []byte("a"), []byte("b")})
	require.NoError(t, instA.Pool[0].Flush())
	require.NoError(t, instB.Pool[0].Flush())
	pumpOneReply(t, events) // A's handshake ack
	pumpOneReply(t, events) // B's handshake ack
	pumpOneReply(t, events) // A's MGET reply
	pumpOneReply(t, events) // B's MGET reply

	got := readReply(t, reply)
	assert.True(t, strings.HasPrefix(got, "*2\r\n"))
	assert.Contains(t, got, "va")
	assert.Contains(t, got, "vb")
}

func TestRouteRedirectMovedResendsToNewInstance(t *testing.T) {
	events := make(chan backend.Event, 16)
	r, slots, reg := newTestRouter(t, events)

	addrOld := startFakeShard(t, [][]byte{})
	addrNew := startFakeShard(t, [][]byte{[]byte("+OK\r\n"), []byte("$2\r\nok\r\n")})
	instOld := newTestInstance(t, addrOld, events)
	require.NoError(t, reg.Put(instOld))
	slots.SetRange(0, proto.NumSlots-1, instOld)

	<-events // old connected

	// Discard the handshake callback that CLIENT SETNAME left at the
	// head of the FIFO so the next pop reaches GET's own callback.
	_, _, ok := instOld.Pool[0].PopCallback()
	require.True(t, ok)

	client, conn := newPipeClient(1)
	reply := startAsyncReader(t, conn)
	r.Route(client, [][]byte{[]byte("GET"), []byte("foo")})

	// Manually deliver a MOVED error for the in-flight command instead
	// of waiting on the old shard (which never replies in this test),
	// exercising handleReply's redirection path directly.
	fn, data, ok := instOld.Pool[0].PopCallback()
	require.True(t, ok)
	fn(parse.NewError([]byte("MOVED 0 "+addrNew)), data)

	// The resend lands on a freshly created instance for addrNew; wait
	// for it to connect, flush the queued GET to the socket, then drain
	// its handshake ack and its GET reply.
	newInst, ok := reg.Get(addrNew)
	require.True(t, ok)
	waitForConnected(t, events, newInst.Pool[0])
	require.NoError(t, newInst.Pool[0].Flush())
	pumpOneReply(t, events) // handshake ack
	pumpOneReply(t, events) // GET's reply

	assert.Equal(t, "$2\r\nok\r\n", readReply(t, reply))
	assert.Equal(t, 1, len(slots.Coverage())) // table still points at instOld; refresh is only requested
}

// waitForConnected drains events until it sees link reach
// EventConnected, tolerating other links' events arriving interleaved.
func waitForConnected(t *testing.T, events chan backend.Event, link *backend.Link) {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if ev.Kind == backend.EventConnected && ev.Link == link {
				return
			}
			if ev.Kind == backend.EventLinkError && ev.Link == link {
				t.Fatalf("unexpected link error: %v", ev.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for connect")
		}
	}
}

package proxyserver

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luit-rcp/rcp/backend"
	"github.com/luit-rcp/rcp/cluster"
	"github.com/luit-rcp/rcp/parse"
	"github.com/luit-rcp/rcp/proto"
	"github.com/luit-rcp/rcp/router"
)

// startFakeShard answers the handshake's CLIENT SETNAME with +OK and
// every request after that with reply, regardless of content.
func startFakeShard(t *testing.T, reply []byte) string {
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
		conn.SetReadDeadline(time.Now().Add(time.Second))
		conn.Read(buf)
		conn.Write([]byte("+OK\r\n"))
		for {
			conn.SetReadDeadline(time.Now().Add(time.Second))
			if _, err := conn.Read(buf); err != nil {
				return
			}
			if _, err := conn.Write(reply); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

// waitLinkConnected polls until link reports StateConnected, so a
// test's first client command is never routed to a link whose
// handshake hasn't finished queuing its writes yet.
func waitLinkConnected(t *testing.T, link *backend.Link) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if link.State() == backend.StateConnected {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for backend link to connect")
}

func newTestEngine(t *testing.T, shardAddr string) (*Engine, net.Listener) {
	t.Helper()
	events := make(chan backend.Event, 256)
	reg := backend.NewRegistry()
	slots := cluster.NewSlotTable()

	host, portStr, err := net.SplitHostPort(shardAddr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	inst, err := backend.NewInstance(host, port, "", 1, time.Second, events)
	require.NoError(t, err)
	waitLinkConnected(t, inst.Pool[0])
	require.NoError(t, reg.Put(inst))
	slots.SetRange(0, proto.NumSlots-1, inst)

	maintain := cluster.NewMaintainer(reg, slots, time.Second, 1, time.Second, events, nil)

	r := &router.Router{
		Slots:            slots,
		Registry:         reg,
		Maintain:         maintain,
		DefaultPoolSize:  1,
		ReconnectPeriod:  time.Second,
		RedirectMaxLimit: 5,
		Events:           events,
		MyID:             "test-myid",
	}

	engine := NewEngine(reg, slots, maintain, r, events, nil)
	engine.MaintenanceTick = 50 * time.Millisecond

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return engine, ln
}

func dialClient(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return conn
}

func readFullReply(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestEngineAnswersLocalPingWithoutTouchingBackend(t *testing.T) {
	shardAddr := startFakeShard(t, []byte("$3\r\nbar\r\n"))
	engine, ln := newTestEngine(t, shardAddr)
	go engine.Run(ln)
	defer engine.Stop()

	conn := dialClient(t, ln.Addr().String())
	defer conn.Close()
	_, err := conn.Write(parse.EncodeCommandStrings(nil, "PING"))
	require.NoError(t, err)

	assert.Equal(t, "+PONG\r\n", readFullReply(t, conn))
}

func TestEngineForwardsGetToBackendAndRepliesInOrder(t *testing.T) {
	shardAddr := startFakeShard(t, []byte("$3\r\nbar\r\n"))
	engine, ln := newTestEngine(t, shardAddr)
	go engine.Run(ln)
	defer engine.Stop()

	conn := dialClient(t, ln.Addr().String())
	defer conn.Close()

	_, err := conn.Write(parse.EncodeCommandStrings(nil, "GET", "foo"))
	require.NoError(t, err)

	assert.Equal(t, "$3\r\nbar\r\n", readFullReply(t, conn))
}

func TestEngineClosesClientOnProtocolError(t *testing.T) {
	shardAddr := startFakeShard(t, []byte("$3\r\nbar\r\n"))
	engine, ln := newTestEngine(t, shardAddr)
	go engine.Run(ln)
	defer engine.Stop()

	conn := dialClient(t, ln.Addr().String())
	defer conn.Close()

	_, err := conn.Write([]byte("not-a-resp-command\r\n"))
	require.NoError(t, err)

	got := readFullReply(t, conn)
	assert.Contains(t, got, "Protocol error")
}

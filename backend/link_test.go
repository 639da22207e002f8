package backend

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luit-rcp/rcp/parse"
)

// startFakeBackend accepts one connection and, for each entry of
// replies in turn, drains whatever request bytes are available and
// writes that canned reply back. It's a minimal stand-in for a
// backend shard.
func startFakeBackend(t *testing.T, replies [][]byte) (addr string, closeFn func()) {
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
			// Drain whatever request bytes are currently available
			// (best-effort; the test doesn't assert on request framing
			// here, only on reply delivery ordering) before replying.
			conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
			_, _ = conn.Read(buf)
			if _, err := conn.Write(reply); err != nil {
				return
			}
		}
		// keep the connection open a little so the client can read.
		time.Sleep(100 * time.Millisecond)
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestLinkDeliversRepliesInFIFOOrder(t *testing.T) {
	addr, closeFn := startFakeBackend(t, [][]byte{
		[]byte("+OK\r\n"),
		[]byte(":42\r\n"),
		[]byte("$3\r\nbar\r\n"),
	})
	defer closeFn()

	events := make(chan Event, 16)
	link := Dial("test-link", addr, events, nil, nil)

	// Wait for connect.
	ev := <-events
	require.Equal(t, EventConnected, ev.Kind)

	var got []*parse.Reply
	order := []string{"first", "second", "third"}
	for i, name := range order {
		n := name
		link.PushCallback(func(r *parse.Reply, data interface{}) {
			got = append(got, r)
		}, nil)
		_ = i
		_ = n
	}
	link.QueueWrite([]byte("*1\r\n$4\r\nPING\r\n*1\r\n$4\r\nPING\r\n*1\r\n$4\r\nPING\r\n"))
	require.NoError(t, link.Flush())

	for i := 0; i < 3; i++ {
		ev := <-events
		require.Equal(t, EventReply, ev.Kind)
		fn, data, ok := link.PopCallback()
		require.True(t, ok)
		fn(ev.Reply, data)
	}

	require.Len(t, got, 3)
	assert.Equal(t, parse.TypeStatus, got[0].Type)
	assert.Equal(t, int64(42), got[1].Int)
	assert.Equal(t, "bar", string(got[2].Str))
}

func TestLinkEnterErrorDrainsCallbacksInOrder(t *testing.T) {
	events := make(chan Event, 4)
	link := &Link{Name: "x", Addr: "127.0.0.1:0", events: events}

	var order []int
	for i := 0; i < 3; i++ {
		idx := i
		link.PushCallback(func(r *parse.Reply, data interface{}) {
			order = append(order, idx)
		}, nil)
	}
	deliveries := link.EnterError(assertError{})
	require.Len(t, deliveries, 3)
	for _, d := range deliveries {
		assert.True(t, d.reply.IsError())
		d.Invoke()
	}
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, StateError, link.State())

	// Idempotent: a second EnterError call drains nothing more.
	more := link.EnterError(nil)
	assert.Len(t, more, 0)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

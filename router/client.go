// Package router implements the routing layer, the async command and
// its coalescer, and the redirection handler.
package router

import "net"

// Client is the proxy's state for one front-end connection. The
// front-facing accept loop and request parser are out of core scope
//; this type is the thin surface the core needs from a client:
// an identity for pool striping and an ordered request list for the
// in-order reply guarantee.
type Client struct {
	ID       uint64
	Conn     net.Conn
	Requests []*AsyncCommand
	DBIndex  int
	closed   bool
}

func NewClient(id uint64, conn net.Conn) *Client {
	return &Client{ID: id, Conn: conn}
}

// Enqueue appends cmd to the client's request list; it is called by
// the routing layer immediately before submitting the command (or its
// children) to a backend link, before the client reads its next
// command.
func (c *Client) Enqueue(cmd *AsyncCommand) {
	c.Requests = append(c.Requests, cmd)
}

// Close severs the client->command back-reference for every
// outstanding command: in-flight commands still
// run to completion on the backend, but their replies are dropped
// instead of written to a closed connection.
func (c *Client) Close() {
	if c.closed {
		return
	}
	c.closed = true
	for _, cmd := range c.Requests {
		cmd.detachClient()
	}
	c.Requests = nil
}

// Flush walks the request list from the head, writing out the reply
// of every command that is ready (or, for a fan-out parent, whose
// children have all finished) until it hits the first command that
// isn't, preserving per-client reply order even though backends can
// reply out of order.
func (c *Client) Flush() {
	for len(c.Requests) > 0 {
		head := c.Requests[0]
		if !head.Ready() {
			break
		}
		c.Requests = c.Requests[1:]
		if c.Conn != nil {
			reply := head.FinalReply()
			if reply != nil {
				c.Conn.Write(reply.Bytes())
			}
		}
		head.release()
	}
}

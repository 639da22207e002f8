package proxyserver

import (
	"net"
	"time"

	"github.com/luit-rcp/rcp/backend"
	"github.com/luit-rcp/rcp/parse"
	"github.com/luit-rcp/rcp/router"
)

// Run starts the accept loop on ln and then blocks running the engine
// goroutine until Stop is called. It returns once the engine has
// drained and exited.
func (e *Engine) Run(ln net.Listener) error {
	acceptErrs := make(chan error, 1)
	go e.acceptLoop(ln, acceptErrs)
	defer close(e.done)

	ticker := time.NewTicker(e.MaintenanceTick)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			ln.Close()
			return nil
		case err := <-acceptErrs:
			ln.Close()
			return err
		case ev := <-e.events:
			e.handleBackendEvent(ev)
		case cmd := <-e.commands:
			e.Router.Route(cmd.client, cmd.argv)
		case client := <-e.newClients:
			e.clients[client.ID] = client
		case g := <-e.gone:
			e.handleClientGone(g)
		case <-ticker.C:
			if e.Maintain != nil {
				e.Maintain.RequestRefresh()
			}
			e.reconnectDueLinks(time.Now())
		}
		e.beforeSleep(time.Now())
	}
}

// Stop asks the engine to shut down and waits for Run to return.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

func (e *Engine) reconnectDueLinks(now time.Time) {
	for _, inst := range e.Registry.All() {
		for idx := range inst.Pool {
			inst.MaybeReconnect(idx, now)
		}
	}
}

func (e *Engine) handleBackendEvent(ev backend.Event) {
	switch ev.Kind {
	case backend.EventReply:
		fn, data, ok := ev.Link.PopCallback()
		if ok {
			fn(ev.Reply, data)
		}
		// The FIFO may have just drained to zero: if the link is
		// waiting on CLOSE_LAZY, this is the moment to finish freeing
		// it, since nothing else re-checks that condition.
		if ev.Link.CloseLazy() && ev.Link.PendingCount() == 0 {
			ev.Link.Close()
		}
	case backend.EventLinkError:
		for _, d := range ev.Link.EnterError(ev.Err) {
			d.Invoke()
		}
		if e.Log != nil {
			e.Log.Warnw("backend link error", "link", ev.Link.String(), "error", ev.Err)
		}
	case backend.EventConnected:
		if e.Log != nil {
			e.Log.Debugw("backend link connected", "link", ev.Link.String())
		}
	}
}

// handleClientGone detaches a departed client from its outstanding
// commands and, for a protocol error, writes the error reply itself
// before closing: the reader goroutine that detected the error never
// writes to the connection directly, so this is the only writer left
// once the client is gone.
func (e *Engine) handleClientGone(g clientGone) {
	client, ok := e.clients[g.id]
	if !ok {
		return
	}
	client.Close()
	delete(e.clients, g.id)
	if g.errReply != nil && client.Conn != nil {
		client.Conn.Write(g.errReply.Bytes())
	}
	if client.Conn != nil {
		client.Conn.Close()
	}
}

// acceptLoop accepts connections and spawns one reader goroutine per
// connection; it never touches engine state directly, only the
// channels Run selects on.
func (e *Engine) acceptLoop(ln net.Listener, errs chan<- error) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			errs <- err
			return
		}
		id := e.allocateClientID()
		client := router.NewClient(id, conn)
		e.newClients <- client
		go e.serveClient(client)
	}
}

// serveClient owns conn's read side for its whole lifetime, parsing
// one inbound command at a time and handing each to the engine
// goroutine. It never writes to conn itself; replies are written by
// the engine goroutine via Client.Flush.
func (e *Engine) serveClient(client *router.Client) {
	parser := parse.NewParser()
	buf := make([]byte, 0, 4096)
	pos := 0
	readBuf := make([]byte, 4096)

	var errReply *parse.Reply
	defer func() { e.gone <- clientGone{id: client.ID, errReply: errReply} }()

	for {
		for {
			reply, newPos, perr := parser.Parse(buf, pos)
			if perr != nil {
				errReply = parse.NewError([]byte("ERR Protocol error: " + perr.Error()))
				return
			}
			pos = newPos
			if reply == nil {
				break
			}
			argv, ok := commandArgv(reply)
			if !ok {
				errReply = parse.NewError([]byte("ERR Protocol error: expected array of bulk strings"))
				return
			}
			if len(argv) > 0 {
				e.commands <- inboundCommand{client: client, argv: argv}
			}
		}
		if pos > 1024 {
			buf = append(buf[:0], buf[pos:]...)
			pos = 0
		}
		n, err := client.Conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
		}
		if err != nil {
			return
		}
	}
}

// commandArgv converts a parsed top-level reply into a command's argv,
// requiring the multibulk-array-of-bulk-strings shape every real RESP
// client sends its requests in.
func commandArgv(reply *parse.Reply) ([][]byte, bool) {
	if reply.Type != parse.TypeArray {
		return nil, false
	}
	argv := make([][]byte, len(reply.Array))
	for i, item := range reply.Array {
		if item.Type != parse.TypeString {
			return nil, false
		}
		argv[i] = item.Str
	}
	return argv, true
}

// Package proxyserver wires the routing layer to real sockets: it
// owns the one goroutine that is the single reader and writer of
// every piece of shared state (the registry, the slot table, every
// client's request list, every link's callback FIFO), with client
// I/O and backend I/O running on their own goroutines that only ever
// talk to it through channels.
package proxyserver

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luit-rcp/rcp/backend"
	"github.com/luit-rcp/rcp/cluster"
	"github.com/luit-rcp/rcp/parse"
	"github.com/luit-rcp/rcp/router"
)

// inboundCommand is one fully parsed client request handed from a
// client's reader goroutine to the engine goroutine.
type inboundCommand struct {
	client *router.Client
	argv   [][]byte
}

// clientGone is sent by a client's reader goroutine when its
// connection is closed or errors, so the engine goroutine can detach
// the client from its outstanding commands and drop it from the
// registry of live clients.
type clientGone struct {
	id       uint64
	errReply *parse.Reply // non-nil only on a protocol error, written before closing
}

// Engine is the proxy's event loop. Every field it touches after
// Run starts is touched only from the goroutine running Run; callers
// reach it exclusively through the channels below or through Stop.
type Engine struct {
	Registry *backend.Registry
	Slots    *cluster.SlotTable
	Maintain *cluster.Maintainer
	Router   *router.Router
	Log      *zap.SugaredLogger

	// MaintenanceTick controls how often the engine requests a
	// topology refresh opportunity; the maintainer's own minInterval
	// still rate-limits how often a CLUSTER NODES actually goes out.
	MaintenanceTick time.Duration

	events     chan backend.Event
	commands   chan inboundCommand
	newClients chan *router.Client
	gone       chan clientGone
	stop       chan struct{}
	done       chan struct{}

	clients      map[uint64]*router.Client
	nextClientID uint64
}

// NewEngine builds an Engine around already-constructed routing
// state. events must be the same channel passed to every
// backend.Instance the registry and maintainer create, since it is
// the engine's only source of backend-originated events.
func NewEngine(reg *backend.Registry, slots *cluster.SlotTable, maintain *cluster.Maintainer, r *router.Router, events chan backend.Event, log *zap.SugaredLogger) *Engine {
	return &Engine{
		Registry:        reg,
		Slots:           slots,
		Maintain:        maintain,
		Router:          r,
		Log:             log,
		MaintenanceTick: 200 * time.Millisecond,
		events:          events,
		commands:        make(chan inboundCommand, 256),
		newClients:      make(chan *router.Client, 64),
		gone:            make(chan clientGone, 64),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		clients:         make(map[uint64]*router.Client),
	}
}

// allocateClientID hands out a unique id for a newly accepted
// connection. It is safe to call from the accept goroutine: it only
// touches an atomic counter, never the clients map itself.
func (e *Engine) allocateClientID() uint64 {
	return atomic.AddUint64(&e.nextClientID, 1)
}

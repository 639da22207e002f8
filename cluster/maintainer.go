package cluster

import (
	"math/rand"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luit-rcp/rcp/backend"
	"github.com/luit-rcp/rcp/parse"
)

// Maintainer periodically asks one backend for
// CLUSTER NODES, rebuilds the slot table from the reply, and evicts
// orphan instances. It never leaves the slot table in an inconsistent
// state — updates are applied in place, slot by slot, and every slot
// already has some owner thanks to Bootstrap.
type Maintainer struct {
	Registry *backend.Registry
	Slots    *SlotTable
	Rng      *rand.Rand
	Log      *zap.SugaredLogger

	// DefaultPoolSize and ReconnectPeriod are used when the refresh
	// discovers a node address with no existing Instance.
	DefaultPoolSize int
	ReconnectPeriod time.Duration
	Events          chan<- backend.Event

	minInterval time.Duration
	lastRefresh time.Time
	due         bool
}

func NewMaintainer(reg *backend.Registry, slots *SlotTable, minInterval time.Duration, defaultPoolSize int, reconnectPeriod time.Duration, events chan<- backend.Event, log *zap.SugaredLogger) *Maintainer {
	return &Maintainer{
		Registry:        reg,
		Slots:           slots,
		Rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		Log:             log,
		DefaultPoolSize: defaultPoolSize,
		ReconnectPeriod: reconnectPeriod,
		Events:          events,
		minInterval:     minInterval,
	}
}

// RequestRefresh sets the flag consumed by MaybeRefresh:
// called once per scheduling tick, whenever a MOVED redirection is
// observed, and after PROXY ROUTER adds a node.
func (m *Maintainer) RequestRefresh() { m.due = true }

// MaybeRefresh is called from the before-sleep hook. It applies
// the update_slots_min_limit rate limit and, if a refresh is both
// requested and due, issues CLUSTER NODES on a randomly chosen
// instance.
func (m *Maintainer) MaybeRefresh(now time.Time) {
	if !m.due {
		return
	}
	if !m.lastRefresh.IsZero() && now.Sub(m.lastRefresh) < m.minInterval {
		return
	}
	m.due = false
	m.lastRefresh = now
	m.issueRefresh()
}

func (m *Maintainer) issueRefresh() {
	all := m.Registry.All()
	if len(all) == 0 {
		return
	}
	inst := all[m.Rng.Intn(len(all))]
	link := inst.Pool[m.Rng.Intn(len(inst.Pool))]
	if link.State() != backend.StateConnected {
		return
	}
	link.Submit(parse.EncodeCommandStrings(nil, "CLUSTER", "NODES"), m.onReply, nil)
}

func (m *Maintainer) onReply(reply *parse.Reply, _ interface{}) {
	if reply == nil {
		return
	}
	if reply.IsError() {
		if m.Log != nil {
			m.Log.Warnw("CLUSTER NODES refresh failed, will retry next tick", "error", reply.ErrorString())
		}
		return
	}
	if reply.Type != parse.TypeString {
		if m.Log != nil {
			m.Log.Warnw("CLUSTER NODES refresh got unexpected reply type")
		}
		return
	}
	if err := m.Apply(string(reply.Str)); err != nil && m.Log != nil {
		m.Log.Warnw("CLUSTER NODES refresh had per-line errors", "error", err)
	}
	for _, addr := range m.Registry.EvictOrphans() {
		if m.Log != nil {
			m.Log.Infow("evicted orphan instance", "addr", addr)
		}
	}
}

// Apply parses a CLUSTER NODES bulk reply and rebuilds the slot table
// in place. Per-line problems are accumulated with
// multierr rather than aborting the whole refresh, mirroring "failures
// of the refresh are logged and retried on the next scheduling tick"
// while still applying whatever lines did parse cleanly.
func (m *Maintainer) Apply(text string) error {
	var errs error
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := m.applyLine(line); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (m *Maintainer) applyLine(line string) error {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil
	}
	id := fields[0]
	if len(id) != 40 {
		return nil
	}
	flags := fields[2]
	if strings.Contains(flags, "slave") {
		return nil
	}
	addrField := fields[1]
	if at := strings.IndexByte(addrField, '@'); at >= 0 {
		addrField = addrField[:at]
	}
	host, portStr, err := splitHostPort(addrField)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	inst, err := m.getOrCreateInstance(host, port)
	if err != nil {
		return err
	}
	for _, tok := range fields[8:] {
		if strings.HasPrefix(tok, "[") {
			// migration notation ([slot->node] / [slot-<node]); skip.
			continue
		}
		start, end, ok := parseSlotToken(tok)
		if !ok {
			continue
		}
		m.Slots.SetRange(start, end, inst)
	}
	return nil
}

func splitHostPort(addr string) (string, string, error) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return "", "", errBadAddr(addr)
	}
	return addr[:i], addr[i+1:], nil
}

type errBadAddr string

func (e errBadAddr) Error() string { return "cluster: bad node address " + string(e) }

func parseSlotToken(tok string) (start, end int, ok bool) {
	if dash := strings.IndexByte(tok, '-'); dash > 0 {
		s, err1 := strconv.Atoi(tok[:dash])
		e, err2 := strconv.Atoi(tok[dash+1:])
		if err1 != nil || err2 != nil {
			return 0, 0, false
		}
		return s, e, true
	}
	s, err := strconv.Atoi(tok)
	if err != nil {
		return 0, 0, false
	}
	return s, s, true
}

func (m *Maintainer) getOrCreateInstance(host string, port int) (*backend.Instance, error) {
	addr, err := backend.ResolveAddr(host, port)
	if err != nil {
		return nil, err
	}
	if inst, ok := m.Registry.Get(addr); ok {
		return inst, nil
	}
	inst, err := backend.NewInstance(host, port, "", m.DefaultPoolSize, m.ReconnectPeriod, m.Events)
	if err != nil {
		return nil, err
	}
	if err := m.Registry.Put(inst); err != nil {
		return nil, err
	}
	return inst, nil
}

package proxyserver

import "time"

// beforeSleep runs the deferred housekeeping the event loop defers
// to the end of each iteration rather than doing inline: give the
// maintainer a chance to issue a refresh, then drain every link with
// buffered-but-unwritten bytes. It is called from the engine
// goroutine only, right after handling whatever woke the loop up.
func (e *Engine) beforeSleep(now time.Time) {
	if e.Maintain != nil {
		e.Maintain.MaybeRefresh(now)
	}
	e.drainPendingWrites()
}

// drainPendingWrites flushes every link across every registered
// instance that has buffered bytes queued but not yet written. A
// link's Flush is a no-op if nothing is pending, so sweeping the
// whole registry every iteration is cheap relative to a syscall per
// link that actually has something to send.
func (e *Engine) drainPendingWrites() {
	for _, inst := range e.Registry.All() {
		for _, link := range inst.Pool {
			if !link.PendingWrite() {
				continue
			}
			if err := link.Flush(); err != nil && e.Log != nil {
				e.Log.Warnw("link flush failed", "addr", inst.Addr, "error", err)
			}
		}
	}
}

package main

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// counter is a monotonically increasing tally safe for concurrent use from
// every session goroutine, read back by the admin API and the metrics loop.
type counter struct {
	n int64
}

func (c *counter) add(delta int64) { atomic.AddInt64(&c.n, delta) }
func (c *counter) value() int64    { return atomic.LoadInt64(&c.n) }

// RunMetrics logs a one-line summary every interval until ctx is canceled.
func RunMetrics(ctx context.Context, deps *Deps, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastRouted int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			routed := deps.MsgRouted.value()
			delta := routed - lastRouted
			lastRouted = routed

			clients := deps.Clients.Count()
			authed := deps.Clients.AuthenticatedCount()
			rooms := deps.Rooms.Count()
			if clients > 0 || delta > 0 {
				log.Printf("[metrics] clients=%d authenticated=%d rooms=%d messages=%s (+%s since last tick) parseErrors=%s",
					clients, authed, rooms,
					humanize.Comma(routed), humanize.Comma(delta), humanize.Comma(deps.ParseErrors.value()))
			}
		}
	}
}

package pva

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pvalab/pva/pva_errors"
	"github.com/pvalab/pva/pvdata"
)

// Discovered describes one server that answered a discovery search.
type Discovered struct {
	GUID   [12]byte
	Server string // host:port of the server's TCP endpoint
	Proto  string
	Peer   string // source address of the UDP reply
}

// discovery is the degenerate operation behind Context.Discover: no
// IOID, no state machine beyond running/stopped. Registration starts the
// context's discover tick; removal of the last discoverer lets the tick
// die on its own.
type discovery struct {
	ctx     *Context
	notify  func(Discovered)
	running bool
}

func (d *discovery) deliver(ev Discovered) {
	cb := d.notify
	if cb == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			d.ctx.log.Error("error in discover callback", "panic", p)
		}
	}()
	cb(ev)
}

// cancel removes d from the context's set. Loop only.
func (d *discovery) cancel() bool {
	active := d.running
	if active {
		delete(d.ctx.discoverers, d)
		d.ctx.discoverersN.Add(-1)
		d.running = false
	}
	return active
}

// onDiscoverTick ages the discovery interval (bounded) and emits a
// discovery search. The tick stops rescheduling itself once the last
// discoverer is gone.
func (c *Context) onDiscoverTick() {
	if len(c.discoverers) == 0 {
		return
	}

	if c.discoverAge < maxDiscoverAge {
		c.discoverAge++
	}

	// a registration racing a stale armed tick must not fork the chain
	if c.discoverTimer != nil {
		c.discoverTimer.Stop()
	}
	c.discoverTimer = c.loop.ScheduleAfter(c.discoverInterval(), c.onDiscoverTick)

	c.tickSearch(true)
}

func (c *Context) discoverInterval() time.Duration {
	return time.Duration(c.discoverAge) * c.bucketTick
}

type discoverHandle struct {
	d          *discovery
	syncCancel bool
	released   atomic.Bool
}

func (h *discoverHandle) Name() string { return "" }

func (h *discoverHandle) Cancel() bool {
	var junk func(Discovered)
	var ret bool
	err := h.d.ctx.loop.Call(func() {
		ret = h.d.cancel()
		junk, h.d.notify = h.d.notify, nil
	})
	_ = junk // released here, outside the worker
	if err != nil {
		return false
	}
	return ret
}

func (h *discoverHandle) Wait(context.Context) (*pvdata.Value, error) {
	return nil, pva_errors.ErrNoWaiter
}

func (h *discoverHandle) Close() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	d := h.d
	d.ctx.loop.Invoke(h.syncCancel, func() { d.cancel() })
}

// DiscoverBuilder registers a callback invoked on the worker for every
// server answering a discovery search.
type DiscoverBuilder struct {
	ctx        *Context
	fn         func(Discovered)
	syncCancel bool
}

// Discover begins building a discovery operation.
func (c *Context) Discover(fn func(Discovered)) *DiscoverBuilder {
	return &DiscoverBuilder{ctx: c, fn: fn}
}

// SyncCancel selects whether releasing the handle blocks until the
// callback can no longer run.
func (b *DiscoverBuilder) SyncCancel(sync bool) *DiscoverBuilder {
	b.syncCancel = sync
	return b
}

func (b *DiscoverBuilder) Exec() (Operation, error) {
	if b.ctx == nil {
		return nil, pva_errors.ErrNilContext
	}
	if b.fn == nil {
		return nil, pva_errors.ErrCallbackRequired
	}
	if b.ctx.closed.Load() {
		return nil, pva_errors.ErrContextClosed
	}

	c := b.ctx
	d := &discovery{ctx: c, notify: b.fn}

	if !c.loop.Dispatch(func() {
		first := len(c.discoverers) == 0

		c.discoverers[d] = struct{}{}
		c.discoverersN.Add(1)
		d.running = true

		if first {
			c.log.Debug("starting discover")
			c.discoverAge = 0
			c.onDiscoverTick()
		}
	}) {
		return nil, pva_errors.ErrContextClosed
	}

	return &discoverHandle{d: d, syncCancel: b.syncCancel}, nil
}

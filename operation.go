package pva

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pvalab/pva/protocol"
	"github.com/pvalab/pva/pva_errors"
	"github.com/pvalab/pva/pvdata"
)

// OpKind identifies an operation; GET/PUT/RPC values double as the wire
// command byte. Discover piggybacks on the search transport.
type OpKind uint8

const (
	OpGet      = OpKind(protocol.CmdGet)
	OpPut      = OpKind(protocol.CmdPut)
	OpRPC      = OpKind(protocol.CmdRPC)
	OpDiscover = OpKind(protocol.CmdSearch)
)

func (k OpKind) String() string {
	switch k {
	case OpGet:
		return "GET"
	case OpPut:
		return "PUT"
	case OpRPC:
		return "RPC"
	case OpDiscover:
		return "DISCOVER"
	default:
		return fmt.Sprintf("op%02x", uint8(k))
	}
}

type opState uint8

const (
	// opConnecting: queued on the channel's pending list, no IOID yet.
	opConnecting opState = iota
	// opCreating: INIT sent, awaiting the reply carrying the prototype.
	opCreating
	// opGetOPut: PUT only, GET subcommand sent to fetch the current value.
	opGetOPut
	// opBuildPut: transient, the builder runs synchronously in this state.
	opBuildPut
	// opExec: execution subcommand sent, awaiting the final reply.
	opExec
	// opDone: terminal, result set, IOID released.
	opDone
)

func (s opState) String() string {
	switch s {
	case opConnecting:
		return "Connecting"
	case opCreating:
		return "Creating"
	case opGetOPut:
		return "GetOPut"
	case opBuildPut:
		return "BuildPut"
	case opExec:
		return "Exec"
	case opDone:
		return "Done"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Operation is the user-held handle to an in-flight GET/PUT/RPC or a
// running discovery. All methods are callable from any goroutine.
type Operation interface {
	// Name is the PV name the operation addresses.
	Name() string
	// Cancel tears the operation down on the worker, returning whether it
	// was still live. After Cancel returns, no callback will fire.
	Cancel() bool
	// Wait blocks for the terminal result. Only valid when the operation
	// was built without a custom Result callback.
	Wait(ctx context.Context) (*pvdata.Value, error)
	// Close releases the handle; a still-live operation is implicitly
	// cancelled on the worker. Off the worker Close waits for that cancel
	// to run; from a worker callback it is queued instead.
	Close()
}

// gprOp is the shared state machine behind GET, PUT and RPC. Every field
// is owned by the worker loop; the handle crosses in via Dispatch/Call.
type gprOp struct {
	kind OpKind
	chn  *Channel
	ioid uint32

	state opState

	pvRequest *pvdata.Value
	builder   func(*pvdata.Value) (*pvdata.Value, error)
	rpcArg    *pvdata.Value
	onInit    func(*pvdata.Value) error
	done      func(Result)
	getOput   bool

	result Result
	waiter *resultWaiter
}

func newGPROp(kind OpKind, chn *Channel) *gprOp {
	return &gprOp{kind: kind, chn: chn, state: opConnecting}
}

// setDone installs the completion callbacks. Without an explicit done
// callback the result is routed to a waiter for Operation.Wait.
func (o *gprOp) setDone(donecb func(Result), initcb func(*pvdata.Value) error) {
	o.onInit = initcb
	if donecb != nil {
		o.done = donecb
		return
	}
	waiter := newResultWaiter()
	o.waiter = waiter
	o.done = func(r Result) {
		waiter.complete(r, false)
	}
}

// notify delivers the result exactly once. A panicking callback is
// contained; if the result was not already an error the panic becomes
// the operation's error so a later observer sees it.
func (o *gprOp) notify() {
	cb := o.done
	o.done = nil
	if cb == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			o.chn.ctx.log.Error("error in result callback",
				"channel", o.chn.name, "kind", o.kind, "panic", p)
			if o.result.err == nil {
				o.result = Result{err: fmt.Errorf("pva: result callback panic: %v", p)}
			}
		}
	}()
	cb(o.result)
}

// markDone is the single terminal edge; reports whether this call
// performed the transition.
func (o *gprOp) markDone() bool {
	if o.state == opDone {
		return false
	}
	o.state = opDone
	o.chn.ctx.opsActive.Add(-1)
	o.chn.ctx.opsCompleted.Add(1)
	return true
}

// createOp issues the IOID's INIT request once the channel is active.
func (o *gprOp) createOp() {
	if o.state != opConnecting {
		return
	}

	conn := o.chn.conn

	w := conn.txBody()
	w.PutU32(o.chn.sid)
	w.PutU32(o.ioid)
	w.PutU8(protocol.SubInit)
	pvdata.WriteFull(w, conn.txRegistry, o.pvRequest)
	conn.enqueueTxBody(uint8(o.kind))

	o.chn.ctx.log.Debug("operation INIT",
		"peer", conn.peerName, "channel", o.chn.name, "kind", o.kind, "ioid", o.ioid)

	o.state = opCreating
}

// disconnected applies the state-dependent retry/fail policy when the
// underlying connection is lost. Writes are never silently retried: an
// executed PUT/RPC fails, everything earlier re-queues.
func (o *gprOp) disconnected() {
	switch {
	case o.state == opConnecting || o.state == opDone:
		// noop

	case o.state == opCreating || o.state == opGetOPut || (o.state == opExec && o.kind == OpGet):
		// return to pending
		o.chn.pending = append(o.chn.pending, o)
		o.state = opConnecting

	case o.state == opExec:
		// can't restart as server side-effects may occur
		o.result = Result{err: &Disconnected{When: time.Now()}}
		o.markDone()
		o.notify()

	default:
		o.result = Result{err: errors.New("pva: disconnect in unexpected operation state")}
		o.markDone()
		o.notify()
	}
}

// cancel tears down on the worker. Explicit cancel arrives via the
// handle; implicit cancel comes from releasing the handle before Done.
func (o *gprOp) cancel(implicit bool) bool {
	if implicit && o.state != opDone {
		o.chn.ctx.log.Warn("implied cancel of operation",
			"kind", o.kind, "channel", o.chn.name)
	}
	if o.state == opGetOPut || o.state == opExec {
		o.chn.conn.sendDestroyRequest(o.chn.sid, o.ioid)
	}
	if o.state == opCreating || o.state == opGetOPut || o.state == opExec {
		// This opens up a race with an in-flight reply: the reply then
		// misses the registry and is dropped as stale.
		if o.chn.conn != nil {
			delete(o.chn.conn.opByIOID, o.ioid)
		}
		delete(o.chn.opByIOID, o.ioid)
	}
	return o.markDone()
}

// opHandle is the user-facing side of a gprOp.
type opHandle struct {
	op       *gprOp
	released atomic.Bool
}

func newOpHandle(op *gprOp) *opHandle {
	return &opHandle{op: op}
}

func (h *opHandle) Name() string { return h.op.chn.name }

func (h *opHandle) Cancel() bool {
	loop := h.op.chn.ctx.loop
	var junkDone func(Result)
	var junkInit func(*pvdata.Value) error
	var ret bool
	err := loop.Call(func() {
		ret = h.op.cancel(false)
		junkDone, h.op.done = h.op.done, nil
		junkInit, h.op.onInit = h.op.onInit, nil
	})
	// callbacks release here, outside the worker
	_, _ = junkDone, junkInit
	if err != nil {
		return false
	}
	return ret
}

func (h *opHandle) Wait(ctx context.Context) (*pvdata.Value, error) {
	if h.op.waiter == nil {
		return nil, pva_errors.ErrNoWaiter
	}
	r, err := h.op.waiter.wait(ctx)
	if err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.val, nil
}

func (h *opHandle) Close() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	op := h.op
	loop := op.chn.ctx.loop
	fn := func() { op.cancel(true) }
	if !loop.TryCall(fn) {
		loop.Dispatch(fn)
	}
	if op.waiter != nil {
		op.waiter.complete(Result{}, true)
	}
}

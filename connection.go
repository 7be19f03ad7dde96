package pva

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pvalab/pva/protocol"
	"github.com/pvalab/pva/pvdata"
	"github.com/pvalab/pva/utils"
)

const (
	firstIOID = 0x10002000

	echoInterval = 30 * time.Second
	txQueueLimit = 1 << 22
)

// RequestInfo is the registry entry for one live IOID. The op pointer is
// non-owning: the channel's opByIOID table is the owning side, and an
// entry whose ioid is gone from the channel is treated as stale.
type RequestInfo struct {
	sid, ioid uint32
	kind      OpKind
	op        *gprOp

	// type delivered at INIT; data replies decode against a CloneEmpty
	// of it, and for a PUT it carries the value to be written at Exec
	prototype *pvdata.Value
}

// Connection owns one TCP link to a server: the IOID registry, the rx/tx
// type registries, the shared send body buffer and the outbound frame
// queue the transport writer feeds from. All mutable state is worker
// loop owned; Feed/Drain/Close implement the transport handler contract
// and are the only methods safe off-loop.
type Connection struct {
	ctx      *Context
	name     string // transport pool name
	peerName string // host:port

	ready   bool
	closed  bool
	cleaned bool

	// channels to be created on this connection (state == chanConnecting)
	pendingChans  []*Channel
	creatingByCID map[uint32]*Channel
	chanBySID     map[uint32]*Channel

	// entries always have a matching entry in a Channel.opByIOID
	opByIOID map[uint32]*RequestInfo
	nextIOID uint32

	rxRegistry *pvdata.Registry
	txRegistry *pvdata.Registry

	scratch *protocol.WriteBuf
	txq     *utils.TxQueue[protocol.Records]

	echoTimer *time.Timer
}

func newConnection(ctx *Context, name, peerAddr string) *Connection {
	return &Connection{
		ctx:           ctx,
		name:          name,
		peerName:      peerAddr,
		creatingByCID: make(map[uint32]*Channel),
		chanBySID:     make(map[uint32]*Channel),
		opByIOID:      make(map[uint32]*RequestInfo),
		nextIOID:      firstIOID,
		rxRegistry:    pvdata.NewRegistry(),
		txRegistry:    pvdata.NewRegistry(),
		scratch:       protocol.NewWriteBuf(false),
		txq:           utils.NewTxQueue[protocol.Records](txQueueLimit),
	}
}

// Feed hands queued outbound frames to the transport writer.
func (cn *Connection) Feed(ctx context.Context) (protocol.Records, error) {
	return cn.txq.Feed(ctx)
}

// Drain receives whole inbound frames from the transport reader and
// crosses them onto the worker loop, preserving arrival order.
func (cn *Connection) Drain(_ context.Context, recs protocol.Records) error {
	if !cn.ctx.loop.Dispatch(func() {
		for _, frame := range recs {
			cn.handleFrame(frame)
		}
	}) {
		return utils.ErrLoopClosed
	}
	return nil
}

func (cn *Connection) Close() error {
	return cn.txq.Close()
}

// onConnected runs on the loop once the transport reports the link up.
func (cn *Connection) onConnected() {
	if cn.closed {
		return
	}
	cn.ready = true
	cn.ctx.connsLive.Add(1)
	cn.echoTimer = cn.ctx.loop.ScheduleAfter(echoInterval, cn.tickEcho)
	cn.createChannels()
}

func (cn *Connection) tickEcho() {
	if cn.closed {
		return
	}
	cn.txBody()
	cn.enqueueTxBody(protocol.CmdEcho)
	cn.echoTimer = cn.ctx.loop.ScheduleAfter(echoInterval, cn.tickEcho)
}

// txBody resets and returns the shared send body buffer. Every frame
// assembly must start here; the previous body is gone afterwards.
func (cn *Connection) txBody() *protocol.WriteBuf {
	cn.scratch.Reset()
	return cn.scratch
}

// enqueueTxBody commits the scratch body as one frame with the given
// application command. A full queue means the peer stopped reading;
// the connection is poisoned rather than blocking the worker.
func (cn *Connection) enqueueTxBody(cmd uint8) {
	frame := protocol.AppendFrame(nil, cn.scratch.BigEndian(), cmd, cn.scratch.Bytes())
	if err := cn.txq.Drain(context.Background(), protocol.Records{frame}); err != nil {
		if errors.Is(err, utils.ErrQueueOverflow) {
			cn.poison("tx queue overflow")
		}
	}
}

func (cn *Connection) sendDestroyRequest(sid, ioid uint32) {
	w := cn.txBody()
	w.PutU32(sid)
	w.PutU32(ioid)
	cn.enqueueTxBody(protocol.CmdDestroyRequest)
}

// registerOp allocates an IOID unique for the life of the connection and
// registers the non-owning side of the duality.
func (cn *Connection) registerOp(ch *Channel, op *gprOp) uint32 {
	ioid := cn.nextIOID
	for {
		if _, busy := cn.opByIOID[ioid]; !busy {
			break
		}
		ioid++
	}
	cn.nextIOID = ioid + 1
	cn.opByIOID[ioid] = &RequestInfo{sid: ch.sid, ioid: ioid, kind: op.kind, op: op}
	return ioid
}

// createChannels sends CREATE_CHANNEL for every pending channel.
func (cn *Connection) createChannels() {
	if !cn.ready {
		return
	}

	todo := cn.pendingChans
	cn.pendingChans = nil

	for _, ch := range todo {
		if ch.state != chanConnecting {
			continue
		}
		w := cn.txBody()
		w.PutU16(1)
		w.PutU32(ch.cid)
		w.PutString(ch.name)
		cn.enqueueTxBody(protocol.CmdCreateChannel)

		ch.state = chanCreating
		cn.creatingByCID[ch.cid] = ch

		cn.ctx.log.Debug("channel create", "peer", cn.peerName, "channel", ch.name, "cid", ch.cid)
	}
}

// handleFrame processes one inbound frame on the loop.
func (cn *Connection) handleFrame(frame []byte) {
	if cn.closed {
		return
	}
	hdr, body, err := protocol.DecodeFrame(frame)
	if err != nil {
		cn.poison("bad frame header")
		return
	}

	switch hdr.Cmd {
	case protocol.CmdCreateChannel:
		cn.handleCreateChannel(hdr, body)
	case protocol.CmdDestroyChannel:
		cn.handleDestroyChannel(hdr, body)
	case protocol.CmdGet, protocol.CmdPut, protocol.CmdRPC:
		cn.handleGPR(hdr, body)
	case protocol.CmdEcho:
		// keepalive, nothing to do
	case protocol.CmdMessage:
		cn.handleMessage(hdr, body)
	default:
		cn.ctx.log.Debug("ignoring unexpected command", "peer", cn.peerName, "cmd", hdr.Cmd)
	}
}

func (cn *Connection) handleCreateChannel(hdr protocol.Header, body []byte) {
	r := protocol.NewReadBuf(hdr.BigEndian(), body)
	cid := r.GetU32()
	sid := r.GetU32()
	sts := protocol.GetStatus(r)
	if !r.Good() {
		cn.poison("malformed CREATE_CHANNEL reply")
		return
	}

	ch, ok := cn.creatingByCID[cid]
	if !ok {
		cn.ctx.log.Debug("CREATE_CHANNEL reply for unknown cid", "peer", cn.peerName, "cid", cid)
		return
	}
	delete(cn.creatingByCID, cid)

	if !sts.IsSuccess() {
		cn.ctx.log.Error("server refuses channel", "peer", cn.peerName, "channel", ch.name, "status", sts.Msg)
		ch.disconnect()
		return
	}

	ch.sid = sid
	ch.state = chanActive
	cn.chanBySID[sid] = ch

	cn.ctx.log.Debug("channel active", "peer", cn.peerName, "channel", ch.name, "sid", sid)

	ch.createOperations()
}

func (cn *Connection) handleDestroyChannel(hdr protocol.Header, body []byte) {
	r := protocol.NewReadBuf(hdr.BigEndian(), body)
	sid := r.GetU32()
	r.GetU32() // cid
	if !r.Good() {
		cn.poison("malformed DESTROY_CHANNEL")
		return
	}
	ch, ok := cn.chanBySID[sid]
	if !ok {
		return
	}
	delete(cn.chanBySID, sid)
	cn.detachChannel(ch)
}

func (cn *Connection) handleMessage(hdr protocol.Header, body []byte) {
	r := protocol.NewReadBuf(hdr.BigEndian(), body)
	ioid := r.GetU32()
	mtype := r.GetU8()
	msg := r.GetString()
	if !r.Good() {
		return
	}
	cn.ctx.log.Info("server message", "peer", cn.peerName, "ioid", ioid, "type", mtype, "msg", msg)
}

// handleGPR is the shared reply handler for GET, PUT and RPC. The
// subcommand bits and the recorded operation kind are cross-checked
// against the operation's state; any inconsistency poisons the whole
// connection since the codec stream can no longer be trusted.
func (cn *Connection) handleGPR(hdr protocol.Header, body []byte) {
	cmd := hdr.Cmd
	m := protocol.NewReadBuf(hdr.BigEndian(), body)

	ioid := m.GetU32()
	subcmd := m.GetU8()
	sts := protocol.GetStatus(m)
	init := subcmd&protocol.SubInit != 0
	get := subcmd&protocol.SubGet != 0

	var data *pvdata.Value // prototype (INIT) or reply data (GET/RPC)

	// immediately deserialize in unambiguous cases

	if m.Good() && cmd != protocol.CmdRPC && init && sts.IsSuccess() {
		// INIT of PUT or GET, decode type description
		if td := pvdata.ReadType(m, cn.rxRegistry); m.Good() && td != nil {
			data = pvdata.New(td)
		}
	} else if m.Good() && cmd == protocol.CmdRPC && !init && sts.IsSuccess() {
		// RPC reply
		data = pvdata.ReadFull(m, cn.rxRegistry)
	}

	// need type info from the INIT reply to decode PUT/GET

	var info *RequestInfo
	if m.Good() {
		var ok bool
		info, ok = cn.opByIOID[ioid]
		if !ok {
			if cmd != protocol.CmdRPC && !init {
				// We don't have enough information to decode the rest of
				// the payload. This *may* leave rxRegistry out of sync.
				// Failing soft here can break decoding of future replies.
				cn.ctx.log.Error("server uses non-existent ioid", "peer", cn.peerName, "ioid", ioid)
				if cn.ctx.strictIOID {
					cn.poison("unknown ioid on data reply")
				}
			} else {
				cn.ctx.log.Debug("server uses non-existent ioid", "peer", cn.peerName, "ioid", ioid)
			}
			return
		}

		if cmd != protocol.CmdRPC && init && sts.IsSuccess() {
			// INIT of PUT or GET, store type description
			info.prototype = data

		} else if !init && (cmd == protocol.CmdGet || (cmd == protocol.CmdPut && get)) && sts.IsSuccess() {
			// GET reply
			data = info.prototype.CloneEmpty()
			if data != nil {
				pvdata.ReadValid(m, data)
			}
		}
	}

	// validate received message against operation state

	var op *gprOp
	if m.Good() && info != nil {
		cand := info.op
		if _, live := cand.chn.opByIOID[ioid]; !live {
			// assume the op already sent CMD_DESTROY_REQUEST
			cn.ctx.log.Debug("ignoring stale reply", "peer", cn.peerName, "cmd", cmd, "ioid", ioid)
			return
		}

		if uint8(cand.kind) != cmd {
			// peer mixes up IOID and operation type
			m.Fault()

		} else {
			switch {
			case cand.state == opCreating && init:
			case cand.state == opGetOPut && !init && get:
			case cand.state == opExec && !init && !get:
			default:
				m.Fault()
			}
			if m.Good() {
				op = cand
			}
		}
	}

	if !m.Good() || op == nil {
		file, line := m.At()
		cn.ctx.log.Error("server sends invalid reply, disconnecting",
			"peer", cn.peerName, "cmd", cmd, "file", file, "line", line)
		cn.poison("protocol violation")
		return
	}

	// advance operation state

	prev := op.state

	switch {
	case !sts.IsSuccess():
		op.result = Result{err: &RemoteError{Msg: sts.Msg}}
		op.markDone()

	case op.state == opCreating:
		if op.onInit != nil {
			cb := op.onInit
			op.onInit = nil
			if err := runOnInit(cb, data); err != nil {
				op.result = Result{err: err}
				op.markDone()
			}
		}
		if op.state != opDone {
			switch {
			case cmd == protocol.CmdPut && op.getOput:
				op.state = opGetOPut
			case cmd == protocol.CmdPut:
				op.state = opBuildPut
			default:
				op.state = opExec
			}
		}

	case op.state == opGetOPut:
		op.state = opBuildPut
		// the builder must see the current server state
		info.prototype = data

	case op.state == opExec:
		// data always empty for CMD_PUT
		op.result = Result{val: data, peer: cn.peerName}
		op.markDone()

	default:
		// should be unreachable after the validity check above
		cn.ctx.log.Error("operation state advance inconsistent", "peer", cn.peerName, "state", op.state)
		cn.poison("state advance inconsistent")
		return
	}

	// transient state: the builder callback is synchronous
	if op.state == opBuildPut {
		built, err := runBuilder(op.builder, info.prototype.Clone())
		if err != nil {
			op.result = Result{err: &BuilderFailed{Err: err}}
			op.markDone()
		} else {
			info.prototype = built
			op.state = opExec
		}
	}

	cn.ctx.log.Debug("operation state advance",
		"peer", cn.peerName, "channel", op.chn.name, "cmd", cmd, "from", prev, "to", op.state)

	// act on the new operation state

	w := cn.txBody()
	w.PutU32(op.chn.sid)
	w.PutU32(ioid)
	switch op.state {
	case opGetOPut:
		w.PutU8(protocol.SubGet)

	case opExec:
		w.PutU8(protocol.SubExec)
		if cmd == protocol.CmdPut {
			pvdata.WriteValid(w, info.prototype)
		} else if cmd == protocol.CmdRPC {
			pvdata.WriteFull(w, cn.txRegistry, op.rpcArg)
		}

	case opDone:
		// we're actually building CMD_DESTROY_REQUEST, nothing more needed
	}
	if op.state == opDone {
		cn.enqueueTxBody(protocol.CmdDestroyRequest)
	} else {
		cn.enqueueTxBody(cmd)
	}

	if op.state == opDone {
		// CMD_DESTROY_REQUEST is not acknowledged, but the server must
		// not reuse this ioid afterwards, so both tables can forget it
		delete(cn.opByIOID, ioid)
		delete(op.chn.opByIOID, ioid)

		op.notify()
	}
}

func runOnInit(cb func(*pvdata.Value) error, proto *pvdata.Value) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("pva: init callback panic: %v", p)
		}
	}()
	return cb(proto)
}

func runBuilder(cb func(*pvdata.Value) (*pvdata.Value, error), proto *pvdata.Value) (val *pvdata.Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			val, err = nil, fmt.Errorf("builder panic: %v", p)
		}
	}()
	return cb(proto)
}

// detachChannel cascades a channel loss: every registered operation sees
// disconnected(), then the channel re-enters search.
func (cn *Connection) detachChannel(ch *Channel) {
	ops := ch.opByIOID
	ch.opByIOID = make(map[uint32]*gprOp)
	for ioid, op := range ops {
		delete(cn.opByIOID, ioid)
		op.disconnected()
	}
	ch.disconnect()
}

// poison marks the connection unusable and closes the outbound queue;
// transport teardown then runs cleanup via the destroy callback.
func (cn *Connection) poison(reason string) {
	if cn.closed {
		return
	}
	cn.closed = true
	cn.ctx.log.Error("dropping connection", "peer", cn.peerName, "reason", reason)
	cn.txq.Close()
}

// cleanup cascades connection loss through every channel and operation.
// Runs on the loop exactly once, after the transport layer is done with
// the handler.
func (cn *Connection) cleanup() {
	if cn.cleaned {
		return
	}
	cn.cleaned = true
	cn.closed = true
	if cn.ready {
		cn.ctx.connsLive.Add(-1)
	}
	if cn.echoTimer != nil {
		cn.echoTimer.Stop()
	}
	cn.txq.Close()

	delete(cn.ctx.connByAddr, cn.peerName)

	for sid, ch := range cn.chanBySID {
		delete(cn.chanBySID, sid)
		cn.detachChannel(ch)
	}
	for cid, ch := range cn.creatingByCID {
		delete(cn.creatingByCID, cid)
		ch.disconnect()
	}
	for _, ch := range cn.pendingChans {
		ch.disconnect()
	}
	cn.pendingChans = nil
}

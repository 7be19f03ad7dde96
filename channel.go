package pva

import (
	"fmt"

	"github.com/pvalab/pva/protocol"
)

type chanState uint8

const (
	// chanSearching: waiting for a server to claim the name.
	chanSearching chanState = iota
	// chanConnecting: claimed, waiting for the connection to become ready.
	chanConnecting
	// chanCreating: CREATE_CHANNEL sent, waiting for the reply.
	chanCreating
	chanActive
)

func (s chanState) String() string {
	switch s {
	case chanSearching:
		return "Searching"
	case chanConnecting:
		return "Connecting"
	case chanCreating:
		return "Creating"
	case chanActive:
		return "Active"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Channel is one cached PV name binding. The cid doubles as the search
// id; the sid is assigned by the server at CREATE_CHANNEL and stamped on
// every request. Owned by the worker loop.
type Channel struct {
	ctx  *Context
	name string
	cid  uint32

	state   chanState
	garbage bool
	// whether the channel currently sits in a search bucket; keeps a
	// claim/disconnect cycle from enqueueing it twice
	queued bool

	conn *Connection
	sid  uint32

	// number of searches sent while Searching; drives the per-channel
	// backoff across buckets
	nSearch int

	guid      [12]byte
	replyAddr string

	// operations awaiting (re)connection
	pending []*gprOp
	// owning side of the IOID duality; removal here is the kill switch
	opByIOID map[uint32]*gprOp
}

// buildChannel returns the cached channel for name, creating and
// enqueueing it for search on first use. Loop only.
func buildChannel(c *Context, name string) *Channel {
	if ch, ok := c.chanByName[name]; ok {
		ch.garbage = false
		return ch
	}

	for {
		if _, busy := c.chanByCID[c.nextCID]; !busy {
			break
		}
		c.nextCID++
	}
	ch := &Channel{
		ctx:      c,
		name:     name,
		cid:      c.nextCID,
		opByIOID: make(map[uint32]*gprOp),
	}
	c.nextCID++
	c.chanByCID[ch.cid] = ch
	c.chanByName[name] = ch
	c.channelsLive.Add(1)

	bucket := c.searchBucketFor(name)
	c.searchBuckets[bucket] = append(c.searchBuckets[bucket], ch)
	ch.queued = true
	c.poke(true)

	return ch
}

// createOperations drives every pending operation through createOp once
// the channel is active: allocate the IOID, register it on both sides of
// the duality, then send INIT.
func (ch *Channel) createOperations() {
	if ch.state != chanActive {
		return
	}

	todo := ch.pending
	ch.pending = nil

	for _, op := range todo {
		if op.state != opConnecting {
			continue
		}
		ioid := ch.conn.registerOp(ch, op)
		op.ioid = ioid
		ch.opByIOID[ioid] = op

		op.createOp()
	}
}

// disconnect detaches the channel from its connection and re-enters
// search. The sid is spoiled so a use-after-detach shows up on the wire.
func (ch *Channel) disconnect() {
	ch.state = chanSearching
	ch.sid = 0xdeadbeef
	ch.conn = nil
	ch.nSearch = 0

	if !ch.queued {
		ch.ctx.searchBuckets[ch.ctx.currentBucket] = append(ch.ctx.searchBuckets[ch.ctx.currentBucket], ch)
		ch.queued = true
	}

	ch.ctx.log.Debug("channel detached to re-search", "channel", ch.name)
}

// destroy removes the channel from every context table, telling the
// server first when it knows about it.
func (ch *Channel) destroy() {
	if (ch.state == chanCreating || ch.state == chanActive) && ch.conn != nil {
		w := ch.conn.txBody()
		w.PutU32(ch.sid)
		w.PutU32(ch.cid)
		ch.conn.enqueueTxBody(protocol.CmdDestroyChannel)
		delete(ch.conn.chanBySID, ch.sid)
		delete(ch.conn.creatingByCID, ch.cid)
	}
	delete(ch.ctx.chanByCID, ch.cid)
	delete(ch.ctx.chanByName, ch.name)
	ch.ctx.channelsLive.Add(-1)
}

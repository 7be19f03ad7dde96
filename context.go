// Package pva implements the client side of the PV Access protocol:
// typed GET/PUT/RPC operations against named process variables, plus
// server discovery. A Context owns a single worker loop holding every
// piece of protocol state; user-facing builders and operation handles
// cross onto it with queued closures.
package pva

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/pvalab/pva/network"
	"github.com/pvalab/pva/protocol"
	"github.com/pvalab/pva/utils"
)

const (
	nBuckets         = 30
	maxSearchPayload = 1400
	maxDiscoverAge   = 10

	defaultUDPPort     = 5076
	defaultBucketTick  = time.Second
	cacheCleanInterval = 10 * time.Second
	pokeMinAge         = 30 * time.Second
)

type searchTarget struct {
	addr    *net.UDPAddr
	unicast bool
}

// Context is one PVA client instance. Channels are cached by name and
// shared between operations; connections are created on demand from
// search replies and torn down when they die.
type Context struct {
	log  utils.Logger
	loop *utils.Loop
	net  *network.Net

	// transport handoff: install/destroy callbacks run on network
	// goroutines and resolve the Connection by pool name here
	connByName *xsync.MapOf[string, *Connection]

	searchSock   *net.UDPConn
	searchDest   []searchTarget
	searchRxPort uint16
	searchSeq    uint32

	// everything below is worker loop owned
	nextCID       uint32
	chanByCID     map[uint32]*Channel
	chanByName    map[string]*Channel
	connByAddr    map[string]*Connection
	searchBuckets [nBuckets][]*Channel
	currentBucket int

	discoverers   map[*discovery]struct{}
	discoverAge   uint
	discoverTimer *time.Timer
	searchTimer   *time.Timer
	cacheTimer    *time.Timer

	pokeMu   sync.Mutex
	poked    bool
	lastPoke time.Time

	// configuration
	addressList []string
	udpPort     uint16
	bucketTick  time.Duration
	strictIOID  bool

	// metrics
	channelsLive atomic.Int64
	connsLive    atomic.Int64
	opsActive    atomic.Int64
	opsCompleted atomic.Int64
	searchesSent atomic.Int64
	discoverersN atomic.Int64

	closed atomic.Bool
}

type ContextOpt interface {
	Apply(*Context)
}

type LoggerOpt struct {
	Log utils.Logger
}

func (opt *LoggerOpt) Apply(c *Context) { c.log = opt.Log }

// AddressListOpt sets the UDP search destinations ("host" or
// "host:port"; the default port applies when omitted).
type AddressListOpt struct {
	Addrs []string
}

func (opt *AddressListOpt) Apply(c *Context) { c.addressList = opt.Addrs }

type UDPPortOpt struct {
	Port uint16
}

func (opt *UDPPortOpt) Apply(c *Context) { c.udpPort = opt.Port }

// SearchIntervalOpt overrides the one second search bucket tick. The
// discovery backoff scales with it.
type SearchIntervalOpt struct {
	Interval time.Duration
}

func (opt *SearchIntervalOpt) Apply(c *Context) { c.bucketTick = opt.Interval }

// StrictIOIDOpt drops a connection whose peer sends a data reply for an
// unknown IOID instead of soldiering on with a possibly desynchronized
// type registry.
type StrictIOIDOpt struct{}

func (opt *StrictIOIDOpt) Apply(c *Context) { c.strictIOID = true }

func NewContext(opts ...ContextOpt) (*Context, error) {
	c := &Context{
		connByName:  xsync.NewMapOf[string, *Connection](),
		nextCID:     0x12345678,
		chanByCID:   make(map[uint32]*Channel),
		chanByName:  make(map[string]*Channel),
		connByAddr:  make(map[string]*Connection),
		discoverers: make(map[*discovery]struct{}),
		udpPort:     defaultUDPPort,
		bucketTick:  defaultBucketTick,
	}
	for _, o := range opts {
		o.Apply(c)
	}
	if c.log == nil {
		c.log = utils.NewDefaultLogger(slog.LevelInfo)
	}

	sock, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("pva: unable to bind search port: %w", err)
	}
	c.searchSock = sock
	c.searchRxPort = uint16(sock.LocalAddr().(*net.UDPAddr).Port)
	c.log.Debug("using UDP rx port", "port", c.searchRxPort)

	for _, addr := range c.addressList {
		target, err := c.parseSearchAddr(addr)
		if err != nil {
			c.log.Error("ignoring search address", "addr", addr, "err", err)
			continue
		}
		c.log.Info("searching to", "addr", target.addr.String(), "unicast", target.unicast)
		c.searchDest = append(c.searchDest, target)
	}

	c.loop = utils.NewLoop(c.log)
	c.net = network.NewNet(c.log, c.installConn, c.destroyConn)

	go c.readSearchReplies()

	c.loop.Dispatch(func() {
		c.searchTimer = c.loop.ScheduleAfter(c.bucketTick, c.tickSearchTimer)
		c.cacheTimer = c.loop.ScheduleAfter(cacheCleanInterval, c.tickCacheClean)
	})

	return c, nil
}

func (c *Context) parseSearchAddr(addr string) (searchTarget, error) {
	host, port := addr, c.udpPort
	if h, p, err := net.SplitHostPort(addr); err == nil {
		host = h
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			return searchTarget{}, fmt.Errorf("bad port %q", p)
		}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return searchTarget{}, fmt.Errorf("unresolvable host %q", host)
		}
		ip = ips[0]
	}
	unicast := ip.IsGlobalUnicast() || ip.IsLoopback()
	return searchTarget{addr: &net.UDPAddr{IP: ip, Port: int(port)}, unicast: unicast}, nil
}

// Close tears down every connection, stops the timers and the worker.
// Safe to call more than once.
func (c *Context) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.searchSock.Close()

	c.loop.Call(func() {
		if c.searchTimer != nil {
			c.searchTimer.Stop()
		}
		if c.cacheTimer != nil {
			c.cacheTimer.Stop()
		}
		if c.discoverTimer != nil {
			c.discoverTimer.Stop()
		}
		for _, cn := range c.connByAddr {
			cn.poison("context closed")
		}
	})

	// transport teardown dispatches each connection's cleanup
	c.net.Close()

	c.loop.Call(func() {
		for _, cn := range c.connByAddr {
			cn.cleanup()
		}
	})

	c.loop.Close()
}

// HurryUp collapses the search timer so newly created channels do not
// wait out the current bucket tick. Rate limited unless forced by the
// client itself.
func (c *Context) HurryUp() {
	c.poke(false)
}

func (c *Context) poke(force bool) {
	c.pokeMu.Lock()
	if c.poked {
		c.pokeMu.Unlock()
		return
	}
	if !force && time.Since(c.lastPoke) < pokeMinAge {
		c.pokeMu.Unlock()
		return
	}
	c.lastPoke = time.Now()
	c.poked = true
	c.pokeMu.Unlock()

	c.loop.Dispatch(c.tickSearchTimer)
}

func (c *Context) searchBucketFor(name string) int {
	return int(xxhash.Sum64String(name) % nBuckets)
}

// installConn runs on a network goroutine once a dial succeeds.
func (c *Context) installConn(name string) protocol.FeedDrainCloser {
	conn, ok := c.connByName.Load(name)
	if !ok {
		// listener-side peers have no client connection state
		q := utils.NewTxQueue[protocol.Records](1)
		q.Close()
		return q
	}
	c.loop.Dispatch(conn.onConnected)
	return conn
}

// destroyConn runs on a network goroutine when the link dies.
func (c *Context) destroyConn(name string) {
	if conn, ok := c.connByName.LoadAndDelete(name); ok {
		c.loop.Dispatch(conn.cleanup)
	}
}

// openConnection starts a dial towards a server that claimed a PV.
// Loop only; the dial itself happens off-loop.
func (c *Context) openConnection(peerAddr string) *Connection {
	name := "tcp://" + peerAddr
	conn := newConnection(c, name, peerAddr)
	c.connByAddr[peerAddr] = conn
	c.connByName.Store(name, conn)

	go func() {
		if err := c.net.Dial(name, name); err != nil {
			c.log.Error("server unreachable", "peer", peerAddr, "err", err)
			c.connByName.Delete(name)
			c.loop.Dispatch(conn.cleanup)
		}
	}()

	return conn
}

func (c *Context) tickSearchTimer() {
	if c.closed.Load() {
		return
	}
	// a poked tick must not leave the regular one armed as well
	if c.searchTimer != nil {
		c.searchTimer.Stop()
	}
	c.tickSearch(false)
	c.searchTimer = c.loop.ScheduleAfter(c.bucketTick, c.tickSearchTimer)
}

func (c *Context) tickCacheClean() {
	if c.closed.Load() {
		return
	}
	c.cacheClean()
	c.cacheTimer = c.loop.ScheduleAfter(cacheCleanInterval, c.tickCacheClean)
}

// cacheClean is a mark and sweep over the channel cache: a channel with
// no operations is marked on one pass and destroyed on the next, so a
// channel reused between passes survives.
func (c *Context) cacheClean() {
	var trash []*Channel
	for _, ch := range c.chanByName {
		if len(ch.opByIOID) == 0 && len(ch.pending) == 0 {
			if !ch.garbage {
				c.log.Debug("channel GC mark", "channel", ch.name)
				ch.garbage = true
			} else {
				trash = append(trash, ch)
			}
		} else {
			ch.garbage = false
		}
	}
	for _, ch := range trash {
		c.log.Debug("channel GC sweep", "channel", ch.name)
		ch.destroy()
	}
}

// Package network provides the TCP transport under a PV Access client:
// outgoing connections (single-shot or kept alive with exponential
// backoff), an accept loop for tests and tooling, and per-connection
// read/write pumps that exchange whole protocol frames with an installed
// handler.
//
// The layer is callback-based: NewNet takes an install callback that
// returns a protocol.FeedDrainCloser for each named connection. The
// handler's Feed supplies outbound frames, its Drain consumes inbound
// frames; the Net layer only moves bytes and frame boundaries.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/pvalab/pva/protocol"
	"github.com/pvalab/pva/utils"
)

var (
	ErrAddressInvalid    = errors.New("pva: the address invalid")
	ErrAddressDuplicated = errors.New("pva: the address already used")
	ErrAddressUnknown    = errors.New("pva: address unknown")
)

const (
	// TYPICAL_MTU sizes read buffer growth.
	TYPICAL_MTU = 1500

	// MAX_RETRY_PERIOD and MIN_RETRY_PERIOD bound reconnect backoff for
	// kept-alive links.
	MAX_RETRY_PERIOD = time.Minute
	MIN_RETRY_PERIOD = time.Second / 2
)

type InstallCallback func(name string) protocol.FeedDrainCloser
type DestroyCallback func(name string)

// Net manages connections and listeners for one client context.
type Net struct {
	wg        sync.WaitGroup
	log       utils.Logger
	onInstall InstallCallback
	onDestroy DestroyCallback

	conns     *xsync.MapOf[string, *Peer]
	listens   *xsync.MapOf[string, net.Listener]
	ctx       context.Context
	cancelCtx context.CancelFunc

	readBufferTcpSize  int
	writeBufferTcpSize int
	readAccumTimeLimit time.Duration
	writeTimeout       time.Duration
	bufferMaxSize      int
}

type NetOpt interface {
	Apply(*Net)
}

type NetWriteTimeoutOpt struct {
	Timeout time.Duration
}

func (opt *NetWriteTimeoutOpt) Apply(n *Net) {
	n.writeTimeout = opt.Timeout
}

type NetReadBatchOpt struct {
	ReadAccumTimeLimit time.Duration
	BufferMaxSize      int
}

func (opt *NetReadBatchOpt) Apply(n *Net) {
	n.readAccumTimeLimit = opt.ReadAccumTimeLimit
	n.bufferMaxSize = opt.BufferMaxSize
}

type TcpBufferSizeOpt struct {
	Read  int
	Write int
}

func (opt *TcpBufferSizeOpt) Apply(n *Net) {
	n.readBufferTcpSize = opt.Read
	n.writeBufferTcpSize = opt.Write
}

func NewNet(log utils.Logger, install InstallCallback, destroy DestroyCallback, opts ...NetOpt) *Net {
	ctx, cancel := context.WithCancel(context.Background())
	net := &Net{
		log:       log,
		cancelCtx: cancel,
		ctx:       ctx,
		conns:     xsync.NewMapOf[string, *Peer](),
		listens:   xsync.NewMapOf[string, net.Listener](),
		onInstall: install,
		onDestroy: destroy,
	}
	for _, o := range opts {
		o.Apply(net)
	}
	return net
}

type NetStats struct {
	ReadBuffers  map[string]int32
	WriteBatches map[string]float64
}

func (n *Net) GetStats() NetStats {
	stats := NetStats{
		ReadBuffers:  make(map[string]int32),
		WriteBatches: make(map[string]float64),
	}
	n.conns.Range(func(name string, peer *Peer) bool {
		if peer != nil {
			stats.ReadBuffers[name] = peer.GetIncomingBufferSize()
			stats.WriteBatches[name] = peer.writeBatchSize.Val()
		}
		return true
	})
	return stats
}

func (n *Net) Close() error {
	n.cancelCtx()

	n.listens.Range(func(_ string, v net.Listener) bool {
		if v != nil {
			v.Close()
		}
		return true
	})
	n.listens.Clear()

	n.conns.Range(func(_ string, p *Peer) bool {
		// can be nil while a dial is still in flight
		if p != nil {
			p.Close()
		}
		return true
	})
	n.conns.Clear()

	n.wg.Wait()
	return nil
}

// Dial makes a single connection attempt and, on success, runs the peer
// until it dies. No automatic reconnect: a PVA client re-discovers a
// server instead of re-dialing a possibly stale address.
func (n *Net) Dial(name, addr string) error {
	if _, ok := n.conns.LoadOrStore(name, nil); ok {
		return ErrAddressDuplicated
	}

	conn, err := n.createConn(addr)
	if err != nil {
		n.conns.Delete(name)
		return err
	}
	n.setTCPBuffersSize(conn)
	n.log.Info("net: connected", "name", name, "addr", addr)

	n.wg.Add(1)
	go func() {
		n.keepPeer(name, conn)
		n.wg.Done()
	}()

	return nil
}

func (n *Net) Connect(addr string) (err error) {
	return n.ConnectPool(addr, []string{addr})
}

// ConnectPool maintains a connection to the first reachable address in
// addrs, redialing with exponential backoff for the life of the Net.
func (n *Net) ConnectPool(name string, addrs []string) (err error) {
	// nil reserves the name so a duplicate Connect fails while the
	// dialer goroutine is still working
	if _, ok := n.conns.LoadOrStore(name, nil); ok {
		return ErrAddressDuplicated
	}

	n.wg.Add(1)
	go func() {
		n.keepConnecting(fmt.Sprintf("connect:%s", name), addrs)
		n.wg.Done()
	}()

	return nil
}

func (n *Net) Disconnect(name string) (err error) {
	conn, ok := n.conns.LoadAndDelete(name)
	if !ok {
		return ErrAddressUnknown
	}

	if conn != nil {
		conn.Close()
	}
	return nil
}

func (n *Net) Listen(addr string) error {
	if _, ok := n.listens.LoadOrStore(addr, nil); ok {
		return ErrAddressDuplicated
	}

	listener, err := n.createListener(addr)
	if err != nil {
		n.listens.Delete(addr)
		return err
	}
	n.listens.Store(addr, listener)

	n.log.Info("net: listening", "addr", addr)

	n.wg.Add(1)
	go func() {
		n.keepListening(addr)
		n.wg.Done()
	}()

	return nil
}

func (n *Net) Unlisten(addr string) error {
	listener, ok := n.listens.LoadAndDelete(addr)
	if !ok {
		return ErrAddressUnknown
	}

	return listener.Close()
}

func (n *Net) keepConnecting(name string, addrs []string) {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(MIN_RETRY_PERIOD),
		backoff.WithMaxInterval(MAX_RETRY_PERIOD),
		backoff.WithMaxElapsedTime(0),
	)

	for n.ctx.Err() == nil {
		var err error
		var conn net.Conn
		for _, addr := range addrs {
			conn, err = n.createConn(addr)
			if err == nil {
				break
			}
		}

		if err != nil {
			n.log.Error("net: couldn't connect", "name", name, "err", err)

			select {
			case <-time.After(policy.NextBackOff()):
			case <-n.ctx.Done():
				return
			}
			continue
		}
		n.setTCPBuffersSize(conn)
		n.log.Info("net: connected", "name", name)

		policy.Reset()
		n.keepPeer(name, conn)
	}
}

func (n *Net) setTCPBuffersSize(conn net.Conn) {
	tconn, ok := conn.(*net.TCPConn)
	if !ok {
		n.log.Warn("net: unable to set buffers, because unknown connection type")
		return
	}
	if n.readBufferTcpSize > 0 {
		tconn.SetReadBuffer(n.readBufferTcpSize)
	}
	if n.writeBufferTcpSize > 0 {
		tconn.SetWriteBuffer(n.writeBufferTcpSize)
	}
}

func (n *Net) keepListening(addr string) {
	for n.ctx.Err() == nil {
		listener, ok := n.listens.Load(addr)
		if !ok {
			break
		}

		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}

			// reconnects are the client's problem, just continue
			n.log.Error("net: couldn't accept request", "addr", addr, "err", err)
			continue
		}

		remoteAddr := conn.RemoteAddr().String()
		n.log.Info("net: accept connection", "addr", addr, "remoteAddr", remoteAddr)
		n.setTCPBuffersSize(conn)
		n.wg.Add(1)
		go func() {
			n.keepPeer(fmt.Sprintf("listen:%s:%s", uuid.Must(uuid.NewV7()).String(), remoteAddr), conn)
			n.wg.Done()
		}()
	}

	if l, ok := n.listens.LoadAndDelete(addr); ok && l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			n.log.Error("net: couldn't correct close listener", "addr", addr, "err", err)
		}
	}

	n.log.Info("net: listener closed", "addr", addr)
}

func (n *Net) keepPeer(name string, conn net.Conn) {
	peer := &Peer{
		inout:              n.onInstall(name),
		conn:               conn,
		writeTimeout:       n.writeTimeout,
		readAccumTimeLimit: n.readAccumTimeLimit,
		bufferMaxSize:      n.bufferMaxSize,
	}
	n.conns.Store(name, peer)

	readErr, writeErr, closeErr := peer.Keep(n.ctx)
	if readErr != nil {
		n.log.Error("net: couldn't read from peer", "name", name, "err", readErr)
	}
	if writeErr != nil {
		n.log.Error("net: couldn't write to peer", "name", name, "err", writeErr)
	}
	if closeErr != nil {
		n.log.Error("net: couldn't correct close peer", "name", name, "err", closeErr)
	}

	n.conns.Delete(name)
	peer.Close()
	n.onDestroy(name)
}

func (n *Net) createListener(addr string) (net.Listener, error) {
	address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}

	config := net.ListenConfig{}
	return config.Listen(n.ctx, "tcp", address)
}

func (n *Net) createConn(addr string) (net.Conn, error) {
	address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: time.Minute}
	return d.DialContext(n.ctx, "tcp", address)
}

// parseAddr accepts "host:port" or "tcp://host:port".
func parseAddr(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "", "tcp", "tcp4", "tcp6":
	default:
		return addr, ErrAddressInvalid
	}

	u.Scheme = ""
	return strings.TrimPrefix(u.String(), "//"), nil
}

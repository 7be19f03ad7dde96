package pva

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvalab/pva/protocol"
)

func buildSearchResponse(t *testing.T, guid [12]byte, port uint16, found bool, cids []uint32) []byte {
	t.Helper()
	w := protocol.NewWriteBuf(true)
	w.PutBytes(guid[:])
	w.PutU32(1)                  // searchSequenceID
	w.PutBytes(make([]byte, 16)) // any: use the packet source
	w.PutU16(port)
	w.PutString("tcp")
	if found {
		w.PutU8(1)
	} else {
		w.PutU8(0)
	}
	w.PutU16(uint16(len(cids)))
	for _, cid := range cids {
		w.PutU32(cid)
	}
	return protocol.AppendFrame(nil, true, protocol.CmdSearchResponse, w.Bytes())
}

func TestDiscoverDelivery(t *testing.T) {
	c := newTestContext(t)

	var mu sync.Mutex
	var seen []Discovered
	op, err := c.Discover(func(d Discovered) {
		assert.True(t, c.loop.InLoop(), "notify runs on the worker")
		mu.Lock()
		seen = append(seen, d)
		mu.Unlock()
	}).Exec()
	require.NoError(t, err)

	guid := [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	frame := buildSearchResponse(t, guid, 5075, false, nil)
	require.NoError(t, c.loop.Call(func() { c.onSearchReply(frame, "10.0.0.7") }))

	mu.Lock()
	require.Len(t, seen, 1)
	assert.Equal(t, guid, seen[0].GUID)
	assert.Equal(t, "10.0.0.7:5075", seen[0].Server)
	assert.Equal(t, "tcp", seen[0].Proto)
	mu.Unlock()

	// after Cancel returns, deliveries stop
	assert.True(t, op.Cancel())
	require.NoError(t, c.loop.Call(func() { c.onSearchReply(frame, "10.0.0.7") }))
	mu.Lock()
	assert.Len(t, seen, 1)
	mu.Unlock()

	assert.False(t, op.Cancel())
}

func TestDiscoverBackoff(t *testing.T) {
	// a fast tick so the age ramp is observable
	c := newTestContext(t, &SearchIntervalOpt{Interval: 5 * time.Millisecond})

	op, err := c.Discover(func(Discovered) {}).Exec()
	require.NoError(t, err)

	// ages climb 1, 2, ... and saturate at the bound
	require.Eventually(t, func() bool {
		var age uint
		c.loop.Call(func() { age = c.discoverAge })
		return age == maxDiscoverAge
	}, 5*time.Second, 10*time.Millisecond)

	var interval time.Duration
	require.NoError(t, c.loop.Call(func() { interval = c.discoverInterval() }))
	assert.Equal(t, maxDiscoverAge*5*time.Millisecond, interval)

	// removing the last discoverer stops the reschedule
	assert.True(t, op.Cancel())
	var before int64
	require.NoError(t, c.loop.Call(func() { before = c.searchesSent.Load() }))
	time.Sleep(200 * time.Millisecond)
	var after int64
	require.NoError(t, c.loop.Call(func() { after = c.searchesSent.Load() }))
	// the already armed tick may fire once, then nothing
	assert.LessOrEqual(t, after-before, int64(1))
}

func TestDiscoverAgeResetOnFirstRegistration(t *testing.T) {
	c := newTestContext(t, &SearchIntervalOpt{Interval: time.Hour})

	op, err := c.Discover(func(Discovered) {}).Exec()
	require.NoError(t, err)
	require.NoError(t, c.loop.Call(func() {
		// first tick ran synchronously at registration: age moved off zero
		assert.Equal(t, uint(1), c.discoverAge)
		assert.Len(t, c.discoverers, 1)
	}))
	op.Close()

	require.NoError(t, c.loop.Call(func() {
		assert.Empty(t, c.discoverers)
	}))

	// re-registering starts the ramp over
	op2, err := c.Discover(func(Discovered) {}).Exec()
	require.NoError(t, err)
	defer op2.Close()
	require.NoError(t, c.loop.Call(func() {
		assert.Equal(t, uint(1), c.discoverAge)
	}))
}

func TestChannelSearchAndPromotion(t *testing.T) {
	c := newTestContext(t)

	// a bare TCP acceptor stands in for the claiming server
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	// create a channel by starting a GET; it enters search
	_, err = c.Get("pv:promote").Result(func(Result) {}).Exec()
	require.NoError(t, err)

	var cid uint32
	require.NoError(t, c.loop.Call(func() {
		ch := c.chanByName["pv:promote"]
		require.NotNil(t, ch)
		assert.Equal(t, chanSearching, ch.state)
		cid = ch.cid
	}))

	// a server claims the cid: the channel binds to a connection, the
	// dial completes and CREATE_CHANNEL goes out
	frame := buildSearchResponse(t, [12]byte{9}, port, true, []uint32{cid})
	require.NoError(t, c.loop.Call(func() { c.onSearchReply(frame, "127.0.0.1") }))

	var sc net.Conn
	select {
	case sc = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("client never dialed the claiming server")
	}
	defer sc.Close()

	sc.SetReadDeadline(time.Now().Add(5 * time.Second))
	var buf bytes.Buffer
	raw := make([]byte, 4096)
	for {
		n, err := sc.Read(raw)
		require.NoError(t, err)
		buf.Write(raw[:n])
		recs, err := protocol.Split(&buf)
		if errors.Is(err, protocol.ErrIncomplete) || len(recs) == 0 {
			continue
		}
		require.NoError(t, err)

		hdr, body, err := protocol.DecodeFrame(recs[0])
		require.NoError(t, err)
		assert.Equal(t, protocol.CmdCreateChannel, hdr.Cmd)

		r := protocol.NewReadBuf(hdr.BigEndian(), body)
		assert.Equal(t, uint16(1), r.GetU16())
		assert.Equal(t, cid, r.GetU32())
		assert.Equal(t, "pv:promote", r.GetString())
		break
	}

	require.NoError(t, c.loop.Call(func() {
		ch := c.chanByName["pv:promote"]
		assert.Equal(t, chanCreating, ch.state)
		require.NotNil(t, ch.conn)
	}))
}

func TestCacheCleanMarkAndSweep(t *testing.T) {
	c := newTestContext(t)

	require.NoError(t, c.loop.Call(func() {
		buildChannel(c, "pv:idle")
	}))

	require.NoError(t, c.loop.Call(func() {
		c.cacheClean() // mark
		assert.Contains(t, c.chanByName, "pv:idle")
		c.cacheClean() // sweep
		assert.NotContains(t, c.chanByName, "pv:idle")
	}))

	// a channel with pending work survives both passes
	require.NoError(t, c.loop.Call(func() {
		ch := buildChannel(c, "pv:busy")
		op := newGPROp(OpGet, ch)
		op.setDone(func(Result) {}, nil)
		ch.pending = append(ch.pending, op)
		c.cacheClean()
		c.cacheClean()
		assert.Contains(t, c.chanByName, "pv:busy")
	}))
}

func TestContextCollector(t *testing.T) {
	c := newTestContext(t)
	require.NoError(t, c.loop.Call(func() {
		buildChannel(c, "pv:metric")
	}))

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewContextCollector(c)))

	fams, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, fam := range fams {
		m := fam.GetMetric()[0]
		if m.GetGauge() != nil {
			values[fam.GetName()] = m.GetGauge().GetValue()
		} else {
			values[fam.GetName()] = m.GetCounter().GetValue()
		}
	}

	assert.Equal(t, 1.0, values["pva_client_channels"])
	assert.Equal(t, 0.0, values["pva_client_connections"])
	assert.Equal(t, 0.0, values["pva_client_operations_inflight"])
	assert.Contains(t, values, "pva_client_searches_sent_total")
}

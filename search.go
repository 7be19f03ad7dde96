package pva

import (
	"net"
	"strconv"

	"github.com/pvalab/pva/protocol"
)

// Search frames travel big endian regardless of host order.
const (
	searchFlagReplyRequired uint8 = 0x01
	searchFlagUnicast       uint8 = 0x80
)

// tickSearch advances the bucket ring by one and emits search frames for
// every channel still Searching in the current bucket. Channels are
// respread ahead by their per-channel search count, an implicit backoff
// bounded by the ring size. Discovery ticks reuse the same path: they
// also take and advance the current bucket, and their first frame carries
// the reply-required flag even when it holds no channels.
func (c *Context) tickSearch(discover bool) {
	c.pokeMu.Lock()
	c.poked = false
	c.pokeMu.Unlock()

	idx := c.currentBucket
	c.currentBucket = (c.currentBucket + 1) % nBuckets

	bucket := c.searchBuckets[idx]
	c.searchBuckets[idx] = nil

	for len(bucket) > 0 || discover {
		w := protocol.NewWriteBuf(true)

		c.searchSeq++
		w.PutU32(c.searchSeq)

		pflags := w.Save()
		w.PutU8(0)                  // flags, fixed up per destination
		w.PutBytes([]byte{0, 0, 0}) // reserved

		// response address: any, reply to the packet source
		w.PutBytes(make([]byte, 16))
		w.PutU16(c.searchRxPort)

		w.PutU8(1)
		w.PutString("tcp")

		pcount := w.Save()
		w.PutU16(0) // channel count placeholder

		count := uint16(0)
		for len(bucket) > 0 {
			ch := bucket[0]
			// a destroyed channel is gone from chanByCID; drop it here
			if ch.state != chanSearching || c.chanByCID[ch.cid] != ch {
				ch.queued = false
				bucket = bucket[1:]
				continue
			}

			save := w.Save()
			w.PutU32(ch.cid)
			w.PutString(ch.name)

			if w.Len() > maxSearchPayload && count > 0 {
				// too large, defer to the next frame
				w.Truncate(save)
				break
			}
			count++

			// respread: each unanswered search pushes the channel
			// further ahead in the ring, up to a full revolution
			if ch.nSearch < nBuckets {
				ch.nSearch++
			}
			next := (idx + ch.nSearch) % nBuckets
			c.searchBuckets[next] = append(c.searchBuckets[next], ch)
			bucket = bucket[1:]
		}

		if count == 0 && !discover {
			break
		}
		w.FixupU16(pcount, count)

		flags := uint8(0)
		if discover {
			flags |= searchFlagReplyRequired
		}
		for _, dest := range c.searchDest {
			f := flags
			if dest.unicast {
				f |= searchFlagUnicast
			}
			body := w.Bytes()
			body[pflags] = f

			frame := protocol.AppendFrame(nil, true, protocol.CmdSearch, body)
			if _, err := c.searchSock.WriteToUDP(frame, dest.addr); err != nil {
				c.log.Warn("search tx error", "dest", dest.addr.String(), "err", err)
			} else {
				c.log.Debug("search to", "dest", dest.addr.String(), "channels", count)
			}
		}
		c.searchesSent.Add(1)

		// only the first frame of a discover tick is reply-required and
		// may be empty; later frames carry the bucket's leftover channels
		discover = false
	}
}

// readSearchReplies pumps the UDP socket until the context closes,
// crossing each datagram onto the worker loop.
func (c *Context) readSearchReplies() {
	buf := make([]byte, 0x10000)
	for {
		n, src, err := c.searchSock.ReadFromUDP(buf)
		if err != nil {
			return
		}
		frame := append([]byte{}, buf[:n]...)
		peer := src.IP.String()
		c.loop.Dispatch(func() { c.onSearchReply(frame, peer) })
	}
}

// onSearchReply handles one CMD_SEARCH_RESPONSE datagram on the loop:
// deliver the server to active discoverers, then promote any claimed
// Searching channels onto a connection to the claiming server.
func (c *Context) onSearchReply(frame []byte, srcHost string) {
	hdr, body, err := protocol.DecodeFrame(frame)
	if err != nil || hdr.Cmd != protocol.CmdSearchResponse {
		c.log.Debug("ignoring UDP packet", "src", srcHost)
		return
	}

	m := protocol.NewReadBuf(hdr.BigEndian(), body)

	var guid [12]byte
	copy(guid[:], m.GetBytes(12))
	// searchSequenceID: correlation is by per-PV cid instead
	m.Skip(4)

	rawAddr := m.GetBytes(16)
	port := m.GetU16()
	proto := m.GetString()
	found := m.GetU8()
	if !m.Good() || proto != "tcp" {
		c.log.Debug("invalid search reply", "src", srcHost)
		return
	}

	host := srcHost
	if ip := net.IP(rawAddr); !ip.IsUnspecified() {
		if v4 := ip.To4(); v4 != nil {
			host = v4.String()
		} else {
			host = ip.String()
		}
	}
	server := net.JoinHostPort(host, strconv.Itoa(int(port)))

	for d := range c.discoverers {
		d.deliver(Discovered{GUID: guid, Server: server, Proto: proto, Peer: srcHost})
	}

	if found == 0 {
		return
	}

	n := int(m.GetU16())
	for i := 0; i < n; i++ {
		cid := m.GetU32()
		if !m.Good() {
			break
		}

		ch, ok := c.chanByCID[cid]
		if !ok {
			continue
		}

		c.log.Debug("search reply", "channel", ch.name, "server", server)

		if ch.state != chanSearching {
			if ch.guid != guid {
				c.log.Error("duplicate PV name",
					"channel", ch.name, "server", ch.replyAddr, "other", server)
			}
			continue
		}

		ch.guid = guid
		ch.replyAddr = server

		conn := c.connByAddr[server]
		if conn == nil {
			conn = c.openConnection(server)
		}

		conn.pendingChans = append(conn.pendingChans, ch)
		ch.conn = conn
		ch.state = chanConnecting

		conn.createChannels()
	}
}

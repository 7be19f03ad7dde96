package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pvalab/pva/protocol"
	"github.com/pvalab/pva/utils"
)

const (
	defaultReadTimeLimit = 5 * time.Second
	defaultBufferMax     = 1 << 22
)

// Peer runs the read and write pumps of one TCP connection.
//
// Read path: bytes accumulate in a growing buffer until at least one
// whole PVA frame is present; protocol.Split carves complete frames out
// and they are handed to the handler's Drain. A frame that cannot fit
// the buffer limit, or a corrupt header, kills the connection — frame
// sync can't be re-established mid-stream.
//
// Write path: the handler's Feed blocks until frames are queued, then
// the batch goes out as vectored I/O.
type Peer struct {
	closed         atomic.Bool
	wg             sync.WaitGroup
	writeBatchSize utils.RateAvg

	conn               net.Conn
	inout              protocol.FeedDrainCloser
	incomingBuffer     atomic.Int32
	readAccumTimeLimit time.Duration
	bufferMaxSize      int
	writeTimeout       time.Duration
}

func (p *Peer) getReadTimeLimit() time.Duration {
	if p.readAccumTimeLimit != 0 {
		return p.readAccumTimeLimit
	}
	return defaultReadTimeLimit
}

func (p *Peer) getBufferMax() int {
	if p.bufferMaxSize != 0 {
		return p.bufferMaxSize
	}
	return defaultBufferMax
}

func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	for !p.closed.Load() && ctx.Err() == nil {
		if buf.Available() < TYPICAL_MTU {
			buf.Grow(TYPICAL_MTU)
		}

		idle := buf.AvailableBuffer()[:buf.Available()]
		p.conn.SetReadDeadline(time.Now().Add(p.getReadTimeLimit()))
		n, rerr := p.conn.Read(idle)
		if n > 0 {
			buf.Write(idle[:n])
		}
		if rerr != nil && errors.Is(rerr, os.ErrDeadlineExceeded) {
			continue
		}
		p.incomingBuffer.Store(int32(buf.Len()))

		recs, err := protocol.Split(&buf)
		if err != nil && !errors.Is(err, protocol.ErrIncomplete) {
			return err
		}
		if errors.Is(err, protocol.ErrIncomplete) && buf.Len() >= p.getBufferMax() {
			return errors.Join(err, errors.New("frame exceeds read buffer"))
		}
		if len(recs) > 0 {
			if err := p.inout.Drain(ctx, recs); err != nil {
				return err
			}
		}
		if rerr != nil {
			// whole frames already drained; EOF is a normal shutdown
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}

	return nil
}

func (p *Peer) GetIncomingBufferSize() int32 {
	return p.incomingBuffer.Load()
}

func (p *Peer) keepWrite(ctx context.Context) error {
	for !p.closed.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
			// continue
		}

		recs, err := p.inout.Feed(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, utils.ErrQueueClosed) {
				return nil
			}
			return err
		}
		p.writeBatchSize.Add(float64(protocol.Records(recs).TotalLen()))

		b := net.Buffers(recs)
		if p.writeTimeout != 0 {
			p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		}
		for len(b) > 0 {
			if _, err = b.WriteTo(p.conn); err != nil {
				return err
			}
		}
	}

	return nil
}

// Keep runs both pumps until either fails, then closes the socket and
// cancels the context so the other unblocks; the read side treats
// net.ErrClosed as an expected shutdown. Frames still queued or being
// written when the read side stops first are not flushed.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	p.wg.Add(2) // read & write
	defer p.wg.Add(-2)

	if p.closed.Load() {
		return nil, nil, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.keepRead(ctx) }()
	go func() { writeErrCh <- p.keepWrite(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
			if errors.Is(rerr, net.ErrClosed) {
				// that's ok, we probably closed it ourselves
				rerr = nil
			}
		case werr = <-writeErrCh:
		}

		if i == 0 {
			// first pump down: close the socket and cancel so the other
			// unblocks from Read or Feed
			cerr = p.conn.Close()
			cancel()
		}
		p.closed.Store(true)
	}
	p.conn = nil
	return
}

func (p *Peer) Close() {
	p.closed.Store(true)
	p.wg.Wait()

	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.inout.Close()
}

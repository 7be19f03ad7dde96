package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
)

// ReadBuf is a typed cursor over one message body in the peer's byte
// order. The first malformed read sets a sticky fault recording the
// file:line where it happened; every later read returns zero values.
type ReadBuf struct {
	buf []byte
	pos int
	be  bool

	faulted bool
	file    string
	line    int
}

func NewReadBuf(be bool, body []byte) *ReadBuf {
	return &ReadBuf{buf: body, be: be}
}

// Good reports whether no fault has been observed so far.
func (b *ReadBuf) Good() bool { return !b.faulted }

// Fault marks the cursor as faulted at the caller's location. Idempotent:
// only the first fault is recorded.
func (b *ReadBuf) Fault() {
	if b.faulted {
		return
	}
	b.faulted = true
	_, b.file, b.line, _ = runtime.Caller(1)
}

func (b *ReadBuf) fault() {
	if b.faulted {
		return
	}
	b.faulted = true
	_, b.file, b.line, _ = runtime.Caller(2)
}

// Err returns ErrFault annotated with the first fault location, or nil.
func (b *ReadBuf) Err() error {
	if !b.faulted {
		return nil
	}
	return fmt.Errorf("%w (first fault at %s:%d)", ErrFault, b.file, b.line)
}

// At returns the recorded location of the first fault.
func (b *ReadBuf) At() (file string, line int) { return b.file, b.line }

func (b *ReadBuf) Remaining() int { return len(b.buf) - b.pos }

func (b *ReadBuf) ensure(n int) bool {
	if b.faulted {
		return false
	}
	if b.Remaining() < n {
		b.fault()
		return false
	}
	return true
}

func (b *ReadBuf) Skip(n int) {
	if !b.ensure(n) {
		return
	}
	b.pos += n
}

func (b *ReadBuf) GetU8() uint8 {
	if !b.ensure(1) {
		return 0
	}
	v := b.buf[b.pos]
	b.pos++
	return v
}

func (b *ReadBuf) GetU16() uint16 {
	if !b.ensure(2) {
		return 0
	}
	var v uint16
	if b.be {
		v = binary.BigEndian.Uint16(b.buf[b.pos:])
	} else {
		v = binary.LittleEndian.Uint16(b.buf[b.pos:])
	}
	b.pos += 2
	return v
}

func (b *ReadBuf) GetU32() uint32 {
	if !b.ensure(4) {
		return 0
	}
	var v uint32
	if b.be {
		v = binary.BigEndian.Uint32(b.buf[b.pos:])
	} else {
		v = binary.LittleEndian.Uint32(b.buf[b.pos:])
	}
	b.pos += 4
	return v
}

func (b *ReadBuf) GetU64() uint64 {
	if !b.ensure(8) {
		return 0
	}
	var v uint64
	if b.be {
		v = binary.BigEndian.Uint64(b.buf[b.pos:])
	} else {
		v = binary.LittleEndian.Uint64(b.buf[b.pos:])
	}
	b.pos += 8
	return v
}

func (b *ReadBuf) GetF64() float64 {
	return math.Float64frombits(b.GetU64())
}

// GetBytes returns n raw bytes without copying. The slice aliases the
// frame and must not be retained past message processing.
func (b *ReadBuf) GetBytes(n int) []byte {
	if n < 0 {
		b.fault()
		return nil
	}
	if !b.ensure(n) {
		return nil
	}
	v := b.buf[b.pos : b.pos+n]
	b.pos += n
	return v
}

// GetSize decodes the PVA variable-length size: one byte below 254, or
// 254 followed by a u32. 255 (the "null" marker) faults, as does a u32
// size larger than the remaining body; a one-byte size is not checked
// against the body here.
func (b *ReadBuf) GetSize() int {
	v := b.GetU8()
	if b.faulted {
		return 0
	}
	switch v {
	case 255:
		b.fault()
		return 0
	case 254:
		n := b.GetU32()
		if n > uint32(b.Remaining()) {
			b.fault()
			return 0
		}
		return int(n)
	default:
		return int(v)
	}
}

func (b *ReadBuf) GetString() string {
	n := b.GetSize()
	raw := b.GetBytes(n)
	if b.faulted {
		return ""
	}
	return string(raw)
}

// WriteBuf assembles one message body. Bodies are built in a reusable
// scratch buffer and committed atomically with a command byte by the
// connection layer.
type WriteBuf struct {
	buf []byte
	be  bool
}

func NewWriteBuf(be bool) *WriteBuf { return &WriteBuf{be: be} }

func (b *WriteBuf) BigEndian() bool { return b.be }

// Reset drops the accumulated body. Must be called before assembling a
// new frame in a shared scratch buffer.
func (b *WriteBuf) Reset() { b.buf = b.buf[:0] }

func (b *WriteBuf) Len() int { return len(b.buf) }

// Bytes returns the accumulated body. The slice is invalidated by the
// next Reset.
func (b *WriteBuf) Bytes() []byte { return b.buf }

func (b *WriteBuf) PutU8(v uint8) { b.buf = append(b.buf, v) }

func (b *WriteBuf) PutU16(v uint16) {
	if b.be {
		b.buf = binary.BigEndian.AppendUint16(b.buf, v)
	} else {
		b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
	}
}

func (b *WriteBuf) PutU32(v uint32) {
	if b.be {
		b.buf = binary.BigEndian.AppendUint32(b.buf, v)
	} else {
		b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
	}
}

func (b *WriteBuf) PutU64(v uint64) {
	if b.be {
		b.buf = binary.BigEndian.AppendUint64(b.buf, v)
	} else {
		b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
	}
}

func (b *WriteBuf) PutF64(v float64) { b.PutU64(math.Float64bits(v)) }

func (b *WriteBuf) PutBytes(v []byte) { b.buf = append(b.buf, v...) }

func (b *WriteBuf) PutSize(n int) {
	if n < 0 {
		panic("negative size")
	}
	if n < 254 {
		b.PutU8(uint8(n))
	} else {
		b.PutU8(254)
		b.PutU32(uint32(n))
	}
}

func (b *WriteBuf) PutString(s string) {
	b.PutSize(len(s))
	b.buf = append(b.buf, s...)
}

// Save returns the current write position, Fixup overwrites previously
// reserved bytes at pos. Used for placeholders filled after the fact
// (search frame channel counts).
func (b *WriteBuf) Save() int { return len(b.buf) }

func (b *WriteBuf) FixupU16(pos int, v uint16) {
	if b.be {
		binary.BigEndian.PutUint16(b.buf[pos:], v)
	} else {
		binary.LittleEndian.PutUint16(b.buf[pos:], v)
	}
}

// Truncate discards everything written after pos.
func (b *WriteBuf) Truncate(pos int) { b.buf = b.buf[:pos] }

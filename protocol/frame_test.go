package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitWholeFrames(t *testing.T) {
	var raw []byte
	raw = AppendFrame(raw, false, CmdGet, []byte{1, 2, 3})
	raw = AppendFrame(raw, false, CmdPut, nil)
	raw = AppendFrame(raw, true, CmdRPC, []byte{9})

	buf := bytes.NewBuffer(raw)
	recs, err := Split(buf)
	assert.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, 0, buf.Len())

	hdr, body, err := DecodeFrame(recs[0])
	require.NoError(t, err)
	assert.Equal(t, CmdGet, hdr.Cmd)
	assert.False(t, hdr.BigEndian())
	assert.Equal(t, []byte{1, 2, 3}, body)

	hdr, body, err = DecodeFrame(recs[1])
	require.NoError(t, err)
	assert.Equal(t, CmdPut, hdr.Cmd)
	assert.Len(t, body, 0)

	hdr, body, err = DecodeFrame(recs[2])
	require.NoError(t, err)
	assert.Equal(t, CmdRPC, hdr.Cmd)
	assert.True(t, hdr.BigEndian())
	assert.Equal(t, []byte{9}, body)
}

func TestSplitIncomplete(t *testing.T) {
	var raw []byte
	raw = AppendFrame(raw, false, CmdGet, []byte{1, 2, 3})
	raw = AppendFrame(raw, false, CmdPut, []byte{4, 5, 6, 7})

	// cut the second frame mid-body
	buf := bytes.NewBuffer(raw[:len(raw)-2])
	recs, err := Split(buf)
	assert.ErrorIs(t, err, ErrIncomplete)
	require.Len(t, recs, 1)

	// the partial frame stays buffered; feeding the tail completes it
	buf.Write(raw[len(raw)-2:])
	recs, err = Split(buf)
	assert.NoError(t, err)
	require.Len(t, recs, 1)

	hdr, body, err := DecodeFrame(recs[0])
	require.NoError(t, err)
	assert.Equal(t, CmdPut, hdr.Cmd)
	assert.Equal(t, []byte{4, 5, 6, 7}, body)
}

func TestSplitBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 0})
	_, err := Split(buf)
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestSplitRejectsSegmented(t *testing.T) {
	raw := AppendFrame(nil, false, CmdGet, nil)
	raw[2] |= 0x10 // segmentation bits
	_, err := Split(bytes.NewBuffer(raw))
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestReadBufFaultSticky(t *testing.T) {
	b := NewReadBuf(false, []byte{0x2A})
	assert.Equal(t, uint8(0x2A), b.GetU8())
	assert.True(t, b.Good())

	// past the end: fault, then every read is a dead no-op
	assert.Equal(t, uint32(0), b.GetU32())
	assert.False(t, b.Good())
	assert.Equal(t, uint8(0), b.GetU8())
	assert.Equal(t, "", b.GetString())

	err := b.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFault)
	file, line := b.At()
	assert.Contains(t, file, "buf.go")
	assert.Greater(t, line, 0)
}

func TestBufRoundTripBothOrders(t *testing.T) {
	for _, be := range []bool{false, true} {
		w := NewWriteBuf(be)
		w.PutU8(7)
		w.PutU16(0x1234)
		w.PutU32(0xDEADBEEF)
		w.PutU64(0x1122334455667788)
		w.PutF64(1.5)
		w.PutString("hello")
		w.PutString("")

		r := NewReadBuf(be, w.Bytes())
		assert.Equal(t, uint8(7), r.GetU8())
		assert.Equal(t, uint16(0x1234), r.GetU16())
		assert.Equal(t, uint32(0xDEADBEEF), r.GetU32())
		assert.Equal(t, uint64(0x1122334455667788), r.GetU64())
		assert.Equal(t, 1.5, r.GetF64())
		assert.Equal(t, "hello", r.GetString())
		assert.Equal(t, "", r.GetString())
		assert.True(t, r.Good())
		assert.Equal(t, 0, r.Remaining())
	}
}

func TestSizeEncoding(t *testing.T) {
	w := NewWriteBuf(false)
	w.PutSize(0)
	w.PutSize(253)
	w.PutSize(254)
	w.PutSize(100000)

	r := NewReadBuf(false, append(w.Bytes(), make([]byte, 100254)...))
	assert.Equal(t, 0, r.GetSize())
	assert.Equal(t, 253, r.GetSize())
	assert.Equal(t, 254, r.GetSize())
	assert.Equal(t, 100000, r.GetSize())
	assert.True(t, r.Good())

	// the null size marker is a fault for this client
	r = NewReadBuf(false, []byte{255})
	r.GetSize()
	assert.False(t, r.Good())

	// a size exceeding the body is a fault, not a huge allocation
	r = NewReadBuf(false, []byte{254, 0xFF, 0xFF, 0xFF, 0x0F})
	r.GetSize()
	assert.False(t, r.Good())
}

func TestStatusRoundTrip(t *testing.T) {
	cases := []Status{
		{Code: StatusOK},
		{Code: StatusError, Msg: "no such field", Trace: "srv.cpp:42"},
		{Code: StatusWarning, Msg: "deprecated"},
	}
	for _, s := range cases {
		w := NewWriteBuf(false)
		PutStatus(w, s)
		r := NewReadBuf(false, w.Bytes())
		got := GetStatus(r)
		assert.True(t, r.Good())
		assert.Equal(t, s, got)
	}

	assert.True(t, Status{Code: StatusOK}.IsSuccess())
	assert.True(t, Status{Code: StatusWarning, Msg: "w"}.IsSuccess())
	assert.False(t, Status{Code: StatusError, Msg: "e"}.IsSuccess())
	assert.False(t, Status{Code: StatusFatal}.IsSuccess())
}

func TestWriteBufFixup(t *testing.T) {
	w := NewWriteBuf(false)
	w.PutU8(1)
	pos := w.Save()
	w.PutU16(0) // placeholder
	w.PutString("x")
	w.FixupU16(pos, 42)

	r := NewReadBuf(false, w.Bytes())
	assert.Equal(t, uint8(1), r.GetU8())
	assert.Equal(t, uint16(42), r.GetU16())
	assert.Equal(t, "x", r.GetString())
}

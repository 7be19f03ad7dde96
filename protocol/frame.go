/*
Package protocol implements the PV Access message framing and the typed
wire cursors used to build and parse message bodies.

# Frame Format

Every application message travels in a frame with a fixed 8-byte header
followed by a body:

	[0xCA, version, flags, command, bodylen:u32]

The flags byte carries the byte order of the body length field and of the
body itself (0x80 = big endian) and the direction bit (0x40 = sent by a
server). A frame is self-delimiting; Split carves complete frames out of
a read buffer and leaves partial ones for the next read.

# Cursors

Bodies are parsed with ReadBuf and built with WriteBuf. A ReadBuf carries
a sticky fault flag: the first malformed read records the file:line of
the failure and every subsequent read becomes a no-op returning zero
values. Consumers must check Good() after a parse step and tear the
connection down on fault, since a partially consumed body leaves the
peer's type registry in an unknown state.

# Commands

Command byte values follow the PVA application command set. Only the
subset used by a client is named here.
*/
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic is the first byte of every PVA frame.
	Magic uint8 = 0xCA
	// Version is the protocol version sent in outgoing headers.
	Version uint8 = 2

	// HeaderLen is the fixed frame header size.
	HeaderLen = 8

	// FlagMSB marks a big-endian body, FlagFromServer a server-sent frame.
	FlagMSB        uint8 = 0x80
	FlagFromServer uint8 = 0x40
	// FlagControl and FlagSegMask never appear in application frames a
	// client is willing to process.
	FlagControl uint8 = 0x01
	FlagSegMask uint8 = 0x30
)

// Application commands (client subset).
const (
	CmdBeacon         uint8 = 0x00
	CmdEcho           uint8 = 0x02
	CmdSearch         uint8 = 0x03
	CmdSearchResponse uint8 = 0x04
	CmdCreateChannel  uint8 = 0x07
	CmdDestroyChannel uint8 = 0x08
	CmdGet            uint8 = 0x0A
	CmdPut            uint8 = 0x0B
	CmdMonitor        uint8 = 0x0D
	CmdDestroyRequest uint8 = 0x0F
	CmdGetField       uint8 = 0x11
	CmdMessage        uint8 = 0x12
	CmdRPC            uint8 = 0x14
)

// Operation subcommand bits shared by GET/PUT/RPC.
const (
	SubInit uint8 = 0x08
	SubGet  uint8 = 0x40
	SubExec uint8 = 0x00
)

var (
	ErrIncomplete = errors.New("pva: incomplete frame")
	ErrBadFrame   = errors.New("pva: bad frame header")
	ErrFault      = errors.New("pva: malformed message body")
)

// Records is a batch of whole frames. Batching keeps the read path cheap
// (one Split per socket read) and converts directly to net.Buffers on the
// write path.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}

// Header is the decoded fixed frame header.
type Header struct {
	Cmd     uint8
	Flags   uint8
	BodyLen uint32
}

// BigEndian reports the byte order of the frame body.
func (h Header) BigEndian() bool { return h.Flags&FlagMSB != 0 }

// ProbeHeader inspects the start of data for a frame header.
//
// Returns:
//   - hdr: decoded header, zero if not yet decodable
//   - n: total frame length (header+body), 0 if incomplete
//   - err: ErrBadFrame on a corrupt header
func ProbeHeader(data []byte) (hdr Header, n int, err error) {
	if len(data) < HeaderLen {
		return
	}
	if data[0] != Magic || data[1] == 0 {
		return hdr, 0, ErrBadFrame
	}
	flags := data[2]
	if flags&(FlagControl|FlagSegMask) != 0 {
		// control and segmented frames are not used by this client
		return hdr, 0, ErrBadFrame
	}
	hdr.Flags = flags
	hdr.Cmd = data[3]
	if flags&FlagMSB != 0 {
		hdr.BodyLen = binary.BigEndian.Uint32(data[4:8])
	} else {
		hdr.BodyLen = binary.LittleEndian.Uint32(data[4:8])
	}
	if hdr.BodyLen > 0x7fffffff {
		return hdr, 0, ErrBadFrame
	}
	return hdr, HeaderLen + int(hdr.BodyLen), nil
}

// Split parses a buffer containing zero or more frames, consuming every
// complete one. A trailing partial frame is left in the buffer and
// reported as ErrIncomplete so the caller can wait for more bytes.
func Split(data *bytes.Buffer) (recs Records, err error) {
	for data.Len() > 0 {
		_, n, perr := ProbeHeader(data.Bytes())
		if perr != nil {
			if len(recs) == 0 {
				err = perr
			}
			return
		}
		if n == 0 || n > data.Len() {
			err = errors.Join(ErrIncomplete, fmt.Errorf("need %d, have %d", n, data.Len()))
			return
		}

		frame := make([]byte, n)
		if m, rerr := data.Read(frame); rerr != nil {
			return recs, rerr
		} else if m != n {
			panic("impossible buffer reading")
		}

		recs = append(recs, frame)
	}
	return
}

// DecodeFrame splits one whole frame into its header and body.
func DecodeFrame(frame []byte) (Header, []byte, error) {
	hdr, n, err := ProbeHeader(frame)
	if err != nil {
		return hdr, nil, err
	}
	if n == 0 || n != len(frame) {
		return hdr, nil, ErrIncomplete
	}
	return hdr, frame[HeaderLen:n], nil
}

// AppendFrame appends a complete frame for cmd with the given body.
// The body's byte order is declared via be and must match how the body
// was serialized.
func AppendFrame(into []byte, be bool, cmd uint8, body []byte) []byte {
	flags := uint8(0)
	if be {
		flags |= FlagMSB
	}
	into = append(into, Magic, Version, flags, cmd)
	if be {
		into = binary.BigEndian.AppendUint32(into, uint32(len(body)))
	} else {
		into = binary.LittleEndian.AppendUint32(into, uint32(len(body)))
	}
	return append(into, body...)
}

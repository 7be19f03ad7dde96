package pvdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvalab/pva/protocol"
)

func TestFullRoundTrip(t *testing.T) {
	td := StructOf("point_t",
		Field{Name: "x", Type: Scalar(Float64)},
		Field{Name: "y", Type: Scalar(Float64)},
		Field{Name: "label", Type: Scalar(String)},
		Field{Name: "hit", Type: Scalar(Bool)},
	)
	v := New(td)
	require.NoError(t, v.Set("x", 1.5))
	require.NoError(t, v.Set("y", -2.25))
	require.NoError(t, v.Set("label", "origin"))
	require.NoError(t, v.Set("hit", true))

	tx, rx := NewRegistry(), NewRegistry()

	w := protocol.NewWriteBuf(false)
	WriteFull(w, tx, v)

	r := protocol.NewReadBuf(false, w.Bytes())
	got := ReadFull(r, rx)
	require.True(t, r.Good())
	require.NotNil(t, got)
	assert.Equal(t, 1.5, got.Lookup("x").Float())
	assert.Equal(t, -2.25, got.Lookup("y").Float())
	assert.Equal(t, "origin", got.Lookup("label").Str())
	assert.True(t, got.Lookup("hit").Bool())
	assert.Equal(t, 0, r.Remaining())
}

func TestTypeIDReference(t *testing.T) {
	td := StructOf("pair_t",
		Field{Name: "a", Type: Scalar(Int32)},
		Field{Name: "b", Type: Scalar(Int64)},
	)
	tx, rx := NewRegistry(), NewRegistry()

	w := protocol.NewWriteBuf(false)
	WriteType(w, tx, td)
	first := w.Len()
	WriteType(w, tx, td)
	// the second encoding is an id reference: tag + u16
	assert.Equal(t, 3, w.Len()-first)

	r := protocol.NewReadBuf(false, w.Bytes())
	td1 := ReadType(r, rx)
	td2 := ReadType(r, rx)
	require.True(t, r.Good())
	assert.Same(t, td1, td2)
	assert.Equal(t, "pair_t", td1.ID)
}

func TestUnknownIDReferenceFaults(t *testing.T) {
	w := protocol.NewWriteBuf(false)
	w.PutU8(0xFE)
	w.PutU16(7)

	r := protocol.NewReadBuf(false, w.Bytes())
	td := ReadType(r, NewRegistry())
	assert.Nil(t, td)
	assert.False(t, r.Good())
}

func TestValidRoundTripAgainstPrototype(t *testing.T) {
	proto := New(StructOf("s",
		Field{Name: "value", Type: Scalar(Float64)},
		Field{Name: "count", Type: Scalar(Int32)},
	))

	src := proto.CloneEmpty()
	require.NoError(t, src.Set("value", 7.5))
	require.NoError(t, src.Set("count", int32(3)))

	w := protocol.NewWriteBuf(true)
	WriteValid(w, src)

	dst := proto.CloneEmpty()
	r := protocol.NewReadBuf(true, w.Bytes())
	ReadValid(r, dst)
	require.True(t, r.Good())
	assert.Equal(t, 7.5, dst.Lookup("value").Float())
	assert.Equal(t, int64(3), dst.Lookup("count").Int())
}

func TestTruncatedValueFaults(t *testing.T) {
	proto := New(StructOf("s",
		Field{Name: "a", Type: Scalar(Int64)},
		Field{Name: "b", Type: Scalar(String)},
	))
	src := proto.CloneEmpty()
	require.NoError(t, src.Set("a", int64(1)))
	require.NoError(t, src.Set("b", "hello"))

	w := protocol.NewWriteBuf(false)
	WriteValid(w, src)

	dst := proto.CloneEmpty()
	r := protocol.NewReadBuf(false, w.Bytes()[:w.Len()-3])
	ReadValid(r, dst)
	assert.False(t, r.Good())
}

func TestBadDescriptorFaults(t *testing.T) {
	// full-with-id tag followed by a bogus kind byte
	w := protocol.NewWriteBuf(false)
	w.PutU8(0xFD)
	w.PutU16(0)
	w.PutU8(0x99)

	r := protocol.NewReadBuf(false, w.Bytes())
	td := ReadType(r, NewRegistry())
	assert.Nil(t, td)
	assert.False(t, r.Good())
}

package pvdata

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pvalab/pva/protocol"
)

// Type descriptor framing tags. A descriptor is sent in full once under a
// 16-bit id and referenced by id afterwards; the registry caches both
// directions. Any malformed descriptor faults the cursor, which the
// connection layer treats as fatal — a desynchronized registry silently
// corrupts every later reply.
const (
	tagNull     uint8 = 0xFF
	tagOnlyID   uint8 = 0xFE
	tagFullWith uint8 = 0xFD
)

const registrySize = 1024

// Registry caches type descriptors exchanged on one connection, keyed by
// the peer-assigned 16-bit id. Bounded: peers are free to churn ids.
type Registry struct {
	byID   *lru.Cache[uint16, *TypeDescr]
	idFor  map[*TypeDescr]uint16
	nextID uint16
}

func NewRegistry() *Registry {
	cache, err := lru.New[uint16, *TypeDescr](registrySize)
	if err != nil {
		panic(err)
	}
	return &Registry{
		byID:  cache,
		idFor: make(map[*TypeDescr]uint16),
	}
}

// WriteType encodes td, in full with a fresh id on first sight and as an
// id reference afterwards. A nil descriptor encodes as the null tag.
func WriteType(w *protocol.WriteBuf, reg *Registry, td *TypeDescr) {
	if td == nil {
		w.PutU8(tagNull)
		return
	}
	if id, ok := reg.idFor[td]; ok {
		w.PutU8(tagOnlyID)
		w.PutU16(id)
		return
	}
	id := reg.nextID
	reg.nextID++
	reg.idFor[td] = id
	reg.byID.Add(id, td)

	w.PutU8(tagFullWith)
	w.PutU16(id)
	writeDescr(w, td)
}

// ReadType decodes a descriptor, resolving id references through the
// registry. An unknown id reference faults the cursor.
func ReadType(r *protocol.ReadBuf, reg *Registry) *TypeDescr {
	tag := r.GetU8()
	if !r.Good() {
		return nil
	}
	switch tag {
	case tagNull:
		return nil
	case tagOnlyID:
		id := r.GetU16()
		if !r.Good() {
			return nil
		}
		td, ok := reg.byID.Get(id)
		if !ok {
			r.Fault()
			return nil
		}
		return td
	case tagFullWith:
		id := r.GetU16()
		td := readDescr(r)
		if !r.Good() {
			return nil
		}
		reg.byID.Add(id, td)
		return td
	default:
		r.Fault()
		return nil
	}
}

func writeDescr(w *protocol.WriteBuf, td *TypeDescr) {
	w.PutU8(uint8(td.Kind))
	if td.Kind != Struct {
		return
	}
	w.PutString(td.ID)
	w.PutSize(len(td.Fields))
	for _, f := range td.Fields {
		w.PutString(f.Name)
		writeDescr(w, f.Type)
	}
}

func readDescr(r *protocol.ReadBuf) *TypeDescr {
	k := Kind(r.GetU8())
	if !r.Good() || !k.valid() {
		r.Fault()
		return nil
	}
	if k != Struct {
		return Scalar(k)
	}
	id := r.GetString()
	n := r.GetSize()
	if !r.Good() {
		return nil
	}
	fields := make([]Field, 0, n)
	for i := 0; i < n; i++ {
		name := r.GetString()
		sub := readDescr(r)
		if !r.Good() {
			return nil
		}
		fields = append(fields, Field{Name: name, Type: sub})
	}
	return StructOf(id, fields...)
}

// WriteFull encodes descriptor plus data ("full" encoding).
func WriteFull(w *protocol.WriteBuf, reg *Registry, v *Value) {
	if v == nil {
		w.PutU8(tagNull)
		return
	}
	WriteType(w, reg, v.td)
	WriteValid(w, v)
}

// ReadFull decodes a descriptor-carrying value. A null type yields nil.
func ReadFull(r *protocol.ReadBuf, reg *Registry) *Value {
	td := ReadType(r, reg)
	if td == nil || !r.Good() {
		return nil
	}
	v := New(td)
	ReadValid(r, v)
	if !r.Good() {
		return nil
	}
	return v
}

// WriteValid encodes data only; the peer infers the layout from a
// previously communicated prototype.
func WriteValid(w *protocol.WriteBuf, v *Value) {
	switch v.td.Kind {
	case Bool:
		if v.scalar.(bool) {
			w.PutU8(1)
		} else {
			w.PutU8(0)
		}
	case Int32:
		w.PutU32(uint32(v.scalar.(int32)))
	case Int64:
		w.PutU64(uint64(v.scalar.(int64)))
	case Float64:
		w.PutF64(v.scalar.(float64))
	case String:
		w.PutString(v.scalar.(string))
	case Struct:
		for _, f := range v.fields {
			WriteValid(w, f)
		}
	}
}

// ReadValid decodes data in place against v's type.
func ReadValid(r *protocol.ReadBuf, v *Value) {
	switch v.td.Kind {
	case Bool:
		v.scalar = r.GetU8() != 0
	case Int32:
		v.scalar = int32(r.GetU32())
	case Int64:
		v.scalar = int64(r.GetU64())
	case Float64:
		v.scalar = r.GetF64()
	case String:
		v.scalar = r.GetString()
	case Struct:
		for _, f := range v.fields {
			ReadValid(r, f)
			if !r.Good() {
				return
			}
		}
	}
}

package pvdata

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoConvert is wrapped by every failed coercing assignment.
var ErrNoConvert = errors.New("pvdata: no conversion")

// Value is one typed datum: a scalar or a structure with ordered member
// values matching its descriptor.
type Value struct {
	td     *TypeDescr
	scalar any // bool | int32 | int64 | float64 | string
	fields []*Value
}

// New allocates a zero value of the given type.
func New(td *TypeDescr) *Value {
	v := &Value{td: td}
	switch td.Kind {
	case Bool:
		v.scalar = false
	case Int32:
		v.scalar = int32(0)
	case Int64:
		v.scalar = int64(0)
	case Float64:
		v.scalar = float64(0)
	case String:
		v.scalar = ""
	case Struct:
		v.fields = make([]*Value, len(td.Fields))
		for i := range td.Fields {
			v.fields[i] = New(td.Fields[i].Type)
		}
	default:
		panic(fmt.Sprintf("pvdata: bad kind 0x%02x", uint8(td.Kind)))
	}
	return v
}

// FromAny builds a scalar value from a native Go value.
func FromAny(x any) (*Value, error) {
	switch g := x.(type) {
	case bool:
		v := New(boolDescr)
		v.scalar = g
		return v, nil
	case int:
		v := New(int64Descr)
		v.scalar = int64(g)
		return v, nil
	case int32:
		v := New(int32Descr)
		v.scalar = g
		return v, nil
	case int64:
		v := New(int64Descr)
		v.scalar = g
		return v, nil
	case float64:
		v := New(float64Descr)
		v.scalar = g
		return v, nil
	case string:
		v := New(stringDescr)
		v.scalar = g
		return v, nil
	case *Value:
		return g, nil
	}
	return nil, fmt.Errorf("%w: unsupported Go type %T", ErrNoConvert, x)
}

func (v *Value) Type() *TypeDescr {
	if v == nil {
		return nil
	}
	return v.td
}

// Clone deep-copies the value, data included.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	out := &Value{td: v.td, scalar: v.scalar}
	if v.td.Kind == Struct {
		out.fields = make([]*Value, len(v.fields))
		for i, f := range v.fields {
			out.fields[i] = f.Clone()
		}
	}
	return out
}

// CloneEmpty produces a fresh zero value of the same type. Used to
// decode data replies against the prototype delivered at INIT.
func (v *Value) CloneEmpty() *Value {
	if v == nil {
		return nil
	}
	return New(v.td)
}

// Field returns the named direct member, or nil.
func (v *Value) Field(name string) *Value {
	if v == nil || v.td.Kind != Struct {
		return nil
	}
	for i := range v.td.Fields {
		if v.td.Fields[i].Name == name {
			return v.fields[i]
		}
	}
	return nil
}

// Lookup walks a dot-separated field path. Returns nil if any element of
// the path is absent.
func (v *Value) Lookup(path string) *Value {
	cur := v
	for _, part := range strings.Split(path, ".") {
		cur = cur.Field(part)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// SetFrom assigns src into v with scalar type coercion. Structures only
// assign from identical or same-shaped descriptors. Failure wraps
// ErrNoConvert.
func (v *Value) SetFrom(src *Value) error {
	if v == nil || src == nil {
		return fmt.Errorf("%w: nil value", ErrNoConvert)
	}
	if v.td.Kind == Struct || src.td.Kind == Struct {
		if v.td != src.td && !sameShape(v.td, src.td) {
			return fmt.Errorf("%w: %s <- %s", ErrNoConvert, v.td, src.td)
		}
		for i := range v.fields {
			if err := v.fields[i].SetFrom(src.fields[i]); err != nil {
				return err
			}
		}
		return nil
	}
	return v.setScalar(src.scalar)
}

// Set assigns a native Go value at path, coercing to the field's type.
func (v *Value) Set(path string, x any) error {
	fld := v.Lookup(path)
	if fld == nil {
		return fmt.Errorf("%w: no field %q", ErrNoConvert, path)
	}
	if sub, ok := x.(*Value); ok {
		return fld.SetFrom(sub)
	}
	return fld.setScalar(x)
}

func (v *Value) setScalar(x any) error {
	switch v.td.Kind {
	case Bool:
		switch g := x.(type) {
		case bool:
			v.scalar = g
		case int32:
			v.scalar = g != 0
		case int64:
			v.scalar = g != 0
		case int:
			v.scalar = g != 0
		default:
			return convErr(v, x)
		}
	case Int32:
		switch g := x.(type) {
		case int32:
			v.scalar = g
		case int64:
			v.scalar = int32(g)
		case int:
			v.scalar = int32(g)
		case float64:
			v.scalar = int32(g)
		case bool:
			v.scalar = b2i32(g)
		case string:
			n, err := strconv.ParseInt(g, 10, 32)
			if err != nil {
				return convErr(v, x)
			}
			v.scalar = int32(n)
		default:
			return convErr(v, x)
		}
	case Int64:
		switch g := x.(type) {
		case int64:
			v.scalar = g
		case int32:
			v.scalar = int64(g)
		case int:
			v.scalar = int64(g)
		case float64:
			v.scalar = int64(g)
		case bool:
			v.scalar = int64(b2i32(g))
		case string:
			n, err := strconv.ParseInt(g, 10, 64)
			if err != nil {
				return convErr(v, x)
			}
			v.scalar = n
		default:
			return convErr(v, x)
		}
	case Float64:
		switch g := x.(type) {
		case float64:
			v.scalar = g
		case int32:
			v.scalar = float64(g)
		case int64:
			v.scalar = float64(g)
		case int:
			v.scalar = float64(g)
		case string:
			f, err := strconv.ParseFloat(g, 64)
			if err != nil {
				return convErr(v, x)
			}
			v.scalar = f
		default:
			return convErr(v, x)
		}
	case String:
		switch g := x.(type) {
		case string:
			v.scalar = g
		case float64:
			v.scalar = strconv.FormatFloat(g, 'g', -1, 64)
		case int32:
			v.scalar = strconv.FormatInt(int64(g), 10)
		case int64:
			v.scalar = strconv.FormatInt(g, 10)
		case int:
			v.scalar = strconv.Itoa(g)
		case bool:
			v.scalar = strconv.FormatBool(g)
		default:
			return convErr(v, x)
		}
	default:
		return convErr(v, x)
	}
	return nil
}

func convErr(v *Value, x any) error {
	return fmt.Errorf("%w: %s <- %T", ErrNoConvert, v.td, x)
}

func b2i32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func sameShape(a, b *TypeDescr) bool {
	if a.Kind != b.Kind || a.ID != b.ID || len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		if a.Fields[i].Name != b.Fields[i].Name || !sameShape(a.Fields[i].Type, b.Fields[i].Type) {
			return false
		}
	}
	return true
}

// Scalar accessors. Each converts where sensible and returns the zero
// value otherwise; use Lookup+Type for strict introspection.

func (v *Value) Float() float64 {
	if v == nil {
		return 0
	}
	switch g := v.scalar.(type) {
	case float64:
		return g
	case int32:
		return float64(g)
	case int64:
		return float64(g)
	}
	return 0
}

func (v *Value) Int() int64 {
	if v == nil {
		return 0
	}
	switch g := v.scalar.(type) {
	case int64:
		return g
	case int32:
		return int64(g)
	case float64:
		return int64(g)
	}
	return 0
}

func (v *Value) Str() string {
	if v == nil {
		return ""
	}
	if s, ok := v.scalar.(string); ok {
		return s
	}
	return ""
}

func (v *Value) Bool() bool {
	if v == nil {
		return false
	}
	if b, ok := v.scalar.(bool); ok {
		return b
	}
	return false
}

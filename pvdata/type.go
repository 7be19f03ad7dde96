// Package pvdata models the structured values exchanged over PV Access:
// type descriptors, typed values with field-path access and coercing
// assignment, and their wire (de)serialization against a per-connection
// type registry.
package pvdata

import "fmt"

// Kind is the wire type code of a field.
type Kind uint8

const (
	Bool    Kind = 0x00
	Int32   Kind = 0x22
	Int64   Kind = 0x23
	Float64 Kind = 0x43
	String  Kind = 0x60
	Struct  Kind = 0x80
)

func (k Kind) String() string {
	switch k {
	case Bool:
		return "bool"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float64:
		return "double"
	case String:
		return "string"
	case Struct:
		return "struct"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

func (k Kind) valid() bool {
	switch k {
	case Bool, Int32, Int64, Float64, String, Struct:
		return true
	}
	return false
}

// Field is one named member of a structure type.
type Field struct {
	Name string
	Type *TypeDescr
}

// TypeDescr describes a type. Scalar descriptors carry only a Kind;
// structures additionally carry a type ID and ordered member list.
type TypeDescr struct {
	Kind   Kind
	ID     string
	Fields []Field
}

// Scalar returns the shared descriptor for a scalar kind.
func Scalar(k Kind) *TypeDescr {
	switch k {
	case Bool:
		return boolDescr
	case Int32:
		return int32Descr
	case Int64:
		return int64Descr
	case Float64:
		return float64Descr
	case String:
		return stringDescr
	}
	panic("not a scalar kind")
}

var (
	boolDescr    = &TypeDescr{Kind: Bool}
	int32Descr   = &TypeDescr{Kind: Int32}
	int64Descr   = &TypeDescr{Kind: Int64}
	float64Descr = &TypeDescr{Kind: Float64}
	stringDescr  = &TypeDescr{Kind: String}
)

// StructOf builds a structure descriptor.
func StructOf(id string, fields ...Field) *TypeDescr {
	return &TypeDescr{Kind: Struct, ID: id, Fields: fields}
}

// Member looks up a direct member descriptor by name.
func (t *TypeDescr) Member(name string) (*TypeDescr, bool) {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return t.Fields[i].Type, true
		}
	}
	return nil, false
}

func (t *TypeDescr) String() string {
	if t == nil {
		return "<nil>"
	}
	if t.Kind != Struct {
		return t.Kind.String()
	}
	if t.ID != "" {
		return "struct " + t.ID
	}
	return "struct"
}

package schema

import "strconv"

// Type is a declared field, element or parameter type. The set of
// implementations is closed: every switch over a Type handles each of the
// variants below.
type Type interface {
	String() string
	isType()
}

type (
	Void    struct{}
	Bool    struct{}
	Int8    struct{}
	Int16   struct{}
	Int32   struct{}
	Int64   struct{}
	Uint8   struct{}
	Uint16  struct{}
	Uint32  struct{}
	Uint64  struct{}
	Float32 struct{}
	Float64 struct{}
	Text    struct{}
	Data    struct{}

	// AnyPointer is an untyped pointer. It is declared but never converted.
	AnyPointer struct{}
)

// List is a list of Elem.
type List struct {
	Elem Type
}

// Enum, Struct and Interface refer to a node by id. The node is looked up
// when needed, so mutually recursive types never build eagerly.
type (
	Enum struct {
		ID   uint64
		Name string
	}
	Struct struct {
		ID   uint64
		Name string
	}
	Interface struct {
		ID   uint64
		Name string
	}
)

func (Void) isType()       {}
func (Bool) isType()       {}
func (Int8) isType()       {}
func (Int16) isType()      {}
func (Int32) isType()      {}
func (Int64) isType()      {}
func (Uint8) isType()      {}
func (Uint16) isType()     {}
func (Uint32) isType()     {}
func (Uint64) isType()     {}
func (Float32) isType()    {}
func (Float64) isType()    {}
func (Text) isType()       {}
func (Data) isType()       {}
func (AnyPointer) isType() {}
func (List) isType()       {}
func (Enum) isType()       {}
func (Struct) isType()     {}
func (Interface) isType()  {}

func (Void) String() string       { return "Void" }
func (Bool) String() string       { return "Bool" }
func (Int8) String() string       { return "Int8" }
func (Int16) String() string      { return "Int16" }
func (Int32) String() string      { return "Int32" }
func (Int64) String() string      { return "Int64" }
func (Uint8) String() string      { return "UInt8" }
func (Uint16) String() string     { return "UInt16" }
func (Uint32) String() string     { return "UInt32" }
func (Uint64) String() string     { return "UInt64" }
func (Float32) String() string    { return "Float32" }
func (Float64) String() string    { return "Float64" }
func (Text) String() string       { return "Text" }
func (Data) String() string       { return "Data" }
func (AnyPointer) String() string { return "AnyPointer" }

func (t List) String() string { return "List(" + t.Elem.String() + ")" }

func (t Enum) String() string      { return refName(t.Name, t.ID) }
func (t Struct) String() string    { return refName(t.Name, t.ID) }
func (t Interface) String() string { return refName(t.Name, t.ID) }

func refName(name string, id uint64) string {
	if name != "" {
		return name
	}
	return "@0x" + strconv.FormatUint(id, 16)
}

// DataBits returns the width of a data-section slot for t, or 0 when t is
// stored in the pointer section or takes no space.
func DataBits(t Type) uint32 {
	switch t.(type) {
	case Bool:
		return 1
	case Int8, Uint8:
		return 8
	case Int16, Uint16, Enum:
		return 16
	case Int32, Uint32, Float32:
		return 32
	case Int64, Uint64, Float64:
		return 64
	default:
		return 0
	}
}

// IsPointer reports whether t is stored in the pointer section.
func IsPointer(t Type) bool {
	switch t.(type) {
	case Text, Data, List, Struct, Interface, AnyPointer:
		return true
	default:
		return false
	}
}

// Is64Bit reports whether t is a 64-bit integer. These decode to decimal
// strings because hosts cannot hold the full range in a float.
func Is64Bit(t Type) bool {
	switch t.(type) {
	case Int64, Uint64:
		return true
	default:
		return false
	}
}

package dynamic

import "github.com/wippyai/capbridge/schema"

// Value is a schema-typed value read from or written to a message. The set
// of variants is closed. A Value is interpreted against the schema.Type of
// the field or element that holds it: IntValue alone does not say whether
// the slot is 8 or 64 bits wide.
type Value interface {
	isValue()
}

type (
	// AbsentValue is a field that is not set.
	AbsentValue struct{}
	VoidValue   struct{}
	BoolValue   bool
	IntValue    int64
	UintValue   uint64
	FloatValue  float64
	TextValue   string
	DataValue   []byte

	// ListValue is a list, read in place.
	ListValue struct {
		List ListReader
	}

	// EnumValue is a raw enumerant. Node is nil when the enum schema is not
	// available.
	EnumValue struct {
		Raw  uint16
		Node *schema.Node
	}

	// StructValue is a nested struct or group, read in place.
	StructValue struct {
		Struct StructReader
	}

	// CapabilityValue holds a borrowed capability table entry. Cap is nil
	// for a null pointer.
	CapabilityValue struct {
		Cap Capability
	}

	// UnknownPointerValue is an AnyPointer field, which is never converted.
	UnknownPointerValue struct{}
)

func (AbsentValue) isValue()         {}
func (VoidValue) isValue()           {}
func (BoolValue) isValue()           {}
func (IntValue) isValue()            {}
func (UintValue) isValue()           {}
func (FloatValue) isValue()          {}
func (TextValue) isValue()           {}
func (DataValue) isValue()           {}
func (ListValue) isValue()           {}
func (EnumValue) isValue()           {}
func (StructValue) isValue()         {}
func (CapabilityValue) isValue()     {}
func (UnknownPointerValue) isValue() {}

// Name returns the enumerant's symbol, or false when the raw value has none.
func (e EnumValue) Name() (string, bool) {
	if e.Node == nil || int(e.Raw) >= len(e.Node.Enumerants) {
		return "", false
	}
	return e.Node.Enumerants[e.Raw], true
}

package dynamic

import (
	capnp "zombiezen.com/go/capnproto2"
)

// ReadUntyped returns a reader for the root struct of m without a schema.
// Only Follow and Message are meaningful on it; Decode yields an empty map.
func ReadUntyped(m *Message) (StructReader, error) {
	st, err := m.rootStruct()
	if err != nil {
		return StructReader{}, err
	}
	return StructReader{s: st, msg: m}, nil
}

// NewCapStruct creates a message whose root struct holds a single pointer
// referring to c. The message retains c.
func NewCapStruct(c Capability) *Message {
	m := NewMessage()
	seg, err := m.segment()
	if err != nil {
		panic(err)
	}
	st, err := capnp.NewRootStruct(seg, capnp.ObjectSize{PointerCount: 1})
	if err != nil {
		// One pointer word always fits a fresh arena.
		panic(err)
	}
	if c != nil {
		_ = st.SetPtr(0, m.capPointer(seg, c))
	}
	return m
}

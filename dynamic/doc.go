// Package dynamic converts between host values and schema-typed structs
// using only a runtime schema.
//
// A Message wraps a zombiezen.com/go/capnproto2 message: the schema comes
// from a runtime registry instead of generated code, and values are read
// and written through the arena's struct, list and pointer accessors. All
// structs, lists, text and data of one tree live in the same message:
//
//	b, err := dynamic.NewStruct(node)
//	err = dynamic.Encode(b, map[string]any{"key": "a", "count": 3})
//	host, err := dynamic.Decode(b.Reader())
//
// # Host Values
//
//	Schema type             Encode accepts              Decode yields
//	────────────────────────────────────────────────────────────────────
//	Void                    nil, false, 0, ""           nil
//	Bool                    bool                        bool
//	Int8..32, UInt8..32     any number                  float64
//	Int64, UInt64           any number, decimal string  decimal string
//	Float32, Float64        any number                  float64
//	Text                    string                      string
//	Data                    []byte                      []byte (copy)
//	List(T)                 any slice                   []any
//	enum                    name or number              name or float64
//	struct, group           map[string]any or []any     map[string]any
//	interface               Capability                  Capability (retained)
//	AnyPointer              unsupported                 omitted
//
// Narrowing conversions truncate to the slot width without an error.
//
// Decode only emits present fields: the active union member, data slots
// with non-zero bits, non-null pointers and groups with a present member.
//
// # Safety Limits
//
// Readers enforce Limits on messages from untrusted peers: a traversal
// budget and nesting depth, both handed to the arena's read limiter, plus
// a maximum list length and a maximum blob size. The arena bounds-checks
// every pointer.
package dynamic

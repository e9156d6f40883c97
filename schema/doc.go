// Package schema describes struct, interface and enum types at runtime.
//
// Nodes are created by a Registry from YAML descriptor files and never
// change afterwards. A node refers to other nodes by 64-bit id, and the
// registry memoizes nodes by id so lookups of one id always return the same
// pointer. References are resolved on use, which lets struct and interface
// graphs be mutually recursive.
//
//	reg := schema.NewRegistry(nil)
//	store, err := reg.Resolve("demo.yaml:Store", []string{"./schemas"})
//	_, get, err := store.FindMethod("get")
//	params, err := get.Params()
//
// # Struct Layout
//
// Structs have a data section of 64-bit words and a pointer section. Data
// slots are aligned to their width and their offsets are counted in units of
// that width:
//
//	Type                    Width   Section
//	───────────────────────────────────────
//	Void                    0       none
//	Bool                    1       data
//	Int8/UInt8              8       data
//	Int16/UInt16/enum       16      data
//	Int32/UInt32/Float32    32      data
//	Int64/UInt64/Float64    64      data
//	Text/Data/List          -       pointer
//	struct/interface        -       pointer
//
// A union adds a 16-bit discriminant. Groups are laid out inside the
// enclosing struct.
package schema

// Package resource provides ID tables with free-list reuse.
//
// The same table type backs the RPC question and export tables (IDs from 0,
// as they appear on the wire) and the host-facing handle table of the wasm
// adapter (IDs from 1, so that 0 is never a valid handle).
//
//	t := resource.NewTable[*question](0)
//	id, _ := t.Insert(q)
//	q, ok := t.Get(id)
//	t.Remove(id)
//
// Observers receive EventCreated and EventDropped notifications, which the
// RPC layer uses to keep its table-size gauges current.
package resource

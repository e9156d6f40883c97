// Package capability implements capability references: reference-counted
// clients, calls built against a runtime schema, promise pipelining and Go
// servers exported as capabilities.
//
// A Client holds one reference to a Hook. Hooks decide where calls go:
//
//	localHook    a Go Server on the same event loop
//	promiseHook  a capability inside results that have not arrived yet
//	brokenHook   nowhere; every call fails with a fixed error
//
// The rpc package adds hooks for capabilities living across a connection.
//
// Calls are started with Client.NewRequest and Request.Send, which returns
// a Pipeline. A pipeline resolves exactly once, either through Await with
// a pair of continuations or through Wait. Before it resolves, clients for
// capabilities in its results can be derived with Pipeline.Client; calls
// on them are queued or, for remote answers, sent ahead on the wire.
//
// Everything in this package runs on one reactor event loop and performs
// no locking.
package capability

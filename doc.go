// Package capbridge lets a dynamically typed host call capability-based RPC
// services whose types are described by schema files loaded at runtime.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	capbridge/       Root package with the session Context and boundary operations
//	├── hostloop/    Single-threaded host event loop: timers, fd readiness, wakeups
//	├── reactor/     Cooperative event loop, futures, and the bridge onto hostloop
//	├── stream/      Non-blocking descriptor streams, listener and dialer
//	├── schema/      Type descriptors, the memoizing registry and file loaders
//	├── dynamic/     Arena-backed struct builders/readers and host value conversion
//	├── capability/  Clients, requests, pipelines and local servers
//	├── rpc/         Two-party connection, wire codec and metrics
//	├── resource/    Handle tables with observers
//	├── errors/      Structured error types with nature and durability
//	└── wasmhost/    Host module exposing the boundary operations to wasm guests
//
// # Quick Start
//
// Restore a published capability and call it:
//
//	cb, err := capbridge.New(capbridge.WithSearchPath("schemas"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cb.Close()
//
//	iface, err := cb.ResolveSchema("store.yaml:Store", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	conn := cb.Connect("127.0.0.1:4000")
//	store, err := cb.Restore(conn, "store", iface)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cb.CloseClient(store)
//
//	req, err := cb.NewRequest(store, "get")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cb.Encode(req.Params(), map[string]any{"key": "greeting"}); err != nil {
//	    log.Fatal(err)
//	}
//	p, err := req.Send()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := p.Wait(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer resp.Release()
//	fmt.Println(resp.Decode())
//
// # Threading
//
// A Context and everything it hands out belong to the goroutine that drives
// it. Run, RunOnce, Poll and the blocking Wait helpers are the only places
// where the host loop makes progress.
package capbridge

// Package stream provides non-blocking byte streams over raw descriptors,
// driven by a hostloop.Loop and completing through reactor futures.
//
// A Stream owns its descriptor and closes it exactly once. Reads follow
// try-read semantics: Read(buf, min) completes with at least min bytes, or
// with fewer only at end of stream. Writes are vectored and resume after
// partial progress without reordering bytes.
//
// Listener accepts connections, silently retrying on transient network
// errors. Dial connects without blocking and resolves host names off the
// loop goroutine.
//
// Addresses are "host:port", "[v6]:port", "unix:/path" or multiaddrs such as
// "/ip4/127.0.0.1/tcp/4000" and "/unix/tmp/app.sock".
package stream

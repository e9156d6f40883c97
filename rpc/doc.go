// Package rpc carries capability calls over a byte stream between two
// parties.
//
// Each side keeps four tables:
//
//	questions  calls and restores this side sent, keyed by question id
//	answers    calls the peer sent, kept until the peer sends Finish
//	exports    capabilities this side handed to the peer
//	imports    capabilities the peer handed to this side
//
// A call on an imported capability becomes a Call message. Calls on a
// capability inside results that have not returned yet target the
// question directly, so a chain of dependent calls costs one round trip.
// When the last client referencing an import is closed, a Release tells
// the peer how many references to drop.
//
// Every frame is a message of the standard rpc.capnp schema in the Cap'n
// Proto stream framing, so the first frames after a restore are readable
// by any Cap'n Proto peer. A restore travels as Bootstrap carrying the
// object name. Params and results are the payload content, whose
// capability table is described by CapDescriptors.
//
// A Conn lives on one event loop and is not safe for concurrent use.
package rpc

// Package dbus is a client library for the DBus message protocol: it
// implements the wire codec, the EXTERNAL/ANONYMOUS auth handshake,
// unix-socket transport with file descriptor passing, and RPC
// (call/reply correlation) and dispatch (path-routed method handling)
// on top.
//
// # Values
//
// DBus values are represented two ways. [Value] is a dynamic
// Base|Container tree mirroring the wire format directly (bytes,
// integers, strings, arrays, structs, dict-entries, variants, unix
// fds); it's the right tool for generic code — proxies, routers,
// anything that doesn't know its types until runtime.
//
// Fixed Go types instead implement [Marshaler] and [Unmarshaler]
// directly, the way [File], [ObjectPath] and [Signature] do. There is no
// reflection-based automatic struct encoder: every type that needs to
// cross the wire states its own signature and encodes/decodes its own
// fields. This keeps the codec's behavior exactly as specified by the
// wire format, with no struct-tag dialect to keep in sync with it.
//
// # Connections
//
// [LowConn] is the lowest layer: it frames whole [Message] values on
// top of a raw transport, with no notion of serials or replies.
// [RPCConn] adds serial assignment and call/reply correlation, plus
// FIFO queues for signals and unsolicited calls. [Conn] is the
// friendliest layer, pairing an RPCConn with a [Dispatcher] for
// path-routed incoming calls.
//
// None of these types run background goroutines. Per the concurrency
// model described in each type's docs, a single cooperative read path
// is shared by whichever call needs to wait for something — a reply,
// a signal, an incoming call — and deposits anything else it reads
// into the right queue along the way.
package dbus

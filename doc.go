// Package headsocket implements an embeddable TCP listener and RFC 6455
// WebSocket session for accepting many concurrent peers. It multiplexes
// accepted sockets into per-peer reader/writer goroutines that translate a
// raw byte stream into framed application messages and back, performing
// the opening handshake, frame codec, masking, and fragment reassembly
// itself rather than delegating to an HTTP stack.
package headsocket

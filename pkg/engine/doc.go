// Package engine is the connection engine of a protocol test port.
//
// An Engine owns TCP client and server sockets, optionally layered with an
// Extension such as TLS, and turns readiness notifications from a Reactor
// into complete messages for its Handler. It is single-threaded: every call,
// including Handler callbacks, happens on the goroutine that drives the
// reactor.
//
// # Connection states
//
// Each peer carries two state machines. The TCP state follows the
// connection's shutdown sequence:
//
//	ESTABLISHED --remote FIN--> CLOSE_WAIT --remote close--> removed
//	ESTABLISHED --HalfClose--> FIN_WAIT --remote close--> removed
//
// The reading state gates receive processing while a send or a TLS
// handshake owns the socket:
//
//	NORMAL --send would block--> BLOCK_FOR_SENDING --writable--> NORMAL
//	BLOCK_FOR_SENDING --remote close--> DONT_CLOSE (sender removes the peer)
//	NORMAL --TLS handshake or write--> DONT_RECEIVE --done--> NORMAL
//	NORMAL --TLS read needs write--> WAIT_FOR_WRITE_CALLBACK --writable--> NORMAL
//
// # Backpressure
//
// Sends are all-or-nothing. When the socket is full the engine first grows
// the kernel send buffer and then waits cooperatively: it re-enters the
// reactor so that other peers keep being served, and resumes once its own
// socket is writable. Nested waits are bounded by Config.MaxWaitDepth.
//
// # Errors
//
// Unrecoverable conditions are reported as *FatalError through the
// configured FatalFunc, which panics by default. In notification mode
// connection and listener failures become Handler callbacks instead.
package engine

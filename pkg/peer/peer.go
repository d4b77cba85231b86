// Package peer holds per-connection state and the registry that owns it.
package peer

import (
	"net/netip"

	"github.com/sockport/sockport/pkg/framing"
)

// ID identifies a connection. It is the OS socket handle.
type ID int

const (
	// NoID marks a failed connection outcome.
	NoID ID = -1

	// Unspecified asks the engine to infer the peer when exactly one exists.
	Unspecified ID = -1
)

// TCPState is the TCP lifecycle of a registered peer. A peer that is not
// registered is closed.
type TCPState uint8

const (
	// Established means both directions are open.
	Established TCPState = iota
	// CloseWait means the remote side finished sending.
	CloseWait
	// FinWait means the local side finished sending.
	FinWait
)

// String returns the state name.
func (s TCPState) String() string {
	switch s {
	case Established:
		return "ESTABLISHED"
	case CloseWait:
		return "CLOSE_WAIT"
	case FinWait:
		return "FIN_WAIT"
	default:
		return "UNKNOWN"
	}
}

// ReadingState gates receive processing while sends or handshakes are in
// progress on the same socket.
type ReadingState uint8

const (
	// Normal allows receives on readiness.
	Normal ReadingState = iota
	// DontReceive suppresses receives while a drain owns the socket.
	DontReceive
	// WaitForWriteCallback means a receive is suspended until the socket is writable.
	WaitForWriteCallback
	// BlockForSending means a send is waiting for the socket to become writable.
	BlockForSending
	// DontClose means the remote side closed during a blocked send; removal
	// is left to the sender.
	DontClose
)

// String returns the state name.
func (s ReadingState) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case DontReceive:
		return "DONT_RECEIVE"
	case WaitForWriteCallback:
		return "WAIT_FOR_WRITE_CALLBACK"
	case BlockForSending:
		return "BLOCK_FOR_SENDING"
	case DontClose:
		return "DONT_CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Receives reports whether readiness may trigger a receive in this state.
func (s ReadingState) Receives() bool {
	return s != DontReceive && s != WaitForWriteCallback
}

// Peer is the state of one live or half-closed connection.
type Peer struct {
	// ID is the socket handle.
	ID ID

	// ConnID is unique per registration, so traces can tell apart
	// connections that reused the same handle.
	ConnID string

	// Remote is the address captured at accept or connect time.
	Remote netip.AddrPort

	// TCP is the TCP lifecycle state.
	TCP TCPState

	// Reading is the receive gating state.
	Reading ReadingState

	// Inbox holds bytes received but not yet delivered as messages.
	Inbox framing.Buffer

	// Ext is owned by a layered extension (the TLS session); nil for plain TCP.
	Ext any
}

// IsTLS reports whether an extension session is attached.
func (p *Peer) IsTLS() bool {
	return p.Ext != nil
}

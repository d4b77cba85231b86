package engine

import (
	"errors"
	"fmt"

	"github.com/sockport/sockport/pkg/peer"
)

// Engine errors.
var (
	// ErrPeerClosed indicates the remote side is gone; the peer has been removed.
	ErrPeerClosed = errors.New("peer closed the connection")

	// ErrWouldBlock indicates an I/O step cannot progress without waiting.
	ErrWouldBlock = errors.New("operation would block")

	// ErrNoPeer indicates a peer-less call with no connection alive.
	ErrNoPeer = errors.New("no connection alive")

	// ErrAmbiguousPeer indicates a peer-less call while several peers exist.
	ErrAmbiguousPeer = errors.New("peer id not specified although more than one peer exists")

	// ErrNotEstablished indicates an operation that needs an established connection.
	ErrNotEstablished = errors.New("connection is not established")

	// ErrConnectionInterrupted indicates a disconnect escalated by HaltOnReset.
	ErrConnectionInterrupted = errors.New("connection was interrupted by the other side")

	// ErrRefused indicates an extension refused a connection.
	ErrRefused = errors.New("connection refused by extension")
)

// Kind classifies fatal errors.
type Kind uint8

const (
	// KindConfig is a missing or invalid configuration parameter.
	KindConfig Kind = iota
	// KindResource is a socket, bind, listen or connect failure.
	KindResource
	// KindFraming is a framing violation.
	KindFraming
	// KindTLS is a TLS handshake or record failure.
	KindTLS
	// KindProgramming is API misuse, such as an unknown peer id.
	KindProgramming
	// KindIO is an unexpected system call failure.
	KindIO
	// KindReset is a disconnect escalated by configuration.
	KindReset
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindResource:
		return "resource"
	case KindFraming:
		return "framing"
	case KindTLS:
		return "tls"
	case KindProgramming:
		return "programming"
	case KindIO:
		return "io"
	case KindReset:
		return "reset"
	default:
		return "unknown"
	}
}

// FatalError is raised through FatalFunc for unrecoverable conditions.
type FatalError struct {
	Kind Kind
	Peer peer.ID
	Op   string
	Err  error
}

// Error implements error.
func (e *FatalError) Error() string {
	if e.Peer >= 0 {
		return fmt.Sprintf("sockport: fatal %s error in %s (peer %d): %v", e.Kind, e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("sockport: fatal %s error in %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the cause.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// FatalFunc receives fatal errors. It is expected not to return; if it does,
// the failing engine call returns the error instead.
type FatalFunc func(err *FatalError)

// PanicOnFatal is the default FatalFunc.
func PanicOnFatal(err *FatalError) {
	panic(err)
}

// SendError reports a send that did not place every byte.
type SendError struct {
	Peer      peer.ID
	Attempted int
	// Sent is the number of bytes accepted by the OS, or -2 when the peer
	// had no established connection.
	Sent    int
	Data    []byte
	Message string
}

// Error implements error.
func (e *SendError) Error() string {
	return fmt.Sprintf("send to peer %d: %s (%d of %d bytes)", e.Peer, e.Message, e.Sent, e.Attempted)
}

// ConfigError reports a missing or invalid parameter.
type ConfigError struct {
	Param  string
	Reason string
}

// Error implements error.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("parameter %s: %s", e.Param, e.Reason)
}

package engine

import (
	"crypto/x509"
	"net/netip"

	"github.com/sockport/sockport/pkg/peer"
)

// Handler receives engine callbacks. All calls happen on the goroutine that
// drives the reactor.
type Handler interface {
	// MessageIncoming delivers one complete message. msg aliases the peer's
	// inbox and is only valid during the call.
	MessageIncoming(msg []byte, id peer.ID)

	// PeerConnected reports an accepted peer.
	PeerConnected(id peer.ID, remote netip.AddrPort)

	// ConnectionOpened reports the outcome of a client connection. On failure
	// id is peer.NoID.
	ConnectionOpened(id peer.ID, err error)

	// ListenerOpened reports the outcome of OpenListener in notification
	// mode. On failure port is -1.
	ListenerOpened(port int, err error)

	// PeerDisconnected reports that a peer was removed because its connection
	// ended.
	PeerDisconnected(id peer.ID)

	// PeerHalfClosed reports that the remote side finished sending. It is
	// only called with HandleHalfClose.
	PeerHalfClosed(id peer.ID)

	// ReportError reports a send that did not complete.
	ReportError(err *SendError)
}

// CertVerifier is an optional Handler extension consulted at the end of every
// TLS handshake. cert is the peer's leaf certificate or nil. Returning false
// rejects the connection.
type CertVerifier interface {
	VerifyPeerCertificate(id peer.ID, cert *x509.Certificate) bool
}

// BaseHandler implements Handler with no-ops. Embed it to override only the
// callbacks of interest.
type BaseHandler struct{}

func (BaseHandler) MessageIncoming([]byte, peer.ID) {}
func (BaseHandler) PeerConnected(peer.ID, netip.AddrPort) {}
func (BaseHandler) ConnectionOpened(peer.ID, error) {}
func (BaseHandler) ListenerOpened(int, error) {}
func (BaseHandler) PeerDisconnected(peer.ID) {}
func (BaseHandler) PeerHalfClosed(peer.ID) {}
func (BaseHandler) ReportError(*SendError) {}

var _ Handler = BaseHandler{}

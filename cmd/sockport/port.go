package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"unicode/utf8"

	"github.com/sockport/sockport/pkg/engine"
	"github.com/sockport/sockport/pkg/peer"
	"github.com/sockport/sockport/pkg/tlslayer"
)

// port is the engine handler of the command. Servers echo, clients print.
type port struct {
	engine.BaseHandler

	e      *engine.Engine
	server bool
	out    io.Writer
	logger *slog.Logger
}

var _ engine.CertVerifier = (*port)(nil)

func (p *port) MessageIncoming(msg []byte, id peer.ID) {
	if p.server {
		if err := p.e.Send(id, msg); err != nil {
			p.logger.Warn("echo failed", "peer", id, "error", err)
		}
		return
	}
	fmt.Fprintf(p.out, "<- [%d] %s\n", id, printable(msg))
}

func (p *port) PeerConnected(id peer.ID, remote netip.AddrPort) {
	p.logger.Info("peer connected", "peer", id, "remote", remote.String(), "tls", p.tlsVersion(id))
}

func (p *port) ConnectionOpened(id peer.ID, err error) {
	if err != nil {
		p.logger.Warn("connection failed", "error", err)
		return
	}
	p.logger.Info("connected", "peer", id, "tls", p.tlsVersion(id))
}

func (p *port) PeerDisconnected(id peer.ID) {
	p.logger.Info("peer disconnected", "peer", id)
}

func (p *port) ReportError(err *engine.SendError) {
	p.logger.Warn("send incomplete", "error", err)
}

func (p *port) VerifyPeerCertificate(id peer.ID, cert *x509.Certificate) bool {
	if cert != nil {
		p.logger.Info("peer certificate", "peer", id, "subject", cert.Subject.String())
	}
	return true
}

func (p *port) tlsVersion(id peer.ID) string {
	pr, ok := p.e.Peer(id)
	if !ok {
		return "none"
	}
	if cs, ok := tlslayer.ConnectionState(pr); ok {
		return tls.VersionName(cs.Version)
	}
	return "none"
}

// send runs on the reactor goroutine.
func (p *port) send(data []byte) {
	if err := p.e.Send(peer.Unspecified, data); err != nil {
		p.logger.Warn("send failed", "error", err)
		return
	}
	fmt.Fprintf(p.out, "-> %d bytes\n", len(data))
}

// printable quotes text messages and hex-dumps binary ones.
func printable(msg []byte) string {
	if utf8.Valid(msg) {
		return fmt.Sprintf("%q", msg)
	}
	return fmt.Sprintf("% x", msg)
}

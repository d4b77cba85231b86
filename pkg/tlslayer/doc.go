// Package tlslayer adds TLS to engine connections.
//
// A Layer is installed with engine.WithExtension. It performs the handshake
// right after the TCP connection is set up, decrypts incoming records into
// the peer's inbox and encrypts outgoing messages. crypto/tls runs over the
// engine's non-blocking socket through a net.Conn adapter: reads and writes
// that would block become cooperative waits, so other peers keep being
// served during a slow handshake.
//
// Hostnames are never checked. With VerifyCertificate the server requires
// client certificates signed by the configured CA, and the client verifies
// the server chain against it. A handler implementing engine.CertVerifier
// gets the final say on every peer certificate.
package tlslayer

package tlslayer

import (
	"errors"
	"net"
	"time"

	"github.com/sockport/sockport/pkg/engine"
	"github.com/sockport/sockport/pkg/sockopt"
)

// wouldBlockError tells crypto/tls that a read cannot progress right now.
// It is a temporary net.Error, so the record layer does not keep it.
type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "tls: socket would block" }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }

var errWouldBlock net.Error = wouldBlockError{}

// sockConn presents a peer's socket to crypto/tls. Outside a receive a read
// that would block waits cooperatively; inside a receive it reports
// errWouldBlock so the drain loop can return to the reactor.
type sockConn struct {
	l *engine.Link
}

var _ net.Conn = (*sockConn)(nil)

func (c *sockConn) Read(b []byte) (int, error) {
	for {
		if c.l.Receiving() && c.l.Blocking() && !c.l.Readable() {
			return 0, errWouldBlock
		}
		n, err := c.l.Read(b)
		if !errors.Is(err, engine.ErrWouldBlock) {
			return n, err
		}
		if c.l.Receiving() {
			return 0, errWouldBlock
		}
		if err := c.l.WaitReadable(); err != nil {
			return 0, err
		}
	}
}

func (c *sockConn) Write(b []byte) (int, error) { return c.l.Write(b) }

// Close is a no-op; the engine owns the socket.
func (c *sockConn) Close() error { return nil }

func (c *sockConn) LocalAddr() net.Addr {
	ap, err := sockopt.LocalAddr(c.l.Fd())
	if err != nil {
		return &net.TCPAddr{}
	}
	return net.TCPAddrFromAddrPort(ap)
}

func (c *sockConn) RemoteAddr() net.Addr { return net.TCPAddrFromAddrPort(c.l.Remote()) }

func (c *sockConn) SetDeadline(time.Time) error      { return nil }
func (c *sockConn) SetReadDeadline(time.Time) error  { return nil }
func (c *sockConn) SetWriteDeadline(time.Time) error { return nil }

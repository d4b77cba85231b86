// Package sockopt wraps the raw socket system calls the engine drives directly
// on file descriptors.
package sockopt

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// Socket creates a close-on-exec TCP socket for the family of addr.
func Socket(addr netip.AddrPort) (int, error) {
	fd, err := unix.Socket(Domain(addr), unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

// Domain returns the socket domain for addr.
func Domain(addr netip.AddrPort) int {
	if addr.Addr().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// Sockaddr converts addr to its system representation.
func Sockaddr(addr netip.AddrPort) unix.Sockaddr {
	ip := addr.Addr()
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
	if z := ip.Zone(); z != "" {
		if n, err := strconv.Atoi(z); err == nil {
			sa.ZoneId = uint32(n)
		}
	}
	return sa
}

// AddrPort converts a system address to netip form. Unknown families yield
// the zero value.
func AddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(v.Addr)
		if v.ZoneId != 0 {
			ip = ip.WithZone(strconv.Itoa(int(v.ZoneId)))
		}
		return netip.AddrPortFrom(ip.Unmap(), uint16(v.Port))
	default:
		return netip.AddrPort{}
	}
}

// SetReuseAddr enables SO_REUSEADDR.
func SetReuseAddr(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// SetNoDelay sets TCP_NODELAY.
func SetNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// SetNonblock switches O_NONBLOCK.
func SetNonblock(fd int, on bool) error {
	return unix.SetNonblock(fd, on)
}

// Bind binds fd to addr.
func Bind(fd int, addr netip.AddrPort) error {
	return unix.Bind(fd, Sockaddr(addr))
}

// Listen marks fd as passive.
func Listen(fd, backlog int) error {
	return unix.Listen(fd, backlog)
}

// LocalAddr returns the bound address of fd.
func LocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return AddrPort(sa), nil
}

// Accept takes one pending connection from the listening socket fd.
func Accept(fd int) (int, netip.AddrPort, error) {
	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	unix.CloseOnExec(nfd)
	return nfd, AddrPort(sa), nil
}

// Connect connects fd to addr. The socket is left in non-blocking mode.
// A zero timeout waits as long as the kernel does.
func Connect(fd int, addr netip.AddrPort, timeout time.Duration) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	err := unix.Connect(fd, Sockaddr(addr))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR), errors.Is(err, unix.EALREADY):
	default:
		return err
	}

	wait := time.Duration(-1)
	if timeout > 0 {
		wait = timeout
	}
	ready, err := PollOne(fd, unix.POLLOUT, wait)
	if err != nil {
		return err
	}
	if !ready {
		return unix.ETIMEDOUT
	}
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// PollOne waits until fd reports any of events. A negative timeout waits
// indefinitely. EINTR restarts the wait.
func PollOne(fd int, events int16, timeout time.Duration) (bool, error) {
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(pfd, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		if pfd[0].Revents&unix.POLLNVAL != 0 {
			return false, unix.EBADF
		}
		return true, nil
	}
}

// Read reads from fd, restarting on EINTR. A zero count with nil error means
// the remote side closed.
func Read(fd int, b []byte) (int, error) {
	for {
		n, err := unix.Read(fd, b)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// Send writes b to the connected socket fd without raising SIGPIPE.
func Send(fd int, b []byte) (int, error) {
	n, err := unix.SendmsgN(fd, b, nil, nil, unix.MSG_NOSIGNAL)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Shutdown shuts down one or both directions of fd.
func Shutdown(fd, how int) error {
	return unix.Shutdown(fd, how)
}

// Close closes fd.
func Close(fd int) error {
	return unix.Close(fd)
}

// SendBufferSize returns SO_SNDBUF as reported by the kernel.
func SendBufferSize(fd int) (int, error) {
	return unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
}

// GrowSendBuffer tries to enlarge SO_SNDBUF. It first requests double the
// current size; when the kernel refuses for lack of memory it binary-searches
// the largest accepted size between the old and doubled values. It reports
// whether the kernel-reported size increased.
func GrowSendBuffer(fd int) (oldSize, newSize int, grown bool, err error) {
	oldSize, err = SendBufferSize(fd)
	if err != nil {
		return 0, 0, false, err
	}

	want := oldSize * 2
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, want); err != nil {
		if !isNoMem(err) {
			return oldSize, oldSize, false, err
		}
		lo, hi := oldSize, want
		for {
			mid := (lo + hi) / 2
			if mid <= lo {
				break
			}
			err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, mid)
			switch {
			case err == nil:
				lo = mid
			case isNoMem(err):
				hi = mid
			default:
				return oldSize, oldSize, false, err
			}
		}
	}

	newSize, err = SendBufferSize(fd)
	if err != nil {
		return oldSize, oldSize, false, err
	}
	return oldSize, newSize, newSize > oldSize, nil
}

func isNoMem(err error) bool {
	return errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.ENOBUFS)
}

// WouldBlock reports EAGAIN/EWOULDBLOCK.
func WouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// Interrupted reports EINTR.
func Interrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}

// PeerGone reports errors meaning the remote end is no longer there.
func PeerGone(err error) bool {
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)
}

// AddrInUse reports EADDRINUSE.
func AddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}

// NotConnected reports ENOTCONN.
func NotConnected(err error) bool {
	return errors.Is(err, unix.ENOTCONN)
}

//go:build linux

package netfd

import (
	"errors"
	"net"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Listener 非阻塞监听 socket
type Listener struct {
	fd     int
	closed atomic.Bool
	addr   *net.TCPAddr
}

// Listen 绑定并监听 addr，设置 SO_REUSEADDR
func Listen(addr *net.TCPAddr, backlog int) (*Listener, error) {
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	family, sa, err := toSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}

	l := &Listener{fd: fd}
	if sa, err := unix.Getsockname(fd); err == nil {
		l.addr = fromSockaddr(sa)
	}
	return l, nil
}

// Fd 文件描述符，关闭后返回 -1
func (l *Listener) Fd() int {
	if l.closed.Load() {
		return -1
	}
	return l.fd
}

// Addr 实际监听地址
func (l *Listener) Addr() *net.TCPAddr { return l.addr }

// Accept 接受一个连接，没有待接受的连接时返回 ErrWouldBlock
func (l *Listener) Accept() (*Conn, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	for {
		nfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			c := newConn(nfd)
			c.fillAddrs()
			return c, nil
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil, ErrWouldBlock
		default:
			return nil, os.NewSyscallError("accept", err)
		}
	}
}

// Close 关闭监听，可重复调用
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(l.fd)
}

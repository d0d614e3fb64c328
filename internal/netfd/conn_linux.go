//go:build linux

package netfd

import (
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Conn 非阻塞 TCP 连接，关闭后 Fd 返回 -1
type Conn struct {
	fd     int
	closed atomic.Bool
	laddr  *net.TCPAddr
	raddr  *net.TCPAddr
}

func newConn(fd int) *Conn {
	return &Conn{fd: fd}
}

// Fd 文件描述符
func (c *Conn) Fd() int {
	if c.closed.Load() {
		return -1
	}
	return c.fd
}

// Read 非阻塞读，无数据时返回 ErrWouldBlock，对端关闭时返回 io.EOF
func (c *Conn) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == nil:
			if n == 0 && len(p) > 0 {
				return 0, io.EOF
			}
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		default:
			return 0, os.NewSyscallError("read", err)
		}
	}
}

// Write 非阻塞写，可能只写出一部分，发送缓冲区满时返回 ErrWouldBlock
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	for {
		n, err := unix.SendmsgN(c.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		default:
			return 0, os.NewSyscallError("write", err)
		}
	}
}

// Close 关闭连接，可重复调用
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(c.fd)
}

// FinishConnect 完成异步连接，返回连接失败的原因
func (c *Conn) FinishConnect() error {
	if c.closed.Load() {
		return ErrClosed
	}
	v, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if v != 0 {
		return os.NewSyscallError("connect", syscall.Errno(v))
	}
	c.fillAddrs()
	return nil
}

// SetNoDelay 设置 TCP_NODELAY
func (c *Conn) SetNoDelay(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(c.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v))
}

// LocalAddr 本端地址
func (c *Conn) LocalAddr() *net.TCPAddr { return c.laddr }

// RemoteAddr 对端地址
func (c *Conn) RemoteAddr() *net.TCPAddr { return c.raddr }

func (c *Conn) fillAddrs() {
	if sa, err := unix.Getsockname(c.fd); err == nil {
		c.laddr = fromSockaddr(sa)
	}
	if sa, err := unix.Getpeername(c.fd); err == nil {
		c.raddr = fromSockaddr(sa)
	}
}

// Dial 发起非阻塞连接，connected 为 true 表示已同步完成，否则需等待可写后调用 FinishConnect
func Dial(addr *net.TCPAddr) (conn *Conn, connected bool, err error) {
	family, sa, err := toSockaddr(addr)
	if err != nil {
		return nil, false, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, false, os.NewSyscallError("socket", err)
	}

	c := newConn(fd)
	err = unix.Connect(fd, sa)
	switch {
	case err == nil:
		c.fillAddrs()
		return c, true, nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		return c, false, nil
	default:
		c.Close()
		return nil, false, os.NewSyscallError("connect", err)
	}
}

func toSockaddr(addr *net.TCPAddr) (int, unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa, nil
	}
	if ip6 := addr.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip6)
		if addr.Zone != "" {
			if ifi, err := net.InterfaceByName(addr.Zone); err == nil {
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return unix.AF_INET6, sa, nil
	}
	return 0, nil, &net.AddrError{Err: "unsupported address", Addr: addr.String()}
}

func fromSockaddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]).To16(), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	default:
		return nil
	}
}

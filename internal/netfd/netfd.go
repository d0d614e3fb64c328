// Package netfd 提供可注册到 reactor 的非阻塞 TCP socket
package netfd

import (
	"errors"
	"net"
)

var (
	// ErrWouldBlock 操作需要等待就绪
	ErrWouldBlock = errors.New("netfd: operation would block")
	// ErrClosed socket 已关闭
	ErrClosed = errors.New("netfd: use of closed socket")
	// ErrUnsupported 当前平台不支持
	ErrUnsupported = errors.New("netfd: platform not supported")
)

// Resolve 解析 TCP 地址，可能阻塞于 DNS 查询
func Resolve(addr string) (*net.TCPAddr, error) {
	return net.ResolveTCPAddr("tcp", addr)
}

//go:build !linux

package netfd

import "net"

// Conn 当前平台不可用
type Conn struct{}

func (c *Conn) Fd() int { return -1 }
func (c *Conn) Read([]byte) (int, error) { return 0, ErrUnsupported }
func (c *Conn) Write([]byte) (int, error) { return 0, ErrUnsupported }
func (c *Conn) Close() error { return nil }
func (c *Conn) FinishConnect() error { return ErrUnsupported }
func (c *Conn) SetNoDelay(bool) error { return ErrUnsupported }
func (c *Conn) LocalAddr() *net.TCPAddr { return nil }
func (c *Conn) RemoteAddr() *net.TCPAddr { return nil }

// Dial 当前平台不可用
func Dial(*net.TCPAddr) (*Conn, bool, error) { return nil, false, ErrUnsupported }

// Listener 当前平台不可用
type Listener struct{}

// Listen 当前平台不可用
func Listen(*net.TCPAddr, int) (*Listener, error) { return nil, ErrUnsupported }

func (l *Listener) Fd() int { return -1 }
func (l *Listener) Addr() *net.TCPAddr { return nil }
func (l *Listener) Accept() (*Conn, error) { return nil, ErrUnsupported }
func (l *Listener) Close() error { return nil }

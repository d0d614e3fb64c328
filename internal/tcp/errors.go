package tcp

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed 在已关闭或尚未连接的 channel 上操作
	ErrConnectionClosed = errors.New("tcp: connection closed")
	// ErrStreamEnded 已报告过 EOF 后再次读到 EOF
	ErrStreamEnded = errors.New("tcp: stream ended")
	// ErrForeignWorker 在其他 worker 的任务中使用 channel
	ErrForeignWorker = errors.New("tcp: channel used from a foreign worker")
)

// IOError 底层读写失败，channel 已随之关闭
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("tcp: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ConnectError 不自动重连的客户端连接失败
type ConnectError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("tcp: connect %s failed after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// closeReason 关闭原因，用作指标标签
func closeReason(err error) string {
	var ioErr *IOError
	switch {
	case err == nil:
		return "local"
	case errors.Is(err, ErrStreamEnded):
		return "stream_ended"
	case errors.As(err, &ioErr):
		return ioErr.Op + "_error"
	default:
		return "other"
	}
}

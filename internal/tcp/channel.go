// Package tcp 提供挂起式读写的 TCP channel、自动重连的客户端与 accept 服务端
//
// 所有方法只能在 channel 所属 worker 的任务或回调中调用。
package tcp

import (
	"errors"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/qiminjie89/dawn/internal/fiber"
	"github.com/qiminjie89/dawn/internal/netfd"
	"github.com/qiminjie89/dawn/internal/reactor"
	"github.com/qiminjie89/dawn/internal/sched"
	"github.com/qiminjie89/dawn/pkg/buffer"
	"github.com/qiminjie89/dawn/pkg/logger"
	"github.com/qiminjie89/dawn/pkg/metrics"
	"go.uber.org/zap"
)

// LinkState 连接状态，只会 created → connected → closed
type LinkState uint8

const (
	StateCreated LinkState = iota
	StateConnected
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel 已连接的非阻塞 socket，读写方向各有一把锁和一个信号
//
// 同一方向同一时刻只有一个任务在做 I/O；某方向的关注位置位当且仅当
// 恰有一个任务在等待该方向就绪。
type Channel struct {
	id    uuid.UUID
	w     *sched.Worker
	conn  *netfd.Conn
	reg   *reactor.Registration
	state LinkState

	readLock  fiber.ReentrantLock
	writeLock fiber.ReentrantLock
	readable  fiber.Signal
	writable  fiber.Signal
	seenEOF   bool

	onBroken func(c *Channel, reason error)
	reason   error
	log      *zap.Logger
}

// newChannel 包装已连接的 socket 并注册到 w 的 Reactor
func newChannel(w *sched.Worker, conn *netfd.Conn, onBroken func(*Channel, error)) (*Channel, error) {
	r, err := w.Reactor()
	if err != nil {
		return nil, err
	}
	c := &Channel{
		id:       uuid.New(),
		w:        w,
		conn:     conn,
		onBroken: onBroken,
	}
	c.log = logger.Named("tcp").With(
		zap.String("conn_id", c.id.String()),
		zap.Int("worker", w.ID()),
	)
	if _, err := r.Register(c, 0); err != nil {
		return nil, err
	}
	c.state = StateConnected
	metrics.ChannelsOpen.Inc()
	c.log.Debug("channel opened",
		zap.Stringer("local", c.conn.LocalAddr()),
		zap.Stringer("remote", c.conn.RemoteAddr()),
	)
	return c, nil
}

// ID 连接编号
func (c *Channel) ID() uuid.UUID { return c.id }

// Worker 所属 worker
func (c *Channel) Worker() *sched.Worker { return c.w }

// State 连接状态
func (c *Channel) State() LinkState { return c.state }

// IsClosed 是否已关闭
func (c *Channel) IsClosed() bool { return c.state == StateClosed }

// Reason 关闭原因，主动关闭时为 nil
func (c *Channel) Reason() error { return c.reason }

// LocalAddr 本端地址
func (c *Channel) LocalAddr() net.Addr { return tcpAddr(c.conn.LocalAddr()) }

// RemoteAddr 对端地址
func (c *Channel) RemoteAddr() net.Addr { return tcpAddr(c.conn.RemoteAddr()) }

func tcpAddr(a *net.TCPAddr) net.Addr {
	if a == nil {
		return nil
	}
	return a
}

// Socket 实现 reactor.Handler
func (c *Channel) Socket() reactor.Socket { return c.conn }

// Registration 实现 reactor.Handler
func (c *Channel) Registration() *reactor.Registration { return c.reg }

// SetRegistration 实现 reactor.Handler
func (c *Channel) SetRegistration(reg *reactor.Registration) { c.reg = reg }

// OnReady 清除已就绪方向的关注位并唤醒该方向的一个等待者
func (c *Channel) OnReady(ready reactor.Events) error {
	if ready&reactor.EventRead != 0 {
		if err := c.reg.ClearInterest(reactor.EventRead); err != nil {
			return err
		}
		c.readable.SignalFirst()
	}
	if ready&reactor.EventWrite != 0 {
		if err := c.reg.ClearInterest(reactor.EventWrite); err != nil {
			return err
		}
		c.writable.SignalFirst()
	}
	return nil
}

// OnFault reactor 隔离本 channel 时回调
func (c *Channel) OnFault(err error) {
	c.teardown(&IOError{Op: "poll", Err: err})
}

func (c *Channel) check(t *sched.Task) error {
	if t.Worker() != c.w {
		return ErrForeignWorker
	}
	return nil
}

// await 置位关注位并挂起到对应方向的信号
func (c *Channel) await(t *sched.Task, ev reactor.Events, sig *fiber.Signal) error {
	if err := c.reg.AddInterest(ev); err != nil {
		ioErr := &IOError{Op: "poll", Err: err}
		c.teardown(ioErr)
		return ioErr
	}
	if err, ok := sig.Wait(t).(error); ok {
		return err
	}
	return nil
}

// ReadSome 读入至少一个字节到 buf，返回读到的字节数
//
// 第一次读到流结束返回 io.EOF；之后再次读到流结束返回 ErrStreamEnded 并关闭 channel。
// 其他读错误返回 *IOError 并关闭 channel。
func (c *Channel) ReadSome(t *sched.Task, buf *buffer.Buffer) (int, error) {
	if err := c.check(t); err != nil {
		return 0, err
	}
	c.readLock.Lock(t)
	defer c.readLock.Release(t)

	for {
		if c.state != StateConnected {
			return 0, ErrConnectionClosed
		}
		n, err := buf.FillFrom(c.conn)
		if n > 0 {
			metrics.ChannelBytesRead.Add(float64(n))
			return n, nil
		}
		switch {
		case err == nil, errors.Is(err, netfd.ErrWouldBlock):
			if err := c.await(t, reactor.EventRead, &c.readable); err != nil {
				return 0, err
			}
		case errors.Is(err, io.EOF):
			if c.seenEOF {
				c.teardown(ErrStreamEnded)
				return 0, ErrStreamEnded
			}
			c.seenEOF = true
			return 0, io.EOF
		default:
			ioErr := &IOError{Op: "read", Err: err}
			c.teardown(ioErr)
			return 0, ioErr
		}
	}
}

// WriteAll 写出 buf 的全部可读字节，返回写出的字节数
//
// 失败时 buf 中保留尚未交给内核的字节；已从 buf 消费的字节已写入内核发送缓冲区，
// 但不保证对端已收到。
func (c *Channel) WriteAll(t *sched.Task, buf *buffer.Buffer) (int, error) {
	if err := c.check(t); err != nil {
		return 0, err
	}
	c.writeLock.Lock(t)
	defer c.writeLock.Release(t)

	total := 0
	for buf.Readable() > 0 {
		if c.state != StateConnected {
			return total, ErrConnectionClosed
		}
		n, err := buf.DrainTo(c.conn)
		if n > 0 {
			total += n
			metrics.ChannelBytesWritten.Add(float64(n))
		}
		switch {
		case err == nil:
		case errors.Is(err, netfd.ErrWouldBlock):
			if err := c.await(t, reactor.EventWrite, &c.writable); err != nil {
				return total, err
			}
		default:
			ioErr := &IOError{Op: "write", Err: err}
			c.teardown(ioErr)
			return total, ioErr
		}
	}
	return total, nil
}

// Write 以 WriteAll 写出 p
func (c *Channel) Write(t *sched.Task, p []byte) (int, error) {
	var buf buffer.Buffer
	buf.Write(p)
	return c.WriteAll(t, &buf)
}

// Close 关闭 channel，可重复调用
func (c *Channel) Close() error {
	c.teardown(nil)
	return nil
}

// teardown 只执行一次：取消注册、关闭 socket、以 ErrConnectionClosed 唤醒所有等待者
func (c *Channel) teardown(reason error) {
	if c.state == StateClosed {
		return
	}
	wasConnected := c.state == StateConnected
	c.state = StateClosed
	c.reason = reason
	if c.reg != nil {
		c.reg.Cancel()
	}
	c.conn.Close()

	c.readable.Broadcast(ErrConnectionClosed)
	c.writable.Broadcast(ErrConnectionClosed)

	if wasConnected {
		metrics.ChannelsOpen.Dec()
	}
	metrics.ChannelCloseReason.WithLabelValues(closeReason(reason)).Inc()
	c.log.Debug("channel closed", zap.NamedError("reason", reason))

	if c.onBroken != nil {
		c.onBroken(c, reason)
	}
}

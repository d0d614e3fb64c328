package tcp

import (
	"net"
	"time"

	"github.com/qiminjie89/dawn/internal/fiber"
	"github.com/qiminjie89/dawn/internal/netfd"
	"github.com/qiminjie89/dawn/internal/reactor"
	"github.com/qiminjie89/dawn/internal/sched"
	"github.com/qiminjie89/dawn/pkg/buffer"
	"github.com/qiminjie89/dawn/pkg/logger"
	"github.com/qiminjie89/dawn/pkg/metrics"
	"go.uber.org/zap"
)

// ClientState 客户端状态
type ClientState uint8

const (
	ClientDisconnected ClientState = iota
	ClientConnecting
	ClientConnected
	ClientClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientDisconnected:
		return "disconnected"
	case ClientConnecting:
		return "connecting"
	case ClientConnected:
		return "connected"
	case ClientClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientOptions 客户端选项
type ClientOptions struct {
	AutoReconnect  bool
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration // 单次连接超时，0 表示不限
	NoDelay        bool
}

// ClientStats 连接统计
type ClientStats struct {
	Attempts int
	Failures int
	Connects int
}

// ClientChannel 带连接与重连状态机的客户端 channel
//
// 每次连接成功都会创建新的 Channel。connecting 在一轮连接（含重试间隔）期间为 true，
// 保证同一时刻最多只有一个连接任务。
type ClientChannel struct {
	w    *sched.Worker
	addr string
	opts ClientOptions

	state      ClientState
	connecting bool
	userClosed bool
	conn       *Channel
	err        error
	stats      ClientStats

	connected  *fiber.Gate
	connectSig fiber.Signal
	pending    *netfd.Conn
	reg        *reactor.Registration

	log *zap.Logger
}

// NewClientChannel 创建客户端并立即在 w 上开始连接，可在任意 goroutine 调用
func NewClientChannel(w *sched.Worker, addr string, opts ClientOptions) *ClientChannel {
	c := &ClientChannel{
		w:         w,
		addr:      addr,
		opts:      opts,
		connected: fiber.NewGate(false),
		log: logger.Named("tcp.client").With(
			zap.String("addr", addr),
			zap.Int("worker", w.ID()),
		),
	}
	c.connecting = true
	c.state = ClientConnecting
	if !w.Post(func() { c.spawnConnect(0) }) {
		c.connecting = false
		c.state = ClientClosed
		c.userClosed = true
	}
	return c
}

// Addr 目标地址
func (c *ClientChannel) Addr() string { return c.addr }

// Worker 所属 worker
func (c *ClientChannel) Worker() *sched.Worker { return c.w }

// State 当前状态
func (c *ClientChannel) State() ClientState { return c.state }

// Stats 连接统计
func (c *ClientChannel) Stats() ClientStats { return c.stats }

// Err 不自动重连时最后一次连接失败的原因
func (c *ClientChannel) Err() error { return c.err }

// Conn 当前连接，未连接时为 nil
func (c *ClientChannel) Conn() *Channel { return c.conn }

// IsConnected 是否已连接
func (c *ClientChannel) IsConnected() bool { return c.state == ClientConnected }

// tryReconnect 在 delay 之后开始一轮连接，已有连接任务或已关闭时忽略
func (c *ClientChannel) tryReconnect(delay time.Duration) {
	if c.connecting || c.userClosed || c.state == ClientConnected {
		return
	}
	c.connecting = true
	c.state = ClientConnecting
	c.spawnConnect(delay)
}

func (c *ClientChannel) spawnConnect(delay time.Duration) {
	c.w.Spawn("connect "+c.addr, func(t *sched.Task) error {
		c.connectLoop(t, delay)
		return nil
	})
}

func (c *ClientChannel) connectLoop(t *sched.Task, delay time.Duration) {
	defer func() { c.connecting = false }()

	if delay > 0 {
		if err := t.Sleep(delay); err != nil {
			c.log.Error("schedule reconnect failed", zap.Error(err))
		}
	}

	for attempt := 1; ; attempt++ {
		if c.userClosed {
			return
		}
		c.stats.Attempts++
		ch, err := c.attempt(t)
		if err == nil {
			c.conn = ch
			c.state = ClientConnected
			c.err = nil
			c.stats.Connects++
			metrics.ClientConnects.WithLabelValues("success").Inc()
			c.log.Info("connected",
				zap.Int("attempt", attempt),
				zap.Stringer("local", ch.LocalAddr()),
			)
			c.connected.TurnOn()
			return
		}

		c.stats.Failures++
		metrics.ClientConnects.WithLabelValues("failure").Inc()
		if c.userClosed {
			return
		}
		if !c.opts.AutoReconnect {
			c.err = &ConnectError{Addr: c.addr, Attempts: attempt, Err: err}
			c.state = ClientDisconnected
			c.log.Warn("connect failed", zap.Int("attempt", attempt), zap.Error(err))
			c.connected.Abort(c.err)
			return
		}

		c.log.Info("connect failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", c.opts.ReconnectDelay),
			zap.Error(err),
		)
		if err := t.Sleep(c.opts.ReconnectDelay); err != nil {
			c.log.Error("schedule reconnect failed", zap.Error(err))
			return
		}
	}
}

// attempt 一次连接：先同步尝试，未完成则等待连接就绪后完成握手
func (c *ClientChannel) attempt(t *sched.Task) (*Channel, error) {
	v, err := t.Offload(func() (any, error) { return netfd.Resolve(c.addr) })
	if err != nil {
		return nil, err
	}
	if c.userClosed {
		return nil, ErrConnectionClosed
	}
	conn, ok, err := netfd.Dial(v.(*net.TCPAddr))
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := c.awaitConnect(t, conn); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if c.userClosed {
		conn.Close()
		return nil, ErrConnectionClosed
	}
	if c.opts.NoDelay {
		conn.SetNoDelay(true)
	}

	ch, err := newChannel(c.w, conn, c.onBroken)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ch, nil
}

func (c *ClientChannel) awaitConnect(t *sched.Task, conn *netfd.Conn) error {
	r, err := c.w.Reactor()
	if err != nil {
		return err
	}
	c.pending = conn
	defer func() {
		if c.reg != nil {
			c.reg.Cancel()
			c.reg = nil
		}
		c.pending = nil
	}()
	if _, err := r.Register(c, reactor.EventConnect); err != nil {
		return err
	}

	var v any
	if c.opts.ConnectTimeout > 0 {
		v, err = c.connectSig.WaitTimeout(t, c.opts.ConnectTimeout)
		if err != nil {
			return err
		}
	} else {
		v = c.connectSig.Wait(t)
	}
	if err, ok := v.(error); ok {
		return err
	}
	return conn.FinishConnect()
}

// Socket 实现 reactor.Handler，仅在连接进行中注册
func (c *ClientChannel) Socket() reactor.Socket {
	if c.pending == nil {
		return closedSocket{}
	}
	return c.pending
}

// Registration 实现 reactor.Handler
func (c *ClientChannel) Registration() *reactor.Registration { return c.reg }

// SetRegistration 实现 reactor.Handler
func (c *ClientChannel) SetRegistration(reg *reactor.Registration) { c.reg = reg }

// OnReady 连接就绪时唤醒连接任务
func (c *ClientChannel) OnReady(ready reactor.Events) error {
	if ready&reactor.EventConnect != 0 {
		if err := c.reg.SetInterest(0); err != nil {
			return err
		}
		c.connectSig.SignalFirst()
	}
	return nil
}

// OnFault reactor 隔离连接中的 socket 时回调
func (c *ClientChannel) OnFault(err error) {
	c.connectSig.SignalFirstWith(err)
}

// onBroken 当前连接断开：关闭 Gate，按策略重连
func (c *ClientChannel) onBroken(ch *Channel, reason error) {
	if ch != c.conn {
		return
	}
	c.conn = nil
	c.connected.TurnOff()
	if c.userClosed {
		c.state = ClientClosed
		return
	}
	c.state = ClientDisconnected
	c.log.Info("connection broken", zap.NamedError("reason", reason))
	if c.opts.AutoReconnect {
		c.tryReconnect(c.opts.ReconnectDelay)
	}
}

// CheckConnected 等待连接可用，timeout <= 0 表示不限时
func (c *ClientChannel) CheckConnected(t *sched.Task, timeout time.Duration) error {
	if t.Worker() != c.w {
		return ErrForeignWorker
	}
	if c.userClosed {
		return ErrConnectionClosed
	}
	if c.state == ClientConnected {
		return nil
	}
	if !c.connecting && !c.opts.AutoReconnect {
		if c.err != nil {
			return c.err
		}
		return ErrConnectionClosed
	}
	if err := c.connected.WaitForOn(t, timeout); err != nil {
		return err
	}
	if c.userClosed || c.conn == nil {
		return ErrConnectionClosed
	}
	return nil
}

// ReadSome 在当前连接上读
func (c *ClientChannel) ReadSome(t *sched.Task, buf *buffer.Buffer) (int, error) {
	ch := c.conn
	if ch == nil {
		return 0, ErrConnectionClosed
	}
	return ch.ReadSome(t, buf)
}

// WriteAll 在当前连接上写
func (c *ClientChannel) WriteAll(t *sched.Task, buf *buffer.Buffer) (int, error) {
	ch := c.conn
	if ch == nil {
		return 0, ErrConnectionClosed
	}
	return ch.WriteAll(t, buf)
}

// Reconnect 断开当前连接并立即重新连接
func (c *ClientChannel) Reconnect() {
	if c.userClosed {
		return
	}
	if ch := c.conn; ch != nil {
		c.conn = nil
		c.state = ClientDisconnected
		c.connected.TurnOff()
		ch.Close()
	}
	c.tryReconnect(0)
}

// Close 关闭客户端，不再重连，可重复调用
func (c *ClientChannel) Close() error {
	if c.userClosed {
		return nil
	}
	c.opts.AutoReconnect = false
	c.userClosed = true
	if ch := c.conn; ch != nil {
		c.conn = nil
		ch.Close()
	}
	if c.pending != nil {
		c.connectSig.SignalFirstWith(ErrConnectionClosed)
	}
	c.state = ClientClosed
	c.connected.TurnOff()
	c.connected.Abort(ErrConnectionClosed)
	c.log.Info("client closed")
	return nil
}

type closedSocket struct{}

func (closedSocket) Fd() int      { return -1 }
func (closedSocket) Close() error { return nil }

var _ reactor.Handler = (*ClientChannel)(nil)
var _ reactor.Handler = (*Channel)(nil)

package tcp

import (
	"errors"
	"net"

	"github.com/qiminjie89/dawn/internal/netfd"
	"github.com/qiminjie89/dawn/internal/reactor"
	"github.com/qiminjie89/dawn/internal/sched"
	"github.com/qiminjie89/dawn/pkg/logger"
	"github.com/qiminjie89/dawn/pkg/metrics"
	"go.uber.org/zap"
)

// AcceptFunc 每个新连接回调一次，在连接所属 worker 上执行，不能挂起
type AcceptFunc func(c *Channel)

// ServerOptions 服务端选项
type ServerOptions struct {
	Backlog int
	NoDelay bool
	// Workers 非空时新连接轮询分配到这些 worker，否则留在监听所在的 worker
	Workers []*sched.Worker
}

// ServerChannel 监听 socket，accept 就绪时接受所有待处理连接
type ServerChannel struct {
	w          *sched.Worker
	ln         *netfd.Listener
	reg        *reactor.Registration
	onAccepted AcceptFunc
	opts       ServerOptions
	next       int
	closed     bool
	accepted   uint64
	log        *zap.Logger
}

// Listen 在任务 t 所属的 worker 上监听 addr
func Listen(t *sched.Task, addr string, onAccepted AcceptFunc, opts ServerOptions) (*ServerChannel, error) {
	w := t.Worker()
	v, err := t.Offload(func() (any, error) { return netfd.Resolve(addr) })
	if err != nil {
		return nil, err
	}
	ln, err := netfd.Listen(v.(*net.TCPAddr), opts.Backlog)
	if err != nil {
		return nil, err
	}

	r, err := w.Reactor()
	if err != nil {
		ln.Close()
		return nil, err
	}
	s := &ServerChannel{
		w:          w,
		ln:         ln,
		onAccepted: onAccepted,
		opts:       opts,
		log: logger.Named("tcp.server").With(
			zap.Stringer("addr", ln.Addr()),
			zap.Int("worker", w.ID()),
		),
	}
	if _, err := r.Register(s, reactor.EventAccept); err != nil {
		ln.Close()
		return nil, err
	}
	s.log.Info("listening")
	return s, nil
}

// Serve 监听 addr，为每个连接创建一个任务运行 fn，fn 返回后关闭连接
func Serve(t *sched.Task, addr string, fn func(t *sched.Task, c *Channel) error, opts ServerOptions) (*ServerChannel, error) {
	return Listen(t, addr, func(c *Channel) {
		c.Worker().Spawn("conn "+c.ID().String(), func(t *sched.Task) error {
			defer c.Close()
			err := fn(t, c)
			if err != nil && !errors.Is(err, ErrConnectionClosed) {
				logger.Debug("connection task ended",
					zap.String("conn_id", c.ID().String()),
					zap.Error(err),
				)
			}
			return err
		})
	}, opts)
}

// Addr 实际监听地址
func (s *ServerChannel) Addr() *net.TCPAddr { return s.ln.Addr() }

// Accepted 已接受的连接数
func (s *ServerChannel) Accepted() uint64 { return s.accepted }

// Socket 实现 reactor.Handler
func (s *ServerChannel) Socket() reactor.Socket { return s.ln }

// Registration 实现 reactor.Handler
func (s *ServerChannel) Registration() *reactor.Registration { return s.reg }

// SetRegistration 实现 reactor.Handler
func (s *ServerChannel) SetRegistration(reg *reactor.Registration) { s.reg = reg }

// OnReady 接受所有已就绪的连接，accept 失败只记录日志
func (s *ServerChannel) OnReady(ready reactor.Events) error {
	if ready&reactor.EventAccept == 0 {
		return nil
	}
	for !s.closed {
		conn, err := s.ln.Accept()
		if errors.Is(err, netfd.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			metrics.ServerAcceptErrors.Inc()
			s.log.Warn("accept failed", zap.Error(err))
			return nil
		}
		s.accepted++
		metrics.ServerAccepted.Inc()
		if s.opts.NoDelay {
			conn.SetNoDelay(true)
		}
		s.dispatch(conn)
	}
	return nil
}

// OnFault 监听 socket 被 reactor 隔离
func (s *ServerChannel) OnFault(err error) {
	s.closed = true
	s.log.Error("listener closed by fault", zap.Error(err))
}

func (s *ServerChannel) pick() *sched.Worker {
	if len(s.opts.Workers) == 0 {
		return s.w
	}
	w := s.opts.Workers[s.next%len(s.opts.Workers)]
	s.next++
	return w
}

func (s *ServerChannel) dispatch(conn *netfd.Conn) {
	target := s.pick()
	if target == s.w {
		s.open(target, conn)
		return
	}
	if !target.Post(func() { s.open(target, conn) }) {
		conn.Close()
	}
}

// open 在目标 worker 上创建 channel 并回调
func (s *ServerChannel) open(w *sched.Worker, conn *netfd.Conn) {
	c, err := newChannel(w, conn, nil)
	if err != nil {
		conn.Close()
		s.log.Warn("register accepted connection failed", zap.Error(err))
		return
	}
	s.onAccepted(c)
}

// Close 停止监听，已接受的连接不受影响
func (s *ServerChannel) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.reg != nil {
		s.reg.Cancel()
	}
	s.log.Info("listener closed")
	return s.ln.Close()
}

// Package reactor 提供每个 worker 一个的就绪事件多路复用器
//
// Reactor 及其注册表只能由所属 worker 访问，Wake 除外。
package reactor

import (
	"errors"
	"fmt"
	"time"

	"github.com/qiminjie89/dawn/pkg/logger"
	"github.com/qiminjie89/dawn/pkg/metrics"
	"go.uber.org/zap"
)

// Events 关注或就绪的事件集合
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventConnect
	EventAccept
	EventError  // 仅就绪
	EventHangup // 仅就绪

	interestMask = EventRead | EventWrite | EventConnect | EventAccept
)

func (e Events) String() string {
	if e == 0 {
		return "none"
	}
	names := []string{"read", "write", "connect", "accept", "error", "hangup"}
	s := ""
	for i, name := range names {
		if e&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	return s
}

var (
	ErrClosed       = errors.New("reactor: closed")
	ErrClosedSocket = errors.New("reactor: socket already closed")
	ErrCanceled     = errors.New("reactor: registration canceled")
	ErrUnsupported  = errors.New("reactor: platform not supported")
)

// Socket 可注册的非阻塞 socket，关闭后 Fd 返回 -1
type Socket interface {
	Fd() int
	Close() error
}

// Handler 事件处理器
type Handler interface {
	Socket() Socket
	Registration() *Registration
	SetRegistration(reg *Registration)
	// OnReady 在 worker 上回调；返回错误时 reactor 取消注册并关闭 socket
	OnReady(ready Events) error
}

// Faulter 可选接口，处理器被隔离时收到通知
type Faulter interface {
	OnFault(err error)
}

// Options Reactor 选项
type Options struct {
	Name      string // 用作日志与指标标签
	MaxEvents int
}

// Reactor 就绪事件循环
type Reactor struct {
	name   string
	poller poller
	regs   map[int]*Registration
	ready  []readyEvent
	closed bool
	log    *zap.Logger
}

// poller 平台相关的多路复用器
type poller interface {
	add(fd int, mask uint32) error
	mod(fd int, mask uint32) error
	del(fd int) error
	wait(timeout time.Duration, fn func(fd int, ev Events)) error
	wake() error
	close() error
}

type readyEvent struct {
	reg *Registration
	ev  Events
}

// New 创建 Reactor
func New(opts Options) (*Reactor, error) {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = 256
	}
	p, err := newPoller(opts.MaxEvents)
	if err != nil {
		return nil, err
	}
	return &Reactor{
		name:   opts.Name,
		poller: p,
		regs:   make(map[int]*Registration),
		ready:  make([]readyEvent, 0, opts.MaxEvents),
		log:    logger.Named("reactor").With(zap.String("worker", opts.Name)),
	}, nil
}

// Len 当前注册数量
func (r *Reactor) Len() int { return len(r.regs) }

// Register 注册处理器，socket 已关闭时失败
//
// 同一 fd 上残留的旧注册会被取消。interest 为 0 时只登记不加入多路复用集合。
func (r *Reactor) Register(h Handler, interest Events) (*Registration, error) {
	if r.closed {
		return nil, ErrClosed
	}
	fd := h.Socket().Fd()
	if fd < 0 {
		return nil, ErrClosedSocket
	}
	if old, ok := r.regs[fd]; ok {
		old.Cancel()
	}

	reg := &Registration{r: r, h: h, fd: fd}
	if err := reg.SetInterest(interest); err != nil {
		return nil, fmt.Errorf("register fd %d: %w", fd, err)
	}
	r.regs[fd] = reg
	h.SetRegistration(reg)
	return reg, nil
}

// RunOnce 最多等待 timeout 直到有就绪事件并分发，timeout < 0 表示一直等待
//
// 返回分发给处理器的事件数，唤醒事件不计入。
func (r *Reactor) RunOnce(timeout time.Duration) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	metrics.ReactorPolls.WithLabelValues(r.name).Inc()

	r.ready = r.ready[:0]
	err := r.poller.wait(timeout, func(fd int, ev Events) {
		reg, ok := r.regs[fd]
		if !ok {
			return
		}
		if ev&(EventError|EventHangup) != 0 {
			ev |= reg.interest
		}
		r.ready = append(r.ready, readyEvent{reg: reg, ev: ev & (reg.interest | EventError | EventHangup)})
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range r.ready {
		re := r.ready[i]
		r.ready[i] = readyEvent{}
		if re.reg.canceled || re.ev == 0 {
			continue
		}
		r.dispatch(re.reg, re.ev)
		n++
	}
	if n > 0 {
		metrics.ReactorEvents.WithLabelValues(r.name).Add(float64(n))
	}
	return n, nil
}

func (r *Reactor) dispatch(reg *Registration, ev Events) {
	defer func() {
		if p := recover(); p != nil {
			r.fault(reg, fmt.Errorf("handler panic: %v", p))
		}
	}()
	if err := reg.h.OnReady(ev); err != nil {
		r.fault(reg, err)
	}
}

// fault 隔离出错的处理器，其余事件照常分发
func (r *Reactor) fault(reg *Registration, err error) {
	metrics.ReactorFaults.WithLabelValues(r.name).Inc()
	r.log.Warn("handler fault, closing socket",
		zap.Int("fd", reg.fd),
		zap.Error(err),
	)
	reg.Cancel()
	reg.h.Socket().Close()
	if f, ok := reg.h.(Faulter); ok {
		f.OnFault(err)
	}
}

// Wake 打断正在进行的 RunOnce，可在任意 goroutine 调用
func (r *Reactor) Wake() error {
	return r.poller.wake()
}

// Close 关闭 Reactor 并关闭仍在注册的 socket
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	for fd, reg := range r.regs {
		reg.canceled = true
		reg.h.Socket().Close()
		delete(r.regs, fd)
	}
	return r.poller.close()
}

// Registration 处理器在 Reactor 中的登记
type Registration struct {
	r        *Reactor
	h        Handler
	fd       int
	interest Events
	armed    uint32 // 已提交给多路复用器的掩码
	canceled bool
}

// Handler 所属处理器
func (g *Registration) Handler() Handler { return g.h }

// Interest 当前关注的事件
func (g *Registration) Interest() Events { return g.interest }

// Valid 是否仍然有效
func (g *Registration) Valid() bool { return !g.canceled }

// SetInterest 替换关注的事件，为 0 时从多路复用集合中移除
func (g *Registration) SetInterest(ev Events) error {
	if g.canceled {
		return ErrCanceled
	}
	ev &= interestMask
	mask := pollMask(ev)
	var err error
	switch {
	case mask == g.armed:
	case mask == 0:
		err = g.r.poller.del(g.fd)
	case g.armed == 0:
		err = g.r.poller.add(g.fd, mask)
	default:
		err = g.r.poller.mod(g.fd, mask)
	}
	if err != nil {
		return err
	}
	g.armed = mask
	g.interest = ev
	return nil
}

// AddInterest 增加关注的事件
func (g *Registration) AddInterest(ev Events) error {
	return g.SetInterest(g.interest | ev)
}

// ClearInterest 清除关注的事件
func (g *Registration) ClearInterest(ev Events) error {
	return g.SetInterest(g.interest &^ ev)
}

// Cancel 取消注册，可重复调用
func (g *Registration) Cancel() {
	if g.canceled {
		return
	}
	g.canceled = true
	if g.armed != 0 {
		g.r.poller.del(g.fd)
		g.armed = 0
	}
	g.interest = 0
	if g.r.regs[g.fd] == g {
		delete(g.r.regs, g.fd)
	}
}

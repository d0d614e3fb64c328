// Package timer 实现分层级联时间轮
//
// 时间轮由细到粗排列，第 i 层每个槽跨越 g_i 个基础刻度，g_0 = 1，
// g_{i+1} = g_i * T_i。定时器按到期刻度放入能容纳它的最细一层；
// 细层转满一圈时粗层前进一格，粗层当前槽内的定时器被重新分配到更细的层。
//
// Wheel 不是并发安全的，由所属 worker 驱动。
package timer

import (
	"errors"
	"time"

	"github.com/eapache/queue"
)

// DefaultTickPeriod 基础刻度
const DefaultTickPeriod = 2 * time.Millisecond

// DefaultTicks 每层槽数，由细到粗
var DefaultTicks = []int{500, 64, 64, 64, 64}

var (
	// ErrTooFar 延迟超过最粗一层的范围
	ErrTooFar = errors.New("timer: delay exceeds wheel range")
	// ErrBadConfig 刻度或槽数非法
	ErrBadConfig = errors.New("timer: invalid wheel config")
)

// State 定时器状态
type State uint8

const (
	Pending State = iota
	Fired
	Canceled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fired:
		return "fired"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Timer 时间轮中的一个定时任务
type Timer struct {
	wheel *Wheel
	when  time.Time
	tick  int64 // 到期的绝对刻度
	fn    func()
	state State
	level int
	slot  int
}

// When 计划执行时间
func (t *Timer) When() time.Time { return t.when }

// State 当前状态
func (t *Timer) State() State { return t.state }

// Stop 取消尚未触发的定时器，返回是否由本次调用取消
//
// 取消是惰性的：条目留在槽内，轮到它时被丢弃。
func (t *Timer) Stop() bool {
	if t.state != Pending {
		return false
	}
	t.state = Canceled
	t.wheel.pending--
	t.wheel.canceled++
	return true
}

type level struct {
	slots []*queue.Queue
	cur   int
	span  int64 // 每槽跨越的基础刻度数
}

// Config 时间轮配置
type Config struct {
	TickPeriod time.Duration
	Ticks      []int
	Clock      func() time.Time // 为空时使用 time.Now
}

// Wheel 分层级联时间轮
type Wheel struct {
	period time.Duration
	clock  func() time.Time
	origin time.Time
	stamp  time.Time // 最近一次 Tick 对应的时间
	now    int64     // 已走过的基础刻度
	levels []level

	pending  int
	fired    uint64
	canceled uint64
	cascaded uint64
}

// New 创建时间轮
func New(cfg Config) (*Wheel, error) {
	if cfg.TickPeriod == 0 {
		cfg.TickPeriod = DefaultTickPeriod
	}
	if len(cfg.Ticks) == 0 {
		cfg.Ticks = DefaultTicks
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.TickPeriod < 0 {
		return nil, ErrBadConfig
	}

	w := &Wheel{
		period: cfg.TickPeriod,
		clock:  cfg.Clock,
		levels: make([]level, len(cfg.Ticks)),
	}
	span := int64(1)
	for i, n := range cfg.Ticks {
		if n < 2 {
			return nil, ErrBadConfig
		}
		lv := level{slots: make([]*queue.Queue, n), span: span}
		for j := range lv.slots {
			lv.slots[j] = queue.New()
		}
		w.levels[i] = lv
		span *= int64(n)
	}
	w.origin = w.clock()
	w.stamp = w.origin
	return w, nil
}

// TickPeriod 基础刻度
func (w *Wheel) TickPeriod() time.Duration { return w.period }

// Len 尚未触发且未取消的定时器数量
func (w *Wheel) Len() int { return w.pending }

// Now 已走过的基础刻度
func (w *Wheel) Now() int64 { return w.now }

// Stats 累计计数
func (w *Wheel) Stats() (fired, canceled, cascaded uint64) {
	return w.fired, w.canceled, w.cascaded
}

// Range 可调度的最大延迟
func (w *Wheel) Range() time.Duration {
	top := w.levels[len(w.levels)-1]
	return time.Duration(top.span*int64(len(top.slots))-top.span) * w.period
}

// Schedule 在 d 之后执行 fn
func (w *Wheel) Schedule(d time.Duration, fn func()) (*Timer, error) {
	return w.ScheduleAt(w.clock().Add(d), fn)
}

// ScheduleAt 在 when 执行 fn，when 早于当前时间时在下一个刻度执行
func (w *Wheel) ScheduleAt(when time.Time, fn func()) (*Timer, error) {
	d := when.Sub(w.origin)
	tick := int64(d / w.period)
	if d%w.period != 0 {
		tick++
	}
	if tick <= w.now {
		tick = w.now + 1
	}

	t := &Timer{wheel: w, when: when, tick: tick, fn: fn}
	if !w.place(t) {
		return nil, ErrTooFar
	}
	w.pending++
	return t, nil
}

// place 选择能容纳到期刻度的最细一层放入，槽号为绝对槽序号对槽数取模
func (w *Wheel) place(t *Timer) bool {
	for i := range w.levels {
		lv := &w.levels[i]
		delta := t.tick/lv.span - w.now/lv.span
		if delta < int64(len(lv.slots)) {
			t.level = i
			t.slot = int((t.tick / lv.span) % int64(len(lv.slots)))
			lv.slots[t.slot].Add(t)
			return true
		}
	}
	return false
}

// CanTick 距上次 Tick 是否已过去至少一个刻度
func (w *Wheel) CanTick() bool {
	return !w.clock().Before(w.stamp.Add(w.period))
}

// NextTick 下一次可以 Tick 的时间
func (w *Wheel) NextTick() time.Time {
	return w.stamp.Add(w.period)
}

// Tick 前进一个基础刻度，细层转满一圈时推动粗层并向下级联
func (w *Wheel) Tick() {
	w.now++
	w.stamp = w.stamp.Add(w.period)
	w.advance(0)
}

func (w *Wheel) advance(i int) {
	lv := &w.levels[i]
	lv.cur = (lv.cur + 1) % len(lv.slots)
	if lv.cur == 0 && i+1 < len(w.levels) {
		w.advance(i + 1)
	}
	if i > 0 {
		w.cascade(i)
	}
}

// cascade 把第 i 层当前槽的条目按剩余刻度重新放入更细的层
func (w *Wheel) cascade(i int) {
	q := w.levels[i].slots[w.levels[i].cur]
	for n := q.Length(); n > 0; n-- {
		t := q.Remove().(*Timer)
		if t.state != Pending {
			continue
		}
		w.place(t)
		w.cascaded++
	}
}

// PollFirst 取出最细一层当前槽中下一个待执行的定时器，没有时返回 nil
func (w *Wheel) PollFirst() *Timer {
	q := w.levels[0].slots[w.levels[0].cur]
	for q.Length() > 0 {
		t := q.Remove().(*Timer)
		if t.state == Pending {
			return t
		}
	}
	return nil
}

// fire 标记为已触发并执行回调
func (w *Wheel) fire(t *Timer) {
	t.state = Fired
	w.pending--
	w.fired++
	if t.fn != nil {
		t.fn()
	}
}

// Advance 按时钟追赶所有到期刻度并执行到期定时器，返回执行数量
func (w *Wheel) Advance() int {
	n := 0
	for w.CanTick() {
		w.Tick()
		for t := w.PollFirst(); t != nil; t = w.PollFirst() {
			w.fire(t)
			n++
		}
	}
	return n
}

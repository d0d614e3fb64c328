package sched

import (
	"context"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/qiminjie89/dawn/internal/reactor"
	"github.com/qiminjie89/dawn/internal/timer"
	"github.com/qiminjie89/dawn/pkg/metrics"
	"go.uber.org/zap"
)

// Worker 单 goroutine 事件循环，拥有运行队列、时间轮与 Reactor
//
// 除 Post、Spawn、Call、Stop 外的方法只能在 worker 上下文（任务体或 worker 回调）中调用。
type Worker struct {
	id    int
	label string
	sched *Scheduler
	log   *zap.Logger

	mu     sync.Mutex
	inbox  []func()
	closed bool
	wakeCh chan struct{}

	reactor atomic.Pointer[reactor.Reactor]

	// 以下字段只在 worker 上下文访问
	runq     *queue.Queue
	yieldCh  chan struct{}
	wheel    *timer.Wheel
	current  *Task
	tasks    map[*Task]struct{}
	stopping bool
	cascaded uint64
	canceled uint64

	started atomic.Bool
	doneCh  chan struct{}
}

func newWorker(s *Scheduler, id int, wheel *timer.Wheel) *Worker {
	label := strconv.Itoa(id)
	return &Worker{
		id:      id,
		label:   label,
		sched:   s,
		log:     s.log.With(zap.Int("worker", id)),
		wakeCh:  make(chan struct{}, 1),
		runq:    queue.New(),
		yieldCh: make(chan struct{}),
		wheel:   wheel,
		tasks:   make(map[*Task]struct{}),
		doneCh:  make(chan struct{}),
	}
}

// ID worker 编号
func (w *Worker) ID() int { return w.id }

// Scheduler 所属调度器
func (w *Worker) Scheduler() *Scheduler { return w.sched }

// Done worker 退出后关闭
func (w *Worker) Done() <-chan struct{} { return w.doneCh }

// Post 投递一个在 worker 上执行的回调，可在任意 goroutine 调用
//
// 回调不能挂起。worker 已停止时返回 false。
func (w *Worker) Post(fn func()) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.inbox = append(w.inbox, fn)
	w.mu.Unlock()
	w.wakeup()
	return true
}

func (w *Worker) wakeup() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
	if r := w.reactor.Load(); r != nil {
		r.Wake()
	}
}

// Spawn 创建任务并放入运行队列，可在任意 goroutine 调用
func (w *Worker) Spawn(name string, body func(*Task) error) *Task {
	t := &Task{
		id:   w.sched.nextTaskID.Add(1),
		name: name,
		w:    w,
		body: body,
		wake: make(chan any, 1),
		done: make(chan struct{}),
	}
	if !w.Post(func() { w.start(t) }) {
		t.state = taskDone
		t.err = ErrStopped
		close(t.done)
	}
	return t
}

func (w *Worker) start(t *Task) {
	w.tasks[t] = struct{}{}
	metrics.SchedulerTasks.WithLabelValues(w.label).Inc()
	t.state = taskReady
	w.runq.Add(t)
	go t.run()
}

// Call 在 worker 上运行 body 并阻塞调用方直到结束
//
// ctx 取消时立即返回 ctx.Err()，任务继续运行。
func (w *Worker) Call(ctx context.Context, body func(*Task) error) error {
	return w.Spawn("call", body).Wait(ctx)
}

// Resume 恢复一个挂起的任务，v 作为其 Suspend 的返回值
func (w *Worker) Resume(t *Task, v any) {
	if t.w != w {
		w.log.DPanic("resume of task owned by another worker", zap.String("task", t.name))
		return
	}
	if t.state != taskSuspended {
		w.log.DPanic("resume of task that is not suspended",
			zap.String("task", t.name),
			zap.Uint8("state", uint8(t.state)),
		)
		return
	}
	t.state = taskReady
	t.val = v
	w.runq.Add(t)
}

// AfterFunc 在 d 之后于 worker 上执行 fn
func (w *Worker) AfterFunc(d time.Duration, fn func()) (*timer.Timer, error) {
	return w.wheel.Schedule(d, func() { w.safeCall("timer", fn) })
}

// Reactor 返回本 worker 的 Reactor，首次调用时创建
func (w *Worker) Reactor() (*reactor.Reactor, error) {
	if r := w.reactor.Load(); r != nil {
		return r, nil
	}
	r, err := w.sched.reactors.get(w.id)
	if err != nil {
		return nil, err
	}
	w.reactor.Store(r)
	return r, nil
}

func (w *Worker) safeCall(what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			metrics.SchedulerPanics.WithLabelValues(w.label).Inc()
			w.log.Error("callback panic",
				zap.String("kind", what),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	fn()
}

func (w *Worker) loop() {
	defer close(w.doneCh)
	defer w.teardown()

	for {
		w.drainInbox()
		if w.stopping {
			return
		}
		w.runReady()
		w.fireTimers()
		w.idle()
	}
}

func (w *Worker) drainInbox() {
	w.mu.Lock()
	fns := w.inbox
	w.inbox = nil
	w.mu.Unlock()

	for _, fn := range fns {
		w.safeCall("post", fn)
	}
}

// runReady 运行本轮开始时已就绪的任务，本轮新就绪的任务留到下一轮
func (w *Worker) runReady() {
	for n := w.runq.Length(); n > 0; n-- {
		t := w.runq.Remove().(*Task)
		if t.state != taskReady {
			continue
		}
		w.switchTo(t, t.val)
	}
}

func (w *Worker) switchTo(t *Task, v any) {
	t.val = nil
	t.state = taskRunning
	w.current = t
	t.wake <- v
	<-w.yieldCh
	w.current = nil
	metrics.SchedulerSwitches.WithLabelValues(w.label).Inc()

	if t.state == taskDone {
		delete(w.tasks, t)
		metrics.SchedulerTasks.WithLabelValues(w.label).Dec()
	}
}

func (w *Worker) fireTimers() {
	if n := w.wheel.Advance(); n > 0 {
		metrics.TimerFired.WithLabelValues(w.label).Add(float64(n))
	}
	_, canceled, cascaded := w.wheel.Stats()
	if cascaded != w.cascaded {
		metrics.TimerCascaded.WithLabelValues(w.label).Add(float64(cascaded - w.cascaded))
		w.cascaded = cascaded
	}
	if canceled != w.canceled {
		metrics.TimerCanceled.WithLabelValues(w.label).Add(float64(canceled - w.canceled))
		w.canceled = canceled
	}
}

func (w *Worker) hasInbox() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inbox) > 0
}

// idle 没有就绪任务时等待 I/O、定时器或投递
func (w *Worker) idle() {
	timeout := time.Duration(-1)
	switch {
	case w.runq.Length() > 0 || w.hasInbox():
		timeout = 0
	case w.wheel.Len() > 0:
		timeout = time.Until(w.wheel.NextTick())
		if timeout < 0 {
			timeout = 0
		}
	}

	if r := w.reactor.Load(); r != nil {
		if _, err := r.RunOnce(timeout); err != nil {
			w.log.Error("reactor poll failed", zap.Error(err))
			time.Sleep(time.Millisecond)
		}
		select {
		case <-w.wakeCh:
		default:
		}
		return
	}

	if timeout == 0 {
		return
	}
	if timeout < 0 {
		<-w.wakeCh
		return
	}
	tm := time.NewTimer(timeout)
	defer tm.Stop()
	select {
	case <-w.wakeCh:
	case <-tm.C:
	}
}

// teardown 拒绝新的投递，执行剩余回调，中止所有存活任务并释放 Reactor
func (w *Worker) teardown() {
	w.mu.Lock()
	w.closed = true
	fns := w.inbox
	w.inbox = nil
	w.mu.Unlock()

	for _, fn := range fns {
		w.safeCall("post", fn)
	}

	stopped := 0
	for len(w.tasks) > 0 {
		for t := range w.tasks {
			if t.state == taskDone {
				delete(w.tasks, t)
				continue
			}
			w.switchTo(t, stopToken{})
			stopped++
		}
	}

	w.reactor.Store(nil)
	w.sched.reactors.drop(w.id)
	w.log.Info("worker stopped", zap.Int("stopped_tasks", stopped))
}

// Stop 停止 worker 并等待其退出，可在任意 goroutine 调用，不能在 worker 上下文调用
func (w *Worker) Stop() {
	if !w.started.Load() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		return
	}
	w.Post(func() { w.stopping = true })
	<-w.doneCh
}

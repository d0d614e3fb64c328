package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/qiminjie89/dawn/pkg/metrics"
	"go.uber.org/zap"
)

var (
	// ErrStopped worker 已停止，任务未运行或被中止
	ErrStopped = errors.New("sched: worker stopped")
)

// PanicError 任务体 panic 时由 Call/Err 返回
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("sched: task panic: %v", e.Value)
}

type taskState uint8

const (
	taskReady taskState = iota
	taskRunning
	taskSuspended
	taskDone
)

// stopToken 停止时投递给挂起任务的值
type stopToken struct{}

// Task 协作式任务
//
// 任务只在持有所属 worker 的执行权时运行；同一 worker 上任一时刻只有一个任务在运行。
type Task struct {
	id    uint64
	name  string
	w     *Worker
	body  func(*Task) error
	wake  chan any
	state taskState
	val   any
	done  chan struct{}
	err   error
}

// ID 任务编号
func (t *Task) ID() uint64 { return t.id }

// Name 任务名
func (t *Task) Name() string { return t.name }

// Worker 所属 worker
func (t *Task) Worker() *Worker { return t.w }

// Done 任务结束时关闭
func (t *Task) Done() <-chan struct{} { return t.done }

// Err 任务结束后返回任务体的错误
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait 在任意 goroutine 等待任务结束
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) run() {
	v := <-t.wake
	w := t.w
	defer func() {
		t.state = taskDone
		close(t.done)
		w.yieldCh <- struct{}{}
	}()
	if _, ok := v.(stopToken); ok {
		t.err = ErrStopped
		return
	}
	defer func() {
		if p := recover(); p != nil {
			t.err = &PanicError{Value: p, Stack: debug.Stack()}
			metrics.SchedulerPanics.WithLabelValues(w.label).Inc()
			w.log.Error("task panic",
				zap.String("task", t.name),
				zap.Any("panic", p),
				zap.ByteString("stack", t.err.(*PanicError).Stack),
			)
		}
	}()
	t.err = t.body(t)
}

// park 交还执行权并等待下一次恢复
func (t *Task) park() any {
	t.w.yieldCh <- struct{}{}
	v := <-t.wake
	if _, ok := v.(stopToken); ok {
		t.err = ErrStopped
		runtime.Goexit()
	}
	return v
}

func (t *Task) mustBeCurrent(op string) {
	if t.w.current != t {
		panic("sched: " + op + " called outside task " + t.name)
	}
}

// Suspend 挂起当前任务，直到有人调用 Worker.Resume，返回恢复时携带的值
func (t *Task) Suspend() any {
	t.mustBeCurrent("Suspend")
	t.state = taskSuspended
	return t.park()
}

// Yield 让出执行权，排到运行队列末尾
func (t *Task) Yield() {
	t.mustBeCurrent("Yield")
	t.state = taskReady
	t.w.runq.Add(t)
	t.park()
}

// Sleep 挂起 d
func (t *Task) Sleep(d time.Duration) error {
	t.mustBeCurrent("Sleep")
	if d <= 0 {
		t.Yield()
		return nil
	}
	if _, err := t.w.AfterFunc(d, func() { t.w.Resume(t, nil) }); err != nil {
		return err
	}
	t.Suspend()
	return nil
}

type offloadResult struct {
	v   any
	err error
}

// Offload 在普通 goroutine 上执行阻塞调用 fn，挂起当前任务直到结果投递回所属 worker
//
// 并发数受 Scheduler 的 offload 上限约束。
func (t *Task) Offload(fn func() (any, error)) (any, error) {
	t.mustBeCurrent("Offload")
	w := t.w
	sem := w.sched.offload
	go func() {
		res := offloadResult{}
		if err := sem.Acquire(context.Background(), 1); err != nil {
			res.err = err
		} else {
			metrics.OffloadInflight.Inc()
			res = callOffload(fn)
			metrics.OffloadInflight.Dec()
			sem.Release(1)
		}
		w.Post(func() { w.Resume(t, res) })
	}()

	res := t.Suspend().(offloadResult)
	return res.v, res.err
}

func callOffload(fn func() (any, error)) (res offloadResult) {
	defer func() {
		if p := recover(); p != nil {
			res = offloadResult{err: &PanicError{Value: p, Stack: debug.Stack()}}
		}
	}()
	v, err := fn()
	return offloadResult{v: v, err: err}
}

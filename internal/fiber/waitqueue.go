package fiber

import (
	"container/list"
	"time"

	"github.com/qiminjie89/dawn/internal/sched"
)

type waiter struct {
	task *sched.Task
	elem *list.Element
	bind *TimeoutBinding
}

// waitQueue FIFO 等待队列，超时的等待者可从中间移除
type waitQueue struct {
	l list.List
}

func (q *waitQueue) len() int { return q.l.Len() }

func (q *waitQueue) remove(w *waiter) {
	if w.elem != nil {
		q.l.Remove(w.elem)
		w.elem = nil
	}
}

// park 挂起 t 直到被唤醒，d > 0 时绑定超时
//
// 任务被中止时等待者会被移出队列，不会留下悬空条目。
func (q *waitQueue) park(t *sched.Task, d time.Duration) (any, error) {
	w := &waiter{task: t}
	w.elem = q.l.PushBack(w)
	defer func() {
		q.remove(w)
		if w.bind != nil {
			w.bind.Cancel()
		}
	}()

	if d > 0 {
		b, err := Bind(t, d, func() { q.remove(w) })
		if err != nil {
			return nil, err
		}
		w.bind = b
	}

	v := t.Suspend()
	if IsTimeout(v) {
		return nil, ErrTimeout
	}
	return v, nil
}

// pop 移出最早的等待者并取消其超时，队列为空时返回 nil
func (q *waitQueue) pop() *waiter {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	w := e.Value.(*waiter)
	q.remove(w)
	if w.bind != nil {
		w.bind.Cancel()
	}
	return w
}

func (w *waiter) resume(v any) {
	w.task.Worker().Resume(w.task, v)
}

// wakeFirst 唤醒最早的等待者
func (q *waitQueue) wakeFirst(v any) bool {
	w := q.pop()
	if w == nil {
		return false
	}
	w.resume(v)
	return true
}

// wakeAll 按 FIFO 唤醒当前所有等待者
func (q *waitQueue) wakeAll(v any) int {
	n := 0
	for q.wakeFirst(v) {
		n++
	}
	return n
}

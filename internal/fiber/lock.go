package fiber

import (
	"time"

	"github.com/qiminjie89/dawn/internal/sched"
)

// ReentrantLock 可重入的任务锁，释放时按 FIFO 把所有权直接交给最早的等待者。零值可用。
type ReentrantLock struct {
	owner *sched.Task
	holds int
	q     waitQueue
}

func (l *ReentrantLock) tryAcquire(t *sched.Task) bool {
	switch l.owner {
	case nil:
		l.owner = t
		l.holds = 1
		return true
	case t:
		l.holds++
		return true
	default:
		return false
	}
}

// Lock 获取锁，被其他任务持有时挂起
func (l *ReentrantLock) Lock(t *sched.Task) {
	if l.tryAcquire(t) {
		return
	}
	l.q.park(t, 0)
}

// TryLock 最多等待 d 获取锁，d <= 0 时不等待，超时返回 ErrTimeout
//
// 超时与释放竞争时先发生的一方生效：已超时的任务不会再被授予锁。
func (l *ReentrantLock) TryLock(t *sched.Task, d time.Duration) error {
	if l.tryAcquire(t) {
		return nil
	}
	if d <= 0 {
		return ErrTimeout
	}
	_, err := l.q.park(t, d)
	return err
}

// Release 释放一次持有，调用者不是持有者时返回 false
func (l *ReentrantLock) Release(t *sched.Task) bool {
	if l.owner != t || l.holds == 0 {
		return false
	}
	l.holds--
	if l.holds > 0 {
		return true
	}
	l.owner = nil
	if w := l.q.pop(); w != nil {
		l.owner = w.task
		l.holds = 1
		w.resume(nil)
	}
	return true
}

// Owner 当前持有者
func (l *ReentrantLock) Owner() *sched.Task { return l.owner }

// Holds 当前持有次数
func (l *ReentrantLock) Holds() int { return l.holds }

// Waiters 等待者数量
func (l *ReentrantLock) Waiters() int { return l.q.len() }

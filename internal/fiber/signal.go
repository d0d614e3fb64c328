package fiber

import (
	"time"

	"github.com/qiminjie89/dawn/internal/sched"
)

// Signal 一次唤醒一个等待者的信号，唤醒时可附带一个值。零值可用。
type Signal struct {
	q waitQueue
}

// Wait 挂起直到被唤醒，返回唤醒时附带的值
func (s *Signal) Wait(t *sched.Task) any {
	v, _ := s.q.park(t, 0)
	return v
}

// WaitTimeout 与 Wait 相同但最多等待 d，d <= 0 表示不限时
func (s *Signal) WaitTimeout(t *sched.Task, d time.Duration) (any, error) {
	return s.q.park(t, d)
}

// SignalFirst 唤醒最早的等待者，没有等待者时返回 false
func (s *Signal) SignalFirst() bool {
	return s.q.wakeFirst(nil)
}

// SignalFirstWith 唤醒最早的等待者并附带 v
func (s *Signal) SignalFirstWith(v any) bool {
	return s.q.wakeFirst(v)
}

// Broadcast 唤醒所有等待者，返回唤醒数量
func (s *Signal) Broadcast(v any) int {
	return s.q.wakeAll(v)
}

// Waiters 等待者数量
func (s *Signal) Waiters() int {
	return s.q.len()
}

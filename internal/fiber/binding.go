// Package fiber 提供任务感知的同步原语：Signal、ReentrantLock、Gate
//
// 原语只在其所属 worker 上使用，所有等待队列都是 FIFO。
// 带超时的等待通过 TimeoutBinding 把时间轮与挂起的任务连接起来。
package fiber

import (
	"errors"
	"time"

	"github.com/qiminjie89/dawn/internal/sched"
	"github.com/qiminjie89/dawn/internal/timer"
)

// ErrTimeout 等待超时
var ErrTimeout = errors.New("fiber: wait timed out")

// timedOut 超时触发时投递给任务的值
type timedOut struct{}

// BindState 绑定状态
type BindState uint8

const (
	BindPending BindState = iota
	BindFired
	BindCanceled
)

// TimeoutBinding 定时器触发与强制恢复某个挂起任务之间的可取消连接
//
// 状态只会从 pending 变为 fired 或 canceled 之一，且只变一次。
type TimeoutBinding struct {
	task   *sched.Task
	timer  *timer.Timer
	state  BindState
	onFire func()
}

// Bind 为任务 t 绑定 d 之后的超时。触发时先执行 onFire（通常是把任务移出等待队列），
// 再以超时标记恢复任务。
func Bind(t *sched.Task, d time.Duration, onFire func()) (*TimeoutBinding, error) {
	b := &TimeoutBinding{task: t, onFire: onFire}
	tm, err := t.Worker().AfterFunc(d, b.fire)
	if err != nil {
		return nil, err
	}
	b.timer = tm
	return b, nil
}

// State 当前状态
func (b *TimeoutBinding) State() BindState { return b.state }

func (b *TimeoutBinding) fire() {
	if b.state != BindPending {
		return
	}
	b.state = BindFired
	if b.onFire != nil {
		b.onFire()
	}
	b.task.Worker().Resume(b.task, timedOut{})
}

// Cancel 在等待正常完成时调用，返回是否由本次调用取消
func (b *TimeoutBinding) Cancel() bool {
	if b.state != BindPending {
		return false
	}
	b.state = BindCanceled
	b.timer.Stop()
	return true
}

// IsTimeout 判断 Suspend 返回值是否为超时标记
func IsTimeout(v any) bool {
	_, ok := v.(timedOut)
	return ok
}

package fiber

import (
	"time"

	"github.com/qiminjie89/dawn/internal/sched"
)

// Gate 电平触发的开关。打开时释放所有等待者，之后的等待者立即通过。
type Gate struct {
	on bool
	q  waitQueue
}

// NewGate 创建 Gate
func NewGate(on bool) *Gate {
	return &Gate{on: on}
}

// IsOn 是否打开
func (g *Gate) IsOn() bool { return g.on }

// WaitForOn 等待 Gate 打开，timeout <= 0 表示不限时
//
// 被 Abort 唤醒时返回 Abort 的错误。
func (g *Gate) WaitForOn(t *sched.Task, timeout time.Duration) error {
	if g.on {
		return nil
	}
	v, err := g.q.park(t, timeout)
	if err != nil {
		return err
	}
	if err, ok := v.(error); ok {
		return err
	}
	return nil
}

// TurnOn 打开并按 FIFO 唤醒所有等待者，可重复调用
func (g *Gate) TurnOn() {
	g.on = true
	g.q.wakeAll(nil)
}

// TurnOff 关闭，不影响已被唤醒的任务
func (g *Gate) TurnOff() {
	g.on = false
}

// Abort 不改变状态，以 err 唤醒所有等待者
func (g *Gate) Abort(err error) int {
	return g.q.wakeAll(err)
}

// Waiters 等待者数量
func (g *Gate) Waiters() int { return g.q.len() }

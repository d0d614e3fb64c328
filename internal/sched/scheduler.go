// Package sched 提供协作式任务调度
//
// 每个 Worker 是一个事件循环 goroutine，任务以 goroutine 实现但只在持有
// worker 执行权时运行，挂起（Suspend）即交还执行权，恢复（Resume）即重新排队。
// 同一 worker 上的任务、回调与 Reactor 之间无需加锁。
package sched

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/qiminjie89/dawn/internal/reactor"
	"github.com/qiminjie89/dawn/internal/timer"
	"github.com/qiminjie89/dawn/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Config 调度器配置
type Config struct {
	Workers      int // 0 表示 runtime.NumCPU()
	OffloadLimit int64
	TickPeriod   time.Duration
	Ticks        []int
	MaxEvents    int
	Clock        func() time.Time // 时间轮时钟，测试用
}

// Scheduler 管理一组 worker
type Scheduler struct {
	workers    []*Worker
	reactors   *registry[*reactor.Reactor]
	offload    *semaphore.Weighted
	nextTaskID atomic.Uint64
	next       atomic.Uint32
	started    atomic.Bool
	log        *zap.Logger
}

// New 创建调度器
func New(cfg Config) (*Scheduler, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.OffloadLimit <= 0 {
		cfg.OffloadLimit = 64
	}

	s := &Scheduler{
		offload: semaphore.NewWeighted(cfg.OffloadLimit),
		log:     logger.Named("sched"),
	}
	s.reactors = newRegistry(func(id int) (*reactor.Reactor, error) {
		return reactor.New(reactor.Options{
			Name:      strconv.Itoa(id),
			MaxEvents: cfg.MaxEvents,
		})
	})

	for i := 0; i < cfg.Workers; i++ {
		wheel, err := timer.New(timer.Config{
			TickPeriod: cfg.TickPeriod,
			Ticks:      cfg.Ticks,
			Clock:      cfg.Clock,
		})
		if err != nil {
			return nil, fmt.Errorf("worker %d timer wheel: %w", i, err)
		}
		s.workers = append(s.workers, newWorker(s, i, wheel))
	}
	return s, nil
}

// Start 启动所有 worker
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for _, w := range s.workers {
		w.started.Store(true)
		go w.loop()
	}
	s.log.Info("scheduler started", zap.Int("workers", len(s.workers)))
}

// Stop 停止所有 worker 并等待退出
func (s *Scheduler) Stop() {
	for _, w := range s.workers {
		w.Stop()
	}
	s.log.Info("scheduler stopped")
}

// Workers worker 数量
func (s *Scheduler) Workers() int { return len(s.workers) }

// Worker 返回第 i 个 worker
func (s *Scheduler) Worker(i int) *Worker { return s.workers[i] }

// Next 轮询返回下一个 worker
func (s *Scheduler) Next() *Worker {
	n := s.next.Add(1) - 1
	return s.workers[int(n)%len(s.workers)]
}

// Go 在下一个 worker 上创建任务
func (s *Scheduler) Go(name string, body func(*Task) error) *Task {
	return s.Next().Spawn(name, body)
}

// Call 在下一个 worker 上运行 body 并等待结束
func (s *Scheduler) Call(ctx context.Context, body func(*Task) error) error {
	return s.Next().Call(ctx, body)
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qiminjie89/dawn/internal/echo"
	"github.com/qiminjie89/dawn/internal/sched"
	"github.com/qiminjie89/dawn/pkg/config"
	"github.com/qiminjie89/dawn/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	// 解析命令行参数
	configPath := flag.String("config", "configs/dawnd.yaml", "config file path")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("load config failed: " + err.Error())
	}

	// 初始化日志
	if err := logger.Init(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}); err != nil {
		panic("init logger failed: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting dawnd",
		zap.String("config", *configPath),
	)

	// 创建调度器
	s, err := sched.New(sched.Config{
		Workers:      cfg.Scheduler.Workers,
		OffloadLimit: cfg.Scheduler.OffloadLimit,
		TickPeriod:   cfg.Timer.TickPeriod,
		Ticks:        cfg.Timer.Ticks,
		MaxEvents:    cfg.Reactor.MaxEvents,
	})
	if err != nil {
		logger.Error("create scheduler failed", zap.Error(err))
		os.Exit(1)
	}
	s.Start()

	// 创建并启动服务
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	server := echo.NewServer(cfg, s)
	err = server.Start(ctx)
	cancel()
	if err != nil {
		logger.Error("start server failed", zap.Error(err))
		s.Stop()
		os.Exit(1)
	}

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Stop(ctx)
	s.Stop()
}

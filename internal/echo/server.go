// Package echo 实现基于 dawn 运行时的帧回显服务
package echo

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qiminjie89/dawn/internal/sched"
	"github.com/qiminjie89/dawn/internal/tcp"
	"github.com/qiminjie89/dawn/pkg/config"
	"github.com/qiminjie89/dawn/pkg/logger"
	"go.uber.org/zap"
)

// Server 回显服务器
type Server struct {
	cfg   *config.Config
	sched *sched.Scheduler
	log   *zap.Logger

	// 只在 worker 0 上访问
	listener *tcp.ServerChannel
	addr     net.Addr

	serving     atomic.Bool
	connections atomic.Int64
	frames      atomic.Int64
	startTime   time.Time

	// HTTP 服务
	httpServers []*http.Server
	wg          sync.WaitGroup
}

// NewServer 创建回显服务器，s 需已启动
func NewServer(cfg *config.Config, s *sched.Scheduler) *Server {
	return &Server{
		cfg:   cfg,
		sched: s,
		log:   logger.Named("echo"),
	}
}

// Start 在 worker 0 上监听，并启动健康检查和监控 HTTP 服务
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("starting echo server",
		zap.String("addr", s.cfg.Server.Addr),
		zap.Int("workers", s.sched.Workers()),
		zap.Bool("balance", s.cfg.Server.Balance),
	)

	opts := tcp.ServerOptions{
		Backlog: s.cfg.Server.Backlog,
		NoDelay: s.cfg.Server.NoDelay,
	}
	if s.cfg.Server.Balance {
		for i := 0; i < s.sched.Workers(); i++ {
			opts.Workers = append(opts.Workers, s.sched.Worker(i))
		}
	}

	err := s.sched.Worker(0).Call(ctx, func(t *sched.Task) error {
		ln, err := tcp.Serve(t, s.cfg.Server.Addr, s.serveConn, opts)
		if err != nil {
			return err
		}
		s.listener = ln
		s.addr = ln.Addr()
		return nil
	})
	if err != nil {
		return err
	}
	s.startTime = time.Now()
	s.serving.Store(true)

	if addr := s.cfg.Server.HealthAddr; addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", s.healthHandler)
		if err := s.startHTTP("health", addr, mux); err != nil {
			s.Stop(ctx)
			return err
		}
	}
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := s.startHTTP("metrics", s.cfg.Metrics.Addr, mux); err != nil {
			s.Stop(ctx)
			return err
		}
	}

	s.log.Info("echo server started", zap.Stringer("addr", s.addr))
	return nil
}

// startHTTP 先同步监听以便尽早暴露端口错误
func (s *Server) startHTTP(name, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServers = append(s.httpServers, server)

	s.log.Info("starting http server",
		zap.String("name", name),
		zap.Stringer("addr", ln.Addr()),
	)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", zap.String("name", name), zap.Error(err))
		}
	}()
	return nil
}

// Addr 实际监听地址，Start 之前为 nil
func (s *Server) Addr() net.Addr { return s.addr }

// Connections 当前连接数
func (s *Server) Connections() int64 { return s.connections.Load() }

// Frames 已处理的帧数
func (s *Server) Frames() int64 { return s.frames.Load() }

// Stop 停止监听和 HTTP 服务，已建立的连接随调度器停止而关闭
func (s *Server) Stop(ctx context.Context) {
	s.log.Info("stopping echo server")
	s.serving.Store(false)

	err := s.sched.Worker(0).Call(ctx, func(*sched.Task) error {
		if s.listener != nil {
			return s.listener.Close()
		}
		return nil
	})
	if err != nil && !errors.Is(err, sched.ErrStopped) {
		s.log.Warn("close listener failed", zap.Error(err))
	}

	for _, server := range s.httpServers {
		if err := server.Shutdown(ctx); err != nil {
			s.log.Warn("shutdown http server failed", zap.Error(err))
		}
	}
	s.wg.Wait()
	s.log.Info("echo server stopped")
}

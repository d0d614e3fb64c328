package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/qiminjie89/dawn/internal/fiber"
	"github.com/qiminjie89/dawn/internal/frame"
	"github.com/qiminjie89/dawn/internal/sched"
	"github.com/qiminjie89/dawn/internal/tcp"
	"github.com/qiminjie89/dawn/pkg/config"
	"github.com/qiminjie89/dawn/pkg/logger"
	"github.com/qiminjie89/dawn/pkg/metrics"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "configs/dawnd.yaml", "config file path")
	serverAddr = flag.String("addr", "", "server address, overrides client.addr")
	count      = flag.Int("count", 100, "number of echo frames to send")
	size       = flag.Int("size", 64, "echo payload size in bytes")
	interval   = flag.Duration("interval", 10*time.Millisecond, "delay between frames")
)

// 统计
type Stats struct {
	sent     int64
	recv     int64
	mismatch int64
	errors   int64
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("load config failed: " + err.Error())
	}
	if *serverAddr != "" {
		cfg.Client.Addr = *serverAddr
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}); err != nil {
		panic("init logger failed: " + err.Error())
	}
	defer logger.Sync()

	s, err := sched.New(sched.Config{
		Workers:    1,
		TickPeriod: cfg.Timer.TickPeriod,
		Ticks:      cfg.Timer.Ticks,
		MaxEvents:  cfg.Reactor.MaxEvents,
	})
	if err != nil {
		logger.Error("create scheduler failed", zap.Error(err))
		os.Exit(1)
	}
	s.Start()
	defer s.Stop()

	var stopping atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		stopping.Store(true)
	}()

	logger.Info("starting echo client",
		zap.String("addr", cfg.Client.Addr),
		zap.Int("count", *count),
		zap.Int("size", *size),
	)

	var stats Stats
	start := time.Now()
	err = s.Call(context.Background(), func(t *sched.Task) error {
		return run(t, &cfg.Client, &stats, &stopping)
	})
	if err != nil {
		logger.Error("echo client failed", zap.Error(err))
	}

	logger.Info("echo client finished",
		zap.Int64("sent", stats.sent),
		zap.Int64("recv", stats.recv),
		zap.Int64("mismatch", stats.mismatch),
		zap.Int64("errors", stats.errors),
		zap.Duration("elapsed", time.Since(start)),
	)
	if err != nil || stats.mismatch > 0 || stats.recv < int64(*count) {
		os.Exit(1)
	}
}

func run(t *sched.Task, cfg *config.ClientConfig, stats *Stats, stopping *atomic.Bool) error {
	cc := tcp.NewClientChannel(t.Worker(), cfg.Addr, tcp.ClientOptions{
		AutoReconnect:  cfg.AutoReconnect,
		ReconnectDelay: cfg.ReconnectDelay,
		ConnectTimeout: cfg.ConnectTimeout,
		NoDelay:        cfg.NoDelay,
	})
	defer cc.Close()

	r := frame.NewReader(cc)
	var conn *tcp.Channel
	for seq := uint64(1); int(stats.recv) < *count && !stopping.Load(); seq++ {
		if err := cc.CheckConnected(t, cfg.ConnectTimeout); err != nil {
			if !cfg.AutoReconnect || !errors.Is(err, fiber.ErrTimeout) {
				return err
			}
			stats.errors++
			logger.Warn("still not connected", zap.Error(err))
			continue
		}
		// 连接重建后丢弃旧连接残留的半帧
		if cc.Conn() != conn {
			conn = cc.Conn()
			r.Reset()
		}

		if err := roundTrip(t, cc, r, seq, stats); err != nil {
			stats.errors++
			logger.Warn("round trip failed", zap.Uint64("seq", seq), zap.Error(err))
			continue
		}
		if *interval > 0 {
			if err := t.Sleep(*interval); err != nil {
				return err
			}
		}
	}
	return nil
}

func roundTrip(t *sched.Task, cc *tcp.ClientChannel, r *frame.Reader, seq uint64, stats *Stats) error {
	data := make([]byte, *size)
	rand.Read(data)
	req := &frame.EchoRequest{
		ID:     uuid.NewString(),
		SentAt: time.Now().UnixNano(),
		Data:   data,
	}
	f, err := frame.New(frame.MsgTypeEcho, seq, req)
	if err != nil {
		return err
	}
	if err := frame.Write(t, cc, f); err != nil {
		return err
	}
	stats.sent++

	resp, err := r.Next(t)
	if err != nil {
		return err
	}
	if resp.MsgType != frame.MsgTypeEchoResp {
		return fmt.Errorf("unexpected response %s", resp)
	}
	var body frame.EchoResponse
	if err := frame.Decode(resp.Payload, &body); err != nil {
		return err
	}
	stats.recv++
	metrics.EchoRoundTrip.Observe(time.Since(time.Unix(0, body.SentAt)).Seconds())
	if resp.Seq != seq || body.ID != req.ID || !bytes.Equal(body.Data, data) {
		stats.mismatch++
		logger.Warn("echo mismatch", zap.Uint64("seq", seq), zap.Uint64("resp_seq", resp.Seq))
	}
	return nil
}

// Package config 提供配置加载功能
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config dawn 运行时配置
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Timer     TimerConfig     `yaml:"timer"`
	Reactor   ReactorConfig   `yaml:"reactor"`
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	Workers      int   `yaml:"workers"`       // 0 表示 runtime.NumCPU()
	OffloadLimit int64 `yaml:"offload_limit"` // Offload 并发上限
}

// TimerConfig 时间轮配置
type TimerConfig struct {
	TickPeriod time.Duration `yaml:"tick_period"`
	Ticks      []int         `yaml:"ticks"` // 由细到粗每层的槽数
}

// ReactorConfig Reactor 配置
type ReactorConfig struct {
	MaxEvents int `yaml:"max_events"`
}

// ServerConfig 服务端配置
type ServerConfig struct {
	Addr       string `yaml:"addr"`
	Backlog    int    `yaml:"backlog"`
	NoDelay    bool   `yaml:"no_delay"`
	Balance    bool   `yaml:"balance"` // 是否将新连接轮询分发到所有 worker
	HealthAddr string `yaml:"health_addr"`
}

// ClientConfig 客户端配置
type ClientConfig struct {
	Addr           string        `yaml:"addr"`
	AutoReconnect  bool          `yaml:"auto_reconnect"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	NoDelay        bool          `yaml:"no_delay"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Workers:      0,
			OffloadLimit: 64,
		},
		Timer: TimerConfig{
			TickPeriod: 2 * time.Millisecond,
			Ticks:      []int{500, 64, 64, 64, 64},
		},
		Reactor: ReactorConfig{
			MaxEvents: 256,
		},
		Server: ServerConfig{
			Addr:       "0.0.0.0:10000",
			Backlog:    1024,
			NoDelay:    true,
			HealthAddr: ":10080",
		},
		Client: ClientConfig{
			Addr:           "127.0.0.1:10000",
			AutoReconnect:  true,
			ReconnectDelay: 2 * time.Second,
			ConnectTimeout: 3 * time.Second,
			NoDelay:        true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":10090",
		},
	}
}

// Load 加载配置文件，未出现的字段保留默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}

	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error

	if c.Scheduler.Workers < 0 {
		errs = append(errs, errors.New("scheduler.workers must be >= 0"))
	}
	if c.Scheduler.OffloadLimit < 1 {
		errs = append(errs, errors.New("scheduler.offload_limit must be >= 1"))
	}
	if c.Timer.TickPeriod <= 0 {
		errs = append(errs, errors.New("timer.tick_period must be > 0"))
	}
	if len(c.Timer.Ticks) == 0 {
		errs = append(errs, errors.New("timer.ticks must not be empty"))
	}
	for i, n := range c.Timer.Ticks {
		if n < 2 {
			errs = append(errs, fmt.Errorf("timer.ticks[%d] must be >= 2", i))
		}
	}
	if c.Reactor.MaxEvents < 1 {
		errs = append(errs, errors.New("reactor.max_events must be >= 1"))
	}
	if c.Client.ReconnectDelay < 0 {
		errs = append(errs, errors.New("client.reconnect_delay must be >= 0"))
	}
	if c.Client.ConnectTimeout < 0 {
		errs = append(errs, errors.New("client.connect_timeout must be >= 0"))
	}

	return errors.Join(errs...)
}

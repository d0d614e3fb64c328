// Package metrics 提供 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler 指标
var (
	SchedulerTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dawn_scheduler_tasks",
		Help: "Number of live tasks per worker",
	}, []string{"worker"})

	SchedulerSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dawn_scheduler_switches_total",
		Help: "Total task switches per worker",
	}, []string{"worker"})

	SchedulerPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dawn_scheduler_panics_total",
		Help: "Total panics recovered from tasks and callbacks",
	}, []string{"worker"})

	// 跨线程桥接
	OffloadInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dawn_offload_inflight",
		Help: "Number of offloaded calls currently running",
	})
)

// Timer 指标
var (
	TimerFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dawn_timer_fired_total",
		Help: "Total timers fired per worker",
	}, []string{"worker"})

	TimerCascaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dawn_timer_cascaded_total",
		Help: "Total timer entries moved down from coarser wheels",
	}, []string{"worker"})

	TimerCanceled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dawn_timer_canceled_total",
		Help: "Total canceled timer entries dropped by the wheel",
	}, []string{"worker"})
)

// Reactor 指标
var (
	ReactorPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dawn_reactor_polls_total",
		Help: "Total readiness polls per reactor",
	}, []string{"worker"})

	ReactorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dawn_reactor_events_total",
		Help: "Total ready events dispatched to handlers",
	}, []string{"worker"})

	ReactorFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dawn_reactor_faults_total",
		Help: "Total handler faults isolated by the reactor",
	}, []string{"worker"})
)

// Channel 指标
var (
	ChannelsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dawn_channels_open",
		Help: "Number of open TCP channels",
	})

	ChannelBytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dawn_channel_read_bytes_total",
		Help: "Total bytes read from channels",
	})

	ChannelBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dawn_channel_written_bytes_total",
		Help: "Total bytes written to channels",
	})

	// 连接关闭原因
	ChannelCloseReason = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dawn_channel_close_total",
		Help: "Channel close count by reason",
	}, []string{"reason"})

	ClientConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dawn_client_connect_total",
		Help: "Client connect attempts by result",
	}, []string{"result"}) // success, failure

	ServerAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dawn_server_accepted_total",
		Help: "Total accepted connections",
	})

	ServerAcceptErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dawn_server_accept_errors_total",
		Help: "Total accept failures",
	})
)

// Echo 服务指标
var (
	EchoFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dawn_echo_frames_total",
		Help: "Total frames handled by the echo service",
	}, []string{"msg_type"})

	EchoRoundTrip = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dawn_echo_round_trip_seconds",
		Help:    "Echo client round trip latency",
		Buckets: prometheus.DefBuckets,
	})
)

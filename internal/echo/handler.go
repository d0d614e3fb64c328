package echo

import (
	"errors"
	"io"
	"time"

	"github.com/qiminjie89/dawn/internal/frame"
	"github.com/qiminjie89/dawn/internal/sched"
	"github.com/qiminjie89/dawn/internal/tcp"
	"github.com/qiminjie89/dawn/pkg/metrics"
	"go.uber.org/zap"
)

// serveConn 单个连接的处理任务：逐帧读取、处理并写回
func (s *Server) serveConn(t *sched.Task, c *tcp.Channel) error {
	s.connections.Add(1)
	defer s.connections.Add(-1)

	log := s.log.With(
		zap.String("conn_id", c.ID().String()),
		zap.Int("worker", t.Worker().ID()),
	)
	log.Debug("connection opened", zap.Stringer("remote", c.RemoteAddr()))

	r := frame.NewReader(c)
	for {
		f, err := r.Next(t)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug("connection closed by peer")
				return nil
			}
			if errors.Is(err, frame.ErrPayloadTooLarge) {
				frame.Write(t, c, errorFrame(0, frame.ErrCodeInvalidRequest, err.Error()))
			}
			return err
		}

		s.frames.Add(1)
		metrics.EchoFrames.WithLabelValues(frame.TypeName(f.MsgType)).Inc()

		if err := frame.Write(t, c, s.handle(t, f)); err != nil {
			return err
		}
	}
}

// handle 生成请求帧对应的响应帧
func (s *Server) handle(t *sched.Task, f *frame.Frame) *frame.Frame {
	switch f.MsgType {
	case frame.MsgTypeEcho:
		var req frame.EchoRequest
		if err := frame.Decode(f.Payload, &req); err != nil {
			return errorFrame(f.Seq, frame.ErrCodeInvalidRequest, "invalid echo payload")
		}
		return respond(f.Seq, frame.MsgTypeEchoResp, &frame.EchoResponse{
			ID:       req.ID,
			SentAt:   req.SentAt,
			Data:     req.Data,
			Worker:   t.Worker().ID(),
			ServedAt: time.Now().UnixNano(),
		})

	case frame.MsgTypePing:
		var req frame.PingRequest
		if len(f.Payload) > 0 {
			if err := frame.Decode(f.Payload, &req); err != nil {
				return errorFrame(f.Seq, frame.ErrCodeInvalidRequest, "invalid ping payload")
			}
		}
		return respond(f.Seq, frame.MsgTypePong, &frame.PongResponse{
			Timestamp:  req.Timestamp,
			ServerTime: time.Now().UnixMilli(),
		})

	default:
		return errorFrame(f.Seq, frame.ErrCodeUnknownType, "unknown message type "+frame.TypeName(f.MsgType))
	}
}

func respond(seq uint64, msgType uint32, body any) *frame.Frame {
	f, err := frame.New(msgType, seq, body)
	if err != nil {
		return errorFrame(seq, frame.ErrCodeInternalError, err.Error())
	}
	return f
}

func errorFrame(seq uint64, code int, msg string) *frame.Frame {
	f, err := frame.New(frame.MsgTypeError, seq, &frame.ErrorResponse{Code: code, Message: msg})
	if err != nil {
		return &frame.Frame{MsgType: frame.MsgTypeError, Seq: seq}
	}
	return f
}

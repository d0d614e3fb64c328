package frame

import "fmt"

// 客户端 ↔ 服务端 消息类型
const (
	// 客户端 → 服务端
	MsgTypeEcho uint32 = 0x0001 // 回显请求
	MsgTypePing uint32 = 0x00FF // 心跳

	// 服务端 → 客户端
	MsgTypeEchoResp uint32 = 0x1001 // 回显响应
	MsgTypeError    uint32 = 0x1FFE // 错误响应
	MsgTypePong     uint32 = 0x10FF // 心跳响应
)

// 错误码
const (
	ErrCodeSuccess        = 0 // 成功
	ErrCodeInternalError  = 1 // 内部错误
	ErrCodeInvalidRequest = 2 // 无效请求
	ErrCodeUnknownType    = 3 // 未知消息类型
)

var typeNames = map[uint32]string{
	MsgTypeEcho:     "echo",
	MsgTypePing:     "ping",
	MsgTypeEchoResp: "echo_resp",
	MsgTypeError:    "error",
	MsgTypePong:     "pong",
}

// TypeName 消息类型名，用于日志和指标标签
func TypeName(msgType uint32) string {
	if name, ok := typeNames[msgType]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", msgType)
}

// EchoRequest 回显请求
type EchoRequest struct {
	ID     string `msgpack:"id"`
	SentAt int64  `msgpack:"sent_at"` // unix 纳秒
	Data   []byte `msgpack:"data"`
}

// EchoResponse 回显响应，原样带回请求字段
type EchoResponse struct {
	ID       string `msgpack:"id"`
	SentAt   int64  `msgpack:"sent_at"`
	Data     []byte `msgpack:"data"`
	Worker   int    `msgpack:"worker"`
	ServedAt int64  `msgpack:"served_at"`
}

// PingRequest 心跳
type PingRequest struct {
	Timestamp int64 `msgpack:"timestamp"`
}

// PongResponse 心跳响应
type PongResponse struct {
	Timestamp  int64 `msgpack:"timestamp"`
	ServerTime int64 `msgpack:"server_time"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    int    `msgpack:"code"`
	Message string `msgpack:"message"`
}

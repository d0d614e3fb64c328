package frame

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Encode 使用 msgpack 编码
func Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode 使用 msgpack 解码
func Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// New 编码 body 并构造帧，body 为 nil 时负载为空
func New(msgType uint32, seq uint64, body any) (*Frame, error) {
	f := &Frame{MsgType: msgType, Seq: seq}
	if body == nil {
		return f, nil
	}
	payload, err := Encode(body)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	f.Payload = payload
	return f, nil
}

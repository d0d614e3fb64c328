// Package frame 定义 echo 服务使用的定长头消息帧
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/qiminjie89/dawn/pkg/buffer"
)

/*
消息帧格式：
+----------+----------+----------+------------------+
|  MsgType |   Seq    |  Length  |     Payload      |
|  4 bytes |  8 bytes |  4 bytes |   变长 (msgpack)  |
+----------+----------+----------+------------------+
*/

const (
	HeaderSize    = 16      // 4 + 8 + 4
	MaxPayloadLen = 1 << 20 // 1MB
)

var (
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrInvalidFrame    = errors.New("frame: invalid frame")
)

// Frame 表示一个消息帧
type Frame struct {
	MsgType uint32
	Seq     uint64
	Payload []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame{type=%s seq=%d len=%d}", TypeName(f.MsgType), f.Seq, len(f.Payload))
}

// Append 把帧编码追加到 buf
func Append(buf *buffer.Buffer, f *Frame) error {
	if len(f.Payload) > MaxPayloadLen {
		return ErrPayloadTooLarge
	}
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], f.MsgType)
	binary.BigEndian.PutUint64(header[4:12], f.Seq)
	binary.BigEndian.PutUint32(header[12:16], uint32(len(f.Payload)))

	buf.Grow(HeaderSize + len(f.Payload))
	buf.Write(header[:])
	buf.Write(f.Payload)
	return nil
}

// Parse 从 buf 头部解出一个完整帧
//
// 数据不足一帧时返回 nil, nil 且不消费 buf；长度超限返回 ErrPayloadTooLarge。
func Parse(buf *buffer.Buffer) (*Frame, error) {
	data := buf.Bytes()
	if len(data) < HeaderSize {
		return nil, nil
	}

	payloadLen := binary.BigEndian.Uint32(data[12:16])
	if payloadLen > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	total := HeaderSize + int(payloadLen)
	if len(data) < total {
		return nil, nil
	}

	f := &Frame{
		MsgType: binary.BigEndian.Uint32(data[0:4]),
		Seq:     binary.BigEndian.Uint64(data[4:12]),
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, data[HeaderSize:total])
	}
	buf.Skip(total)
	return f, nil
}

package frame

import (
	"errors"
	"io"

	"github.com/qiminjie89/dawn/internal/sched"
	"github.com/qiminjie89/dawn/pkg/buffer"
)

// Conn 可在任务中读写的连接，*tcp.Channel 和 *tcp.ClientChannel 都满足
type Conn interface {
	ReadSome(t *sched.Task, buf *buffer.Buffer) (int, error)
	WriteAll(t *sched.Task, buf *buffer.Buffer) (int, error)
}

// Reader 在 Conn 上逐帧读取，不是并发安全的
type Reader struct {
	conn Conn
	buf  buffer.Buffer
}

// NewReader 创建 Reader
func NewReader(conn Conn) *Reader {
	return &Reader{conn: conn}
}

// Next 读取下一个完整帧
//
// 流在帧中间结束时返回 io.ErrUnexpectedEOF。
func (r *Reader) Next(t *sched.Task) (*Frame, error) {
	for {
		f, err := Parse(&r.buf)
		if err != nil || f != nil {
			return f, err
		}
		if _, err := r.conn.ReadSome(t, &r.buf); err != nil {
			if errors.Is(err, io.EOF) && r.buf.Readable() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// Buffered 已读入但尚未解析的字节数
func (r *Reader) Buffered() int { return r.buf.Readable() }

// Reset 丢弃缓冲的字节，连接重建后使用
func (r *Reader) Reset() { r.buf.Reset() }

// Write 编码并完整写出一个帧
func Write(t *sched.Task, conn Conn, f *Frame) error {
	var buf buffer.Buffer
	if err := Append(&buf, f); err != nil {
		return err
	}
	_, err := conn.WriteAll(t, &buf)
	return err
}

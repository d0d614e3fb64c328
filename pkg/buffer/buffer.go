// Package buffer 提供 socket 与应用之间暂存字节的可增长缓冲区
package buffer

import (
	"errors"
	"io"
)

const minGrow = 4096

// ErrShortBuffer 请求的字节数超过可读字节数
var ErrShortBuffer = errors.New("buffer: not enough readable bytes")

// Buffer 读写游标分离的字节缓冲区
//
//	+-----------+--------------+--------------+
//	| consumed  |   readable   |   writable   |
//	+-----------+--------------+--------------+
//	0           r              w          len(buf)
//
// 零值可直接使用。Buffer 不是并发安全的。
type Buffer struct {
	buf []byte
	r   int
	w   int
}

// New 创建初始容量为 size 的缓冲区
func New(size int) *Buffer {
	return &Buffer{buf: make([]byte, size)}
}

// Readable 可读字节数
func (b *Buffer) Readable() int { return b.w - b.r }

// Writable 无需扩容即可写入的字节数
func (b *Buffer) Writable() int { return len(b.buf) - b.w }

// Cap 底层容量
func (b *Buffer) Cap() int { return len(b.buf) }

// Bytes 返回可读区域，不消费
func (b *Buffer) Bytes() []byte { return b.buf[b.r:b.w] }

// Compact 将可读区域移动到缓冲区头部
func (b *Buffer) Compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.r:b.w])
	b.r, b.w = 0, n
}

// Grow 保证至少还能写入 n 个字节
func (b *Buffer) Grow(n int) {
	if b.Writable() >= n {
		return
	}
	if b.r+b.Writable() >= n && b.r >= b.Readable() {
		b.Compact()
		return
	}
	size := 2*len(b.buf) + n
	if size < minGrow {
		size = minGrow
	}
	buf := make([]byte, size)
	b.w = copy(buf, b.buf[b.r:b.w])
	b.r = 0
	b.buf = buf
}

// Write 追加数据，实现 io.Writer
func (b *Buffer) Write(p []byte) (int, error) {
	b.Grow(len(p))
	n := copy(b.buf[b.w:], p)
	b.w += n
	return n, nil
}

// Read 消费数据，实现 io.Reader
func (b *Buffer) Read(p []byte) (int, error) {
	if b.Readable() == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.buf[b.r:b.w])
	b.Skip(n)
	return n, nil
}

// Next 消费并返回接下来的 n 个字节，返回值在下次写入前有效
func (b *Buffer) Next(n int) ([]byte, error) {
	if n > b.Readable() {
		return nil, ErrShortBuffer
	}
	p := b.buf[b.r : b.r+n]
	b.Skip(n)
	return p, nil
}

// Skip 丢弃 n 个可读字节
func (b *Buffer) Skip(n int) {
	if n >= b.Readable() {
		b.Reset()
		return
	}
	b.r += n
}

// Reset 清空缓冲区，保留容量
func (b *Buffer) Reset() {
	b.r, b.w = 0, 0
}

// FillFrom 调用一次 r.Read 填充可写区域
//
// 可写区域为空时先整理或扩容。返回读入的字节数和 Read 的错误。
func (b *Buffer) FillFrom(r io.Reader) (int, error) {
	if b.Writable() == 0 {
		b.Grow(minGrow)
	}
	n, err := r.Read(b.buf[b.w:])
	if n > 0 {
		b.w += n
	}
	return n, err
}

// DrainTo 调用一次 w.Write 输出可读区域，已写出的字节被消费
func (b *Buffer) DrainTo(w io.Writer) (int, error) {
	if b.Readable() == 0 {
		return 0, nil
	}
	n, err := w.Write(b.buf[b.r:b.w])
	if n > 0 {
		b.Skip(n)
	}
	return n, err
}

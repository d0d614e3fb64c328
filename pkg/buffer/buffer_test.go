package buffer

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chunkReader struct {
	data  []byte
	chunk int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.chunk
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

type limitWriter struct {
	bytes.Buffer
	limit int
	err   error
}

func (w *limitWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if len(p) > w.limit {
		p = p[:w.limit]
	}
	return w.Buffer.Write(p)
}

func TestZeroValueWriteRead(t *testing.T) {
	var b Buffer
	_, err := b.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, b.Readable())

	p := make([]byte, 3)
	n, err := b.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "hel", string(p[:n]))
	assert.Equal(t, "lo", string(b.Bytes()))

	n, err = b.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = b.Read(p)
	assert.ErrorIs(t, err, io.EOF)
}

func TestNext(t *testing.T) {
	b := New(8)
	b.Write([]byte("abcdef"))

	p, err := b.Next(4)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(p))

	_, err = b.Next(3)
	assert.ErrorIs(t, err, ErrShortBuffer)
	assert.Equal(t, 2, b.Readable())
}

func TestCompactAndGrow(t *testing.T) {
	b := New(8)
	b.Write([]byte("12345678"))
	b.Skip(6)
	assert.Equal(t, 0, b.Writable())

	b.Compact()
	assert.Equal(t, "78", string(b.Bytes()))
	assert.Equal(t, 6, b.Writable())

	b.Grow(100)
	assert.GreaterOrEqual(t, b.Writable(), 100)
	assert.Equal(t, "78", string(b.Bytes()))
}

func TestFillFromChunks(t *testing.T) {
	src := bytes.Repeat([]byte("0123456789"), 1000)
	r := &chunkReader{data: src, chunk: 333}
	b := New(16)

	for {
		_, err := b.FillFrom(r)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, src, b.Bytes())
}

func TestDrainToPartial(t *testing.T) {
	b := New(0)
	b.Write([]byte("abcdefghij"))
	w := &limitWriter{limit: 4}

	n, err := b.DrainTo(w)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "efghij", string(b.Bytes()))

	w.err = errors.New("boom")
	n, err = b.DrainTo(w)
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 6, b.Readable())

	w.err = nil
	for b.Readable() > 0 {
		_, err = b.DrainTo(w)
		require.NoError(t, err)
	}
	assert.Equal(t, "abcdefghij", w.String())
}

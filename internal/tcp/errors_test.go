package tcp

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsUnwrap(t *testing.T) {
	ioErr := &IOError{Op: "read", Err: syscall.ECONNRESET}
	assert.ErrorIs(t, ioErr, syscall.ECONNRESET)
	assert.Equal(t, "tcp: read: connection reset by peer", ioErr.Error())

	ce := &ConnectError{Addr: "127.0.0.1:1", Attempts: 2, Err: syscall.ECONNREFUSED}
	assert.ErrorIs(t, ce, syscall.ECONNREFUSED)
	assert.Contains(t, ce.Error(), "after 2 attempt(s)")
}

func TestCloseReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "local"},
		{ErrStreamEnded, "stream_ended"},
		{&IOError{Op: "write", Err: syscall.EPIPE}, "write_error"},
		{errors.New("boom"), "other"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, closeReason(c.err))
	}
}

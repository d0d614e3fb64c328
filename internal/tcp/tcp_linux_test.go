//go:build linux

package tcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/qiminjie89/dawn/internal/fiber"
	"github.com/qiminjie89/dawn/internal/netfd"
	"github.com/qiminjie89/dawn/internal/sched"
	"github.com/qiminjie89/dawn/pkg/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, workers int) *sched.Scheduler {
	t.Helper()
	s, err := sched.New(sched.Config{Workers: workers})
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func run(t *testing.T, w *sched.Worker, body func(*sched.Task) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, w.Call(ctx, body))
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	panic("unreachable")
}

func pollUntil(t *sched.Task, timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return errors.New("condition not met in time")
		}
		if err := t.Sleep(5 * time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

// freePort 返回一个当前没有监听的本地地址
func freePort(t *testing.T) string {
	t.Helper()
	addr, err := netfd.Resolve("127.0.0.1:0")
	require.NoError(t, err)
	l, err := netfd.Listen(addr, 1)
	require.NoError(t, err)
	s := l.Addr().String()
	require.NoError(t, l.Close())
	return s
}

// readAll 读到 EOF 为止
func readAll(t *sched.Task, c *Channel) ([]byte, error) {
	var buf buffer.Buffer
	for {
		_, err := c.ReadSome(t, &buf)
		if errors.Is(err, io.EOF) {
			return append([]byte(nil), buf.Bytes()...), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func TestRoundTripChunked(t *testing.T) {
	s := newTestScheduler(t, 2)
	payload := make([]byte, 1<<20)
	rand.New(rand.NewSource(1)).Read(payload)

	received := make(chan []byte, 1)
	var addr string
	run(t, s.Worker(0), func(t0 *sched.Task) error {
		srv, err := Serve(t0, "127.0.0.1:0", func(t1 *sched.Task, c *Channel) error {
			data, err := readAll(t1, c)
			if err != nil {
				return err
			}
			received <- data
			return nil
		}, ServerOptions{NoDelay: true})
		if err != nil {
			return err
		}
		addr = srv.Addr().String()
		return nil
	})

	client := s.Worker(1)
	run(t, client, func(t0 *sched.Task) error {
		cc := NewClientChannel(client, addr, ClientOptions{NoDelay: true})
		defer cc.Close()
		if err := cc.CheckConnected(t0, 2*time.Second); err != nil {
			return err
		}

		rng := rand.New(rand.NewSource(2))
		for off := 0; off < len(payload); {
			n := 1 + rng.Intn(64*1024)
			if off+n > len(payload) {
				n = len(payload) - off
			}
			var buf buffer.Buffer
			buf.Write(payload[off : off+n])
			written, err := cc.WriteAll(t0, &buf)
			if err != nil {
				return err
			}
			if written != n || buf.Readable() != 0 {
				return fmt.Errorf("short write %d/%d", written, n)
			}
			off += n
		}
		return nil
	})

	got := receive(t, received)
	require.Equal(t, len(payload), len(got))
	assert.True(t, bytes.Equal(payload, got))
}

func TestWritersDoNotInterleave(t *testing.T) {
	s := newTestScheduler(t, 1)
	w := s.Worker(0)
	const size = 4 << 20

	received := make(chan []byte, 1)
	run(t, w, func(t0 *sched.Task) error {
		srv, err := Serve(t0, "127.0.0.1:0", func(t1 *sched.Task, c *Channel) error {
			data, err := readAll(t1, c)
			if err != nil {
				return err
			}
			received <- data
			return nil
		}, ServerOptions{})
		if err != nil {
			return err
		}

		cc := NewClientChannel(w, srv.Addr().String(), ClientOptions{})
		if err := cc.CheckConnected(t0, 2*time.Second); err != nil {
			return err
		}
		var writers []*sched.Task
		for _, b := range []byte{'a', 'b'} {
			b := b
			writers = append(writers, w.Spawn("writer", func(t1 *sched.Task) error {
				var buf buffer.Buffer
				buf.Write(bytes.Repeat([]byte{b}, size))
				_, err := cc.WriteAll(t1, &buf)
				return err
			}))
		}
		for _, wt := range writers {
			if err := pollUntil(t0, 5*time.Second, func() bool { return isDone(wt) }); err != nil {
				return err
			}
			if wt.Err() != nil {
				return wt.Err()
			}
		}
		return cc.Close()
	})

	got := receive(t, received)
	require.Len(t, got, 2*size)
	first, second := got[0], got[size]
	assert.NotEqual(t, first, second)
	assert.True(t, bytes.Equal(got[:size], bytes.Repeat([]byte{first}, size)))
	assert.True(t, bytes.Equal(got[size:], bytes.Repeat([]byte{second}, size)))
}

func isDone(tk *sched.Task) bool {
	select {
	case <-tk.Done():
		return true
	default:
		return false
	}
}

func TestEOFThenStreamEnded(t *testing.T) {
	s := newTestScheduler(t, 1)
	w := s.Worker(0)

	results := make(chan []error, 1)
	run(t, w, func(t0 *sched.Task) error {
		srv, err := Serve(t0, "127.0.0.1:0", func(t1 *sched.Task, c *Channel) error {
			var buf buffer.Buffer
			var errs []error
			for i := 0; i < 3; i++ {
				_, err := c.ReadSome(t1, &buf)
				errs = append(errs, err)
			}
			results <- errs
			return nil
		}, ServerOptions{})
		if err != nil {
			return err
		}

		cc := NewClientChannel(w, srv.Addr().String(), ClientOptions{})
		if err := cc.CheckConnected(t0, 2*time.Second); err != nil {
			return err
		}
		return cc.Close()
	})

	errs := receive(t, results)
	assert.ErrorIs(t, errs[0], io.EOF)
	assert.ErrorIs(t, errs[1], ErrStreamEnded)
	assert.ErrorIs(t, errs[2], ErrConnectionClosed)
}

func TestCloseIdempotent(t *testing.T) {
	s := newTestScheduler(t, 1)
	w := s.Worker(0)

	run(t, w, func(t0 *sched.Task) error {
		accepted := make(chan *Channel, 1)
		broken := 0
		srv, err := Listen(t0, "127.0.0.1:0", func(c *Channel) {
			c.onBroken = func(*Channel, error) { broken++ }
			accepted <- c
		}, ServerOptions{})
		if err != nil {
			return err
		}
		defer srv.Close()

		cc := NewClientChannel(w, srv.Addr().String(), ClientOptions{})
		defer cc.Close()
		if err := cc.CheckConnected(t0, 2*time.Second); err != nil {
			return err
		}
		if err := pollUntil(t0, 2*time.Second, func() bool { return len(accepted) == 1 }); err != nil {
			return err
		}
		c := <-accepted
		if c.State() != StateConnected {
			return fmt.Errorf("unexpected state %s", c.State())
		}

		c.Close()
		c.Close()
		if !c.IsClosed() || broken != 1 || c.Reason() != nil || c.Socket().Fd() != -1 {
			return fmt.Errorf("closed=%v broken=%d reason=%v", c.IsClosed(), broken, c.Reason())
		}

		var buf buffer.Buffer
		if _, err := c.ReadSome(t0, &buf); !errors.Is(err, ErrConnectionClosed) {
			return fmt.Errorf("read after close: %v", err)
		}
		buf.Write([]byte("x"))
		if _, err := c.WriteAll(t0, &buf); !errors.Is(err, ErrConnectionClosed) {
			return fmt.Errorf("write after close: %v", err)
		}
		if buf.Readable() != 1 {
			return errors.New("unwritten bytes were consumed")
		}
		return nil
	})
}

func TestCloseWakesBlockedReader(t *testing.T) {
	s := newTestScheduler(t, 1)
	w := s.Worker(0)

	run(t, w, func(t0 *sched.Task) error {
		srv, err := Serve(t0, "127.0.0.1:0", func(t1 *sched.Task, c *Channel) error {
			var buf buffer.Buffer
			_, err := c.ReadSome(t1, &buf)
			return err
		}, ServerOptions{})
		if err != nil {
			return err
		}
		defer srv.Close()

		cc := NewClientChannel(w, srv.Addr().String(), ClientOptions{})
		if err := cc.CheckConnected(t0, 2*time.Second); err != nil {
			return err
		}
		conn := cc.Conn()
		reader := w.Spawn("reader", func(t1 *sched.Task) error {
			var buf buffer.Buffer
			_, err := conn.ReadSome(t1, &buf)
			return err
		})
		if err := pollUntil(t0, time.Second, func() bool { return conn.readable.Waiters() == 1 }); err != nil {
			return err
		}
		cc.Close()
		if err := pollUntil(t0, time.Second, func() bool { return isDone(reader) }); err != nil {
			return err
		}
		if !errors.Is(reader.Err(), ErrConnectionClosed) {
			return fmt.Errorf("reader got %v", reader.Err())
		}
		return nil
	})
}

func TestForeignWorker(t *testing.T) {
	s := newTestScheduler(t, 2)
	home := s.Worker(0)

	var c *Channel
	run(t, home, func(t0 *sched.Task) error {
		accepted := make(chan *Channel, 1)
		srv, err := Listen(t0, "127.0.0.1:0", func(c *Channel) { accepted <- c }, ServerOptions{})
		if err != nil {
			return err
		}
		cc := NewClientChannel(home, srv.Addr().String(), ClientOptions{})
		if err := cc.CheckConnected(t0, 2*time.Second); err != nil {
			return err
		}
		if err := pollUntil(t0, 2*time.Second, func() bool { return len(accepted) == 1 }); err != nil {
			return err
		}
		c = <-accepted
		return nil
	})

	run(t, s.Worker(1), func(t0 *sched.Task) error {
		var buf buffer.Buffer
		if _, err := c.ReadSome(t0, &buf); !errors.Is(err, ErrForeignWorker) {
			return fmt.Errorf("want foreign worker error, got %v", err)
		}
		return nil
	})
}

func TestClientReconnectsUntilServerUp(t *testing.T) {
	s := newTestScheduler(t, 1)
	w := s.Worker(0)
	addr := freePort(t)

	var cc *ClientChannel
	passes := 0
	run(t, w, func(t0 *sched.Task) error {
		cc = NewClientChannel(w, addr, ClientOptions{AutoReconnect: true, ReconnectDelay: 100 * time.Millisecond})
		w.Spawn("watcher", func(t1 *sched.Task) error {
			if err := cc.CheckConnected(t1, 0); err != nil {
				return err
			}
			passes++
			return nil
		})
		return nil
	})

	time.Sleep(250 * time.Millisecond)

	run(t, w, func(t0 *sched.Task) error {
		srv, err := Serve(t0, addr, func(t1 *sched.Task, c *Channel) error {
			_, err := readAll(t1, c)
			return err
		}, ServerOptions{})
		if err != nil {
			return err
		}
		defer srv.Close()

		if err := cc.CheckConnected(t0, 2*time.Second); err != nil {
			return err
		}
		st := cc.Stats()
		if st.Failures < 2 || st.Failures > 4 {
			return fmt.Errorf("unexpected failures before connect: %+v", st)
		}
		if st.Connects != 1 {
			return fmt.Errorf("unexpected connects: %+v", st)
		}

		if err := t0.Sleep(300 * time.Millisecond); err != nil {
			return err
		}
		if cc.Stats().Connects != 1 || !cc.IsConnected() || passes != 1 {
			return fmt.Errorf("gate opened more than once: %+v passes=%d", cc.Stats(), passes)
		}
		return cc.Close()
	})
}

func TestClientReconnectsAfterPeerClose(t *testing.T) {
	s := newTestScheduler(t, 1)
	w := s.Worker(0)

	run(t, w, func(t0 *sched.Task) error {
		srv, err := Listen(t0, "127.0.0.1:0", func(c *Channel) { c.Close() }, ServerOptions{})
		if err != nil {
			return err
		}
		defer srv.Close()

		cc := NewClientChannel(w, srv.Addr().String(), ClientOptions{AutoReconnect: true, ReconnectDelay: 20 * time.Millisecond})
		defer cc.Close()

		w.Spawn("reader", func(t1 *sched.Task) error {
			var buf buffer.Buffer
			for {
				if err := cc.CheckConnected(t1, 0); err != nil {
					return nil
				}
				cc.ReadSome(t1, &buf)
			}
		})

		return pollUntil(t0, 3*time.Second, func() bool { return cc.Stats().Connects >= 3 })
	})
}

func TestClientExplicitReconnect(t *testing.T) {
	s := newTestScheduler(t, 1)
	w := s.Worker(0)

	run(t, w, func(t0 *sched.Task) error {
		srv, err := Listen(t0, "127.0.0.1:0", func(*Channel) {}, ServerOptions{})
		if err != nil {
			return err
		}
		defer srv.Close()

		cc := NewClientChannel(w, srv.Addr().String(), ClientOptions{})
		defer cc.Close()
		if err := cc.CheckConnected(t0, 2*time.Second); err != nil {
			return err
		}
		first := cc.Conn()

		cc.Reconnect()
		if !first.IsClosed() {
			return errors.New("old connection still open")
		}
		if err := cc.CheckConnected(t0, 2*time.Second); err != nil {
			return err
		}
		if cc.Conn() == first || cc.Stats().Connects != 2 {
			return fmt.Errorf("did not reconnect: %+v", cc.Stats())
		}
		return nil
	})
}

func TestClientConnectFailedWithoutReconnect(t *testing.T) {
	s := newTestScheduler(t, 1)
	w := s.Worker(0)
	addr := freePort(t)

	run(t, w, func(t0 *sched.Task) error {
		cc := NewClientChannel(w, addr, ClientOptions{})
		err := cc.CheckConnected(t0, 2*time.Second)
		var ce *ConnectError
		if !errors.As(err, &ce) {
			return fmt.Errorf("want ConnectError, got %v", err)
		}
		if ce.Attempts != 1 || cc.State() != ClientDisconnected {
			return fmt.Errorf("attempts=%d state=%s", ce.Attempts, cc.State())
		}
		if err := cc.CheckConnected(t0, 0); !errors.As(err, &ce) {
			return fmt.Errorf("second check: %v", err)
		}
		var buf buffer.Buffer
		if _, err := cc.ReadSome(t0, &buf); !errors.Is(err, ErrConnectionClosed) {
			return fmt.Errorf("read without connection: %v", err)
		}
		return nil
	})
}

func TestClientCloseReleasesWaiters(t *testing.T) {
	s := newTestScheduler(t, 1)
	w := s.Worker(0)
	addr := freePort(t)

	run(t, w, func(t0 *sched.Task) error {
		cc := NewClientChannel(w, addr, ClientOptions{AutoReconnect: true, ReconnectDelay: time.Second})
		waiter := w.Spawn("waiter", func(t1 *sched.Task) error {
			return cc.CheckConnected(t1, 0)
		})
		if err := pollUntil(t0, time.Second, func() bool { return cc.connected.Waiters() == 1 }); err != nil {
			return err
		}

		cc.Close()
		cc.Close()
		if err := pollUntil(t0, time.Second, func() bool { return isDone(waiter) }); err != nil {
			return err
		}
		if !errors.Is(waiter.Err(), ErrConnectionClosed) {
			return fmt.Errorf("waiter got %v", waiter.Err())
		}
		if err := cc.CheckConnected(t0, 0); !errors.Is(err, ErrConnectionClosed) {
			return fmt.Errorf("check after close: %v", err)
		}
		if cc.State() != ClientClosed {
			return fmt.Errorf("state %s", cc.State())
		}
		return nil
	})
}

func TestCheckConnectedTimeout(t *testing.T) {
	s := newTestScheduler(t, 1)
	w := s.Worker(0)
	addr := freePort(t)

	run(t, w, func(t0 *sched.Task) error {
		cc := NewClientChannel(w, addr, ClientOptions{AutoReconnect: true, ReconnectDelay: time.Second})
		defer cc.Close()
		start := time.Now()
		err := cc.CheckConnected(t0, 30*time.Millisecond)
		if !errors.Is(err, fiber.ErrTimeout) {
			return fmt.Errorf("want timeout, got %v", err)
		}
		if time.Since(start) < 30*time.Millisecond {
			return errors.New("timed out early")
		}
		return nil
	})
}

func TestServerBalancesAcrossWorkers(t *testing.T) {
	s := newTestScheduler(t, 2)
	ids := make(chan int, 4)

	run(t, s.Worker(0), func(t0 *sched.Task) error {
		srv, err := Listen(t0, "127.0.0.1:0", func(c *Channel) { ids <- c.Worker().ID() },
			ServerOptions{Workers: []*sched.Worker{s.Worker(0), s.Worker(1)}})
		if err != nil {
			return err
		}
		defer srv.Close()

		for i := 0; i < 4; i++ {
			cc := NewClientChannel(t0.Worker(), srv.Addr().String(), ClientOptions{})
			defer cc.Close()
			if err := cc.CheckConnected(t0, 2*time.Second); err != nil {
				return err
			}
		}
		return pollUntil(t0, 2*time.Second, func() bool { return srv.Accepted() == 4 })
	})

	counts := map[int]int{}
	for i := 0; i < 4; i++ {
		counts[receive(t, ids)]++
	}
	assert.Equal(t, map[int]int{0: 2, 1: 2}, counts)
}

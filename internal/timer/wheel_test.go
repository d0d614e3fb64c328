package timer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Add(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func newWheel(t *testing.T, c *fakeClock, ticks ...int) *Wheel {
	t.Helper()
	w, err := New(Config{TickPeriod: time.Millisecond, Ticks: ticks, Clock: c.Now})
	require.NoError(t, err)
	return w
}

// run 以 step 为步长推进时钟并驱动时间轮
func run(w *Wheel, c *fakeClock, step, total time.Duration) {
	for elapsed := time.Duration(0); elapsed <= total; elapsed += step {
		w.Advance()
		c.Add(step)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Ticks: []int{10, 1}})
	assert.ErrorIs(t, err, ErrBadConfig)

	_, err = New(Config{TickPeriod: -time.Millisecond})
	assert.ErrorIs(t, err, ErrBadConfig)

	w, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultTickPeriod, w.TickPeriod())
}

func TestFiresNeverEarlyAndExactlyOnce(t *testing.T) {
	c := newFakeClock()
	w := newWheel(t, c, 8, 4, 4, 4)
	start := c.Now()

	rng := rand.New(rand.NewSource(42))
	type rec struct {
		delay time.Duration
		fires []time.Time
	}
	recs := make([]*rec, 300)
	for i := range recs {
		r := &rec{delay: time.Duration(rng.Intn(120)) * time.Millisecond}
		if i%3 == 0 {
			r.delay += time.Duration(rng.Intn(900)) * time.Microsecond
		}
		recs[i] = r
		_, err := w.Schedule(r.delay, func() { r.fires = append(r.fires, c.Now()) })
		require.NoError(t, err)
	}

	run(w, c, 250*time.Microsecond, 140*time.Millisecond)

	for i, r := range recs {
		require.Len(t, r.fires, 1, "timer %d delay %s", i, r.delay)
		due := start.Add(r.delay)
		assert.False(t, r.fires[0].Before(due), "timer %d fired early", i)
		assert.LessOrEqual(t, r.fires[0].Sub(due), time.Millisecond+250*time.Microsecond, "timer %d fired late", i)
	}
	assert.Zero(t, w.Len())
}

func TestCascadeThroughAllLevels(t *testing.T) {
	c := newFakeClock()
	w := newWheel(t, c, 4, 4, 4)
	start := c.Now()

	var fired time.Time
	_, err := w.Schedule(30*time.Millisecond, func() { fired = c.Now() })
	require.NoError(t, err)

	run(w, c, time.Millisecond, 40*time.Millisecond)

	require.False(t, fired.IsZero())
	assert.Equal(t, start.Add(30*time.Millisecond), fired)
	_, _, cascaded := w.Stats()
	assert.GreaterOrEqual(t, cascaded, uint64(2))
}

func TestTooFar(t *testing.T) {
	c := newFakeClock()
	w := newWheel(t, c, 4, 4)

	_, err := w.Schedule(w.Range(), func() {})
	require.NoError(t, err)

	_, err = w.Schedule(time.Hour, func() {})
	assert.ErrorIs(t, err, ErrTooFar)
}

func TestStop(t *testing.T) {
	c := newFakeClock()
	w := newWheel(t, c, 8, 8)

	called := false
	tm, err := w.Schedule(20*time.Millisecond, func() { called = true })
	require.NoError(t, err)
	assert.Equal(t, 1, w.Len())

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	assert.Equal(t, Canceled, tm.State())
	assert.Zero(t, w.Len())

	run(w, c, time.Millisecond, 30*time.Millisecond)
	assert.False(t, called)

	tm2, err := w.Schedule(time.Millisecond, func() {})
	require.NoError(t, err)
	run(w, c, time.Millisecond, 3*time.Millisecond)
	assert.Equal(t, Fired, tm2.State())
	assert.False(t, tm2.Stop())
}

func TestPastDeadlineFiresOnNextTick(t *testing.T) {
	c := newFakeClock()
	w := newWheel(t, c, 8)

	n := 0
	_, err := w.ScheduleAt(c.Now().Add(-time.Second), func() { n++ })
	require.NoError(t, err)
	assert.Zero(t, w.Advance())

	c.Add(time.Millisecond)
	assert.True(t, w.CanTick())
	assert.Equal(t, 1, w.Advance())
	assert.Equal(t, 1, n)
}

func TestOrderWithinTick(t *testing.T) {
	c := newFakeClock()
	w := newWheel(t, c, 4, 4)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		_, err := w.Schedule(9*time.Millisecond, func() { got = append(got, i) })
		require.NoError(t, err)
	}
	run(w, c, time.Millisecond, 12*time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestCallbackScheduling(t *testing.T) {
	c := newFakeClock()
	w := newWheel(t, c, 8, 8)

	count := 0
	var again func()
	again = func() {
		count++
		if count < 5 {
			_, err := w.Schedule(0, again)
			require.NoError(t, err)
		}
	}
	_, err := w.Schedule(0, again)
	require.NoError(t, err)

	run(w, c, time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 5, count)
}

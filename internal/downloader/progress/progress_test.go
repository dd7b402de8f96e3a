package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMeter_TimeGated(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := NewMeter(0, 1000, WithClock(clock.Now))

	_, ok := m.Observe(10)
	assert.False(t, ok, "no report before the first interval")

	clock.Advance(50 * time.Millisecond)
	_, ok = m.Observe(20)
	assert.False(t, ok)

	clock.Advance(50 * time.Millisecond)
	s, ok := m.Observe(100)
	assert.True(t, ok)
	assert.Equal(t, int64(100), s.BytesDownloaded)
	assert.Equal(t, int64(1000), s.TotalBytes)

	// Many chunks inside one interval yield no extra reports.
	for i := 0; i < 10; i++ {
		clock.Advance(time.Millisecond)
		_, ok = m.Observe(int64(100 + i))
		assert.False(t, ok)
	}

	clock.Advance(100 * time.Millisecond)
	_, ok = m.Observe(200)
	assert.True(t, ok)
}

func TestMeter_SpeedAndETA(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}

	// Resumed at 400 of 1400 bytes; only bytes fetched by this task count.
	m := NewMeter(400, 1400, WithClock(clock.Now), WithInterval(time.Second))

	clock.Advance(2 * time.Second)

	s, ok := m.Observe(600)
	assert.True(t, ok)
	assert.InDelta(t, 100.0, s.SpeedBps, 0.0001)
	assert.InDelta(t, 8.0, s.ETASeconds, 0.0001)
}

func TestMeter_ZeroSpeed(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := NewMeter(400, 1000, WithClock(clock.Now))

	assert.Equal(t, Snapshot{BytesDownloaded: 400, TotalBytes: 1000}, m.Snapshot(400))

	clock.Advance(time.Second)

	s := m.Snapshot(400)
	assert.Zero(t, s.SpeedBps)
	assert.Zero(t, s.ETASeconds)
}

func TestMeter_CompleteHasNoETA(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := NewMeter(0, 100, WithClock(clock.Now))

	clock.Advance(time.Second)

	s := m.Snapshot(100)
	assert.InDelta(t, 100.0, s.SpeedBps, 0.0001)
	assert.Zero(t, s.ETASeconds)
}

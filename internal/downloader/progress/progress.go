// Package progress derives transfer speed and remaining time, gated to a
// fixed wall-clock cadence independent of chunk size.
package progress

import "time"

// DefaultInterval is the minimum time between two reports.
const DefaultInterval = 100 * time.Millisecond

// Snapshot is the progress of a transfer at one instant.
type Snapshot struct {
	BytesDownloaded int64
	TotalBytes      int64
	SpeedBps        float64
	ETASeconds      float64
}

// Meter tracks one transfer task. Speed is averaged over the whole task, not
// over the last interval, and only counts bytes fetched by this task.
type Meter struct {
	total    int64
	offset   int64
	interval time.Duration
	now      func() time.Time

	start      time.Time
	lastReport time.Time
}

type Option func(*Meter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Meter) {
		m.now = now
	}
}

func WithInterval(d time.Duration) Option {
	return func(m *Meter) {
		if d > 0 {
			m.interval = d
		}
	}
}

// NewMeter starts measuring a task that resumed at offset of total bytes.
func NewMeter(offset, total int64, opts ...Option) *Meter {
	m := &Meter{
		total:    total,
		offset:   offset,
		interval: DefaultInterval,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.start = m.now()
	m.lastReport = m.start

	return m
}

// Observe returns a snapshot when at least one interval has passed since the
// previous report.
func (m *Meter) Observe(downloaded int64) (Snapshot, bool) {
	now := m.now()
	if now.Sub(m.lastReport) < m.interval {
		return Snapshot{}, false
	}

	m.lastReport = now

	return m.snapshotAt(downloaded, now), true
}

// Snapshot reports unconditionally and does not reset the interval.
func (m *Meter) Snapshot(downloaded int64) Snapshot {
	return m.snapshotAt(downloaded, m.now())
}

func (m *Meter) snapshotAt(downloaded int64, now time.Time) Snapshot {
	s := Snapshot{BytesDownloaded: downloaded, TotalBytes: m.total}

	elapsed := now.Sub(m.start).Seconds()
	transferred := downloaded - m.offset

	if elapsed > 0 && transferred > 0 {
		s.SpeedBps = float64(transferred) / elapsed
	}

	if s.SpeedBps > 0 && m.total > downloaded {
		s.ETASeconds = float64(m.total-downloaded) / s.SpeedBps
	}

	return s
}

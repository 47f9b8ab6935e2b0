package progress

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type segState struct {
	size int64 // -1 when unknown
	got  int64
}

// Meter aggregates byte counts across concurrently transferred segments and
// emits an Event at most once per interval.
type Meter struct {
	stage string
	total int
	sink  Sink

	every    *rate.Sometimes // nil emits on every update
	mu       sync.Mutex
	inflight map[int]*segState
	done     int
	bytes    int64
	size     int64
	last     int
	lastAt   time.Time
	lastByte int64
}

// NewMeter creates a meter for total segments. An interval <= 0 emits on
// every update.
func NewMeter(stage string, total int, interval time.Duration, sink Sink) *Meter {
	if sink == nil {
		sink = Discard
	}
	m := &Meter{
		stage:    stage,
		total:    total,
		sink:     sink,
		inflight: make(map[int]*segState),
		last:     -1,
		lastAt:   time.Now(),
	}
	if interval > 0 {
		m.every = &rate.Sometimes{Interval: interval}
	}
	return m
}

// Start records the beginning of a transfer. size < 0 means unknown length.
func (m *Meter) Start(index int, size int64) {
	m.mu.Lock()
	if size < 0 {
		size = -1
	} else {
		m.size += size
	}
	m.inflight[index] = &segState{size: size}
	m.last = index
	m.mu.Unlock()
}

// Add records n more bytes for the segment at index.
func (m *Meter) Add(ctx context.Context, index int, n int64) {
	m.mu.Lock()
	if st, ok := m.inflight[index]; ok {
		st.got += n
	}
	m.bytes += n
	m.last = index
	m.mu.Unlock()

	m.tick(ctx)
}

// Reset discards the bytes counted for a segment that will be retried.
func (m *Meter) Reset(index int) {
	m.mu.Lock()
	if st, ok := m.inflight[index]; ok {
		m.bytes -= st.got
		if st.size > 0 {
			m.size -= st.size
		}
		delete(m.inflight, index)
	}
	m.mu.Unlock()
}

// Finish marks the segment at index complete.
func (m *Meter) Finish(ctx context.Context, index int) {
	m.mu.Lock()
	delete(m.inflight, index)
	m.done++
	m.last = index
	m.mu.Unlock()

	m.tick(ctx)
}

// Flush emits the current state regardless of cadence.
func (m *Meter) Flush(ctx context.Context) {
	m.emit(ctx)
}

// Snapshot returns the current state as an Event.
func (m *Meter) Snapshot() Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(time.Now())
}

func (m *Meter) tick(ctx context.Context) {
	if m.every == nil {
		m.emit(ctx)
		return
	}
	m.every.Do(func() { m.emit(ctx) })
}

func (m *Meter) emit(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	ev := m.snapshotLocked(now)
	m.lastAt = now
	m.lastByte = m.bytes
	m.mu.Unlock()

	_ = m.sink.Send(ctx, ev)
}

func (m *Meter) snapshotLocked(now time.Time) Event {
	ev := Event{
		Stage:   m.stage,
		Segment: m.last,
		Done:    m.done,
		Total:   m.total,
		Bytes:   m.bytes,
		Size:    m.size,
		Percent: m.percentLocked(),
		Time:    now,
	}
	if elapsed := now.Sub(m.lastAt).Seconds(); elapsed > 0 {
		ev.Throughput = float64(m.bytes-m.lastByte) / elapsed
	}
	return ev
}

func (m *Meter) percentLocked() float64 {
	if m.total <= 0 {
		return -1
	}
	progress := float64(m.done)
	for _, st := range m.inflight {
		if st.size < 0 {
			return -1
		}
		if st.size > 0 {
			frac := float64(st.got) / float64(st.size)
			if frac > 1 {
				frac = 1
			}
			progress += frac
		}
	}
	pct := progress / float64(m.total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

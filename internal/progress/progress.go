// Package progress carries pipeline status updates to a caller-owned sink.
package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mohaanymo/mpdecrypt/internal/logger"
)

// Event is one progress or status update.
type Event struct {
	Stage      string
	State      string  // orchestrator state, set on transitions
	Segment    int     // index of the segment that triggered the update, -1 if none
	Done       int     // completed segments
	Total      int     // planned segments
	Bytes      int64   // cumulative bytes received
	Size       int64   // sum of known content lengths
	Percent    float64 // -1 when any in-flight length is unknown
	Throughput float64 // bytes per second since the previous update
	Message    string
	Time       time.Time
}

// HasPercent reports whether Percent is meaningful.
func (e Event) HasPercent() bool { return e.Percent >= 0 }

// Text renders the event as a single status line.
func (e Event) Text() string {
	if e.Message != "" && e.Total == 0 {
		return e.Message
	}
	var b strings.Builder
	b.WriteString(e.Stage)
	if e.Total > 0 {
		fmt.Fprintf(&b, " %d/%d", e.Done, e.Total)
	}
	if e.HasPercent() {
		fmt.Fprintf(&b, " %.1f%%", e.Percent)
	}
	if e.Bytes > 0 {
		b.WriteString(" ")
		b.WriteString(humanize.Bytes(uint64(e.Bytes)))
	}
	if e.Throughput > 0 {
		b.WriteString(" @ ")
		b.WriteString(humanize.Bytes(uint64(e.Throughput)))
		b.WriteString("/s")
	}
	if e.Message != "" {
		b.WriteString(" ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Sink receives progress events. Implementations may reject an update with
// a *RateLimitError to ask for a pause; any other error drops the update.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// RateLimitError is returned by a sink that cannot accept updates for a while.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("progress sink rate limited, retry after %s", e.RetryAfter)
}

// AsRateLimit extracts a *RateLimitError from err.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// LogSink writes events to a logger at debug level.
func LogSink(log logger.Logger) Sink {
	return SinkFunc(func(_ context.Context, ev Event) error {
		log.Debug(ev.Text(),
			logger.String("stage", ev.Stage),
			logger.Int("done", ev.Done),
			logger.Int("total", ev.Total),
			logger.Int64("bytes", ev.Bytes),
		)
		return nil
	})
}

// Multi fans an event out to several sinks. The first error is returned
// after every sink has been called.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, ev Event) error {
		var first error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Send(ctx, ev); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

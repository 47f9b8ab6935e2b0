package progress

import (
	"context"
	"sync"
	"time"

	"github.com/mohaanymo/mpdecrypt/internal/logger"
)

const maxRateLimitRetries = 3

// Throttle decouples producers from a slow sink. Send never blocks: only
// the most recent undelivered event is kept, and rate-limit rejections are
// absorbed by a background goroutine that waits and retries.
type Throttle struct {
	next    Sink
	log     logger.Logger
	pending chan Event
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewThrottle starts a throttle delivering to next.
func NewThrottle(next Sink, log logger.Logger) *Throttle {
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Throttle{
		next:    next,
		log:     log,
		pending: make(chan Event, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go t.run()
	return t
}

// Send queues ev, replacing any event not yet delivered.
func (t *Throttle) Send(_ context.Context, ev Event) error {
	select {
	case t.pending <- ev:
		return nil
	default:
	}
	// Drop the stale event and retry once; losing a race here only loses
	// an intermediate update.
	select {
	case <-t.pending:
	default:
	}
	select {
	case t.pending <- ev:
	default:
	}
	return nil
}

// Close delivers the last pending event, if any, and stops the throttle.
// A rate-limit wait in progress is cut short by ctx.
func (t *Throttle) Close(ctx context.Context) {
	t.once.Do(func() { close(t.quit) })
	select {
	case <-t.done:
	case <-ctx.Done():
		t.cancel()
		<-t.done
	}
	t.cancel()
}

func (t *Throttle) run() {
	defer close(t.done)
	for {
		select {
		case ev := <-t.pending:
			t.deliver(ev)
		case <-t.quit:
			select {
			case ev := <-t.pending:
				t.deliver(ev)
			default:
			}
			return
		}
	}
}

func (t *Throttle) deliver(ev Event) {
	for attempt := 0; ; attempt++ {
		err := t.next.Send(t.ctx, ev)
		if err == nil {
			return
		}
		rl, ok := AsRateLimit(err)
		if !ok {
			t.log.Debug("progress update dropped", logger.Error(err))
			return
		}
		if attempt >= maxRateLimitRetries {
			t.log.Debug("progress update dropped after rate limits", logger.Duration("retry_after", rl.RetryAfter))
			return
		}

		timer := time.NewTimer(rl.RetryAfter)
		select {
		case <-timer.C:
		case <-t.ctx.Done():
			timer.Stop()
			return
		}

		// Prefer a newer event if one arrived while waiting.
		select {
		case newer := <-t.pending:
			ev = newer
		default:
		}
	}
}

package session

import (
	"context"
	"sync"

	"github.com/jonathan/collagent/internal/job"
	"github.com/jonathan/collagent/internal/metrics"
)

// subscriberBuffer is the channel capacity handed to each subscriber.
const subscriberBuffer = 64

// broadcaster keeps a bounded replay log of one job's events and wakes
// subscribers when it grows. The terminal event is always retained.
type broadcaster struct {
	limit int

	mu      sync.Mutex
	log     []job.Event
	dropped int
	closed  bool
	notify  chan struct{}
}

func newBroadcaster(limit int) *broadcaster {
	if limit < 1 {
		limit = 1
	}
	return &broadcaster{limit: limit, notify: make(chan struct{})}
}

func (b *broadcaster) publish(ev job.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.log = append(b.log, ev)
	if len(b.log) > b.limit {
		n := len(b.log) - b.limit
		b.log = append([]job.Event(nil), b.log[n:]...)
		b.dropped += n
	}
	if ev.Kind.Terminal() {
		b.closed = true
	}
	close(b.notify)
	b.notify = make(chan struct{})
}

// since returns the events from absolute position pos, the next position,
// a channel closed on the next publish and whether the stream has ended.
func (b *broadcaster) since(pos int) ([]job.Event, int, <-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos < b.dropped {
		pos = b.dropped
	}
	events := append([]job.Event(nil), b.log[pos-b.dropped:]...)
	return events, pos + len(events), b.notify, b.closed
}

// subscribe replays the retained log and then follows live events. The
// channel is closed after the terminal event or when ctx ends; done runs
// after it is closed.
func (b *broadcaster) subscribe(ctx context.Context, done func()) <-chan job.Event {
	out := make(chan job.Event, subscriberBuffer)
	metrics.UpdateSubscribers(1)
	go func() {
		defer func() {
			close(out)
			metrics.UpdateSubscribers(-1)
			if done != nil {
				done()
			}
		}()

		pos := 0
		for {
			events, next, wait, closed := b.since(pos)
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			pos = next
			if closed {
				return
			}
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// SPDX-License-Identifier: MIT

// Package bus is the in-process pub/sub fanning job and queue events
// out to WebSocket subscribers.
package bus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/gifpress/gifpress/internal/jobs"
	"github.com/gifpress/gifpress/internal/log"
)

// subscriberBuffer is the per-subscriber channel capacity. There is no
// replay: clients reconcile over REST after (re)connecting.
const subscriberBuffer = 64

// JobStatus is the payload of a job-status event.
type JobStatus struct {
	Status           jobs.Status `json:"status"`
	Progress         int         `json:"progress"`
	CompressedSize   *int64      `json:"compressed_size,omitempty"`
	CompressedWidth  *int        `json:"compressed_width,omitempty"`
	CompressedHeight *int        `json:"compressed_height,omitempty"`
	ReductionPercent *float64    `json:"reduction_percent,omitempty"`
	ErrorMessage     string      `json:"error_message,omitempty"`
}

// QueueStatus is the payload of a queue-status event.
type QueueStatus struct {
	Concurrency int `json:"concurrency"`
	Active      int `json:"active"`  // currently executing
	Pending     int `json:"pending"` // admitted but not yet started
}

// Event carries either a job payload (JobID set) or a queue payload.
type Event struct {
	JobID string
	Job   *JobStatus
	Queue *QueueStatus
}

// Terminal reports whether the event announces a final job state.
func (e Event) Terminal() bool {
	return e.Job != nil && e.Job.Status.Terminal()
}

// Subscriber receives every event published after Subscribe.
type Subscriber struct {
	ch     chan Event
	closed bool
}

// Events is the subscriber's receive channel. It is closed when the
// subscriber is dropped for falling too far behind or unsubscribed.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Bus fans events out to all current subscribers. Publishing never
// blocks: a slow subscriber loses intermediate ticks, and is closed if
// it would lose a terminal event.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
	log  zerolog.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[*Subscriber]struct{}),
		log:  log.WithComponent("bus"),
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan Event, subscriberBuffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop(s)
}

// caller holds b.mu
func (b *Bus) drop(s *Subscriber) {
	if s.closed {
		return
	}
	s.closed = true
	delete(b.subs, s)
	close(s.ch)
}

// PublishJob emits a job-status event.
func (b *Bus) PublishJob(jobID string, st JobStatus) {
	b.publish(Event{JobID: jobID, Job: &st})
}

// PublishQueue emits a queue-status event.
func (b *Bus) PublishQueue(q QueueStatus) {
	b.publish(Event{Queue: &q})
}

func (b *Bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs {
		b.deliver(s, ev)
	}
}

// deliver hands ev to one subscriber without blocking. On a full
// buffer, intermediate events are dropped oldest-first; a terminal
// event must land, so a subscriber that would lose one is closed.
func (b *Bus) deliver(s *Subscriber, ev Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}

		select {
		case dropped := <-s.ch:
			if dropped.Terminal() {
				// Cannot silently lose a terminal event: the
				// client must reconnect and reconcile via REST.
				b.log.Warn().Str("job_id", dropped.JobID).Msg("slow subscriber dropped, would lose terminal event")
				b.drop(s)
				return
			}
		default:
			// Raced with the reader; retry the send.
		}
	}
}

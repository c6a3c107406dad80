package relay

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is the fan-out unit delivered to subscribers. Payload carries the
// original protocol payload verbatim so subscribers see exactly what the
// robot sent, including fields this server version does not know about.
type Event struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	RobotID string          `json:"robot_id"`
	JobID   string          `json:"job_id,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Topic name builders. Subscribers pick the granularity they need: one job,
// one robot, or the whole log firehose.
func TopicJob(jobID string) string     { return "job:" + jobID }
func TopicRobot(robotID string) string { return "robot:" + robotID }

// TopicLogs carries every log line from every robot.
const TopicLogs = "logs"

// subscriberQueueSize bounds each subscriber's buffer. A slow subscriber
// loses its oldest events, never the publisher's throughput.
const subscriberQueueSize = 256

// Subscriber is one consumer of hub events. Delivery is at-most-once: events
// that arrive while the queue is full evict the oldest queued event.
type Subscriber struct {
	topics map[string]struct{}
	ch     chan Event

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// C returns the subscriber's event channel. Closed when Unsubscribe runs.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber lost to backpressure.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) matches(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// offer delivers an event without ever blocking the publisher. On a full
// queue the oldest event is evicted to make room for the newest.
func (s *Subscriber) offer(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
			eventsDropped.Inc()
		default:
		}
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Hub fans events out to subscribers by topic. Publishing never blocks and
// never fails; a hub with no subscribers is a no-op.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a consumer for the given topics. No topics means all
// topics. The caller must eventually call Unsubscribe.
func (h *Hub) Subscribe(topics ...string) *Subscriber {
	s := &Subscriber{
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan Event, subscriberQueueSize),
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	subscriberCount.Set(float64(h.Len()))
	return s
}

// Unsubscribe removes a consumer and closes its channel.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	s.close()
	subscriberCount.Set(float64(h.Len()))
}

// Publish delivers an event to every subscriber whose topic set matches.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.matches(ev.Topic) {
			s.offer(ev)
		}
	}
	eventsPublished.Inc()
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

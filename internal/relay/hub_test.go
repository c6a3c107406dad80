package relay

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHubTopicMatching(t *testing.T) {
	hub := NewHub()

	jobSub := hub.Subscribe(TopicJob("job-1"))
	allSub := hub.Subscribe()
	defer hub.Unsubscribe(jobSub)
	defer hub.Unsubscribe(allSub)

	hub.Publish(Event{Topic: TopicJob("job-1"), Type: "job_progress", JobID: "job-1"})
	hub.Publish(Event{Topic: TopicJob("job-2"), Type: "job_progress", JobID: "job-2"})

	ev := recvEvent(t, jobSub)
	assert.Equal(t, "job-1", ev.JobID)

	// The unfiltered subscriber sees both.
	assert.Equal(t, "job-1", recvEvent(t, allSub).JobID)
	assert.Equal(t, "job-2", recvEvent(t, allSub).JobID)

	// The filtered subscriber never saw job-2.
	select {
	case ev := <-jobSub.C():
		t.Fatalf("unexpected event for topic %s", ev.Topic)
	default:
	}
}

func TestHubDropOldestWhenFull(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(TopicLogs)
	defer hub.Unsubscribe(sub)

	total := subscriberQueueSize + 10
	for i := 0; i < total; i++ {
		hub.Publish(Event{Topic: TopicLogs, Type: "log_entry", JobID: fmt.Sprintf("job-%d", i)})
	}

	assert.Equal(t, uint64(10), sub.Dropped())

	// The oldest events were discarded; the first delivered one is job-10.
	ev := recvEvent(t, sub)
	assert.Equal(t, "job-10", ev.JobID)
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()
	require.Equal(t, 1, hub.Len())

	hub.Unsubscribe(sub)
	assert.Equal(t, 0, hub.Len())

	_, open := <-sub.C()
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	hub.Publish(Event{Topic: TopicLogs, Type: "log_entry"})
}

func TestHubUnsubscribeTwice(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()
	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	assert.Equal(t, 0, hub.Len())
}

package broadcast

import (
	"testing"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

func TestBroadcaster_DeliversInOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	defer b.Close(sub)

	for i := 0; i < 5; i++ {
		b.Publish(models.AgentEvent{SessionID: 1, Type: models.AgentEventModelDelta})
	}

	var last uint64
	for i := 0; i < 5; i++ {
		select {
		case ev := <-sub.Events:
			if ev.Sequence <= last {
				t.Fatalf("out of order sequence: %d after %d", ev.Sequence, last)
			}
			last = ev.Sequence
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBroadcaster_NoSubscribersDoesNotBlock(t *testing.T) {
	b := New()
	done := make(chan struct{})
	go func() {
		b.Publish(models.AgentEvent{SessionID: 99})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestBroadcaster_SlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			b.Publish(models.AgentEvent{SessionID: 1})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	select {
	case <-sub.Lagged:
	default:
		t.Fatal("expected a lagged notification")
	}
}

func TestBroadcaster_SessionsAreIndependent(t *testing.T) {
	b := New()
	subA := b.Subscribe(1)
	subB := b.Subscribe(2)
	defer b.Close(subA)
	defer b.Close(subB)

	b.Publish(models.AgentEvent{SessionID: 1})

	select {
	case <-subA.Events:
	case <-time.After(time.Second):
		t.Fatal("expected event on session 1")
	}

	select {
	case <-subB.Events:
		t.Fatal("unexpected event on session 2")
	case <-time.After(50 * time.Millisecond):
	}
}

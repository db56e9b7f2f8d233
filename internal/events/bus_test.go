package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	stageCh := bus.Subscribe(TopicStage, 4)
	allCh := bus.SubscribeAll(4)

	ev := StageEvent{Type: EventStageDeployed, Stage: 2, Name: "db", Timestamp: time.Now()}
	bus.Publish(TopicStage, ev)

	select {
	case got := <-stageCh:
		if got.EventType() != EventStageDeployed || got.StageIndex() != 2 {
			t.Errorf("got %v", got)
		}
	default:
		t.Fatal("topic subscriber received nothing")
	}
	select {
	case <-allCh:
	default:
		t.Fatal("all-topic subscriber received nothing")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)
	bus.Publish(TopicTask, TaskFailedEvent{Stage: 1, TaskID: "a"})
	bus.Publish(TopicTask, TaskFailedEvent{Stage: 1, TaskID: "b"}) // dropped

	if got := (<-ch).(TaskFailedEvent); got.TaskID != "a" {
		t.Errorf("got %q, want a", got.TaskID)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %v", ev)
	default:
	}
}

func TestCloseIdempotent(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicStage, 1)
	bus.Close()
	bus.Close()

	if _, open := <-ch; open {
		t.Error("subscriber channel should be closed")
	}
	// Publishing after close must not panic.
	bus.Publish(TopicStage, StageEvent{})
}

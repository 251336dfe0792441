package board_test

import (
	"fmt"
	"testing"

	"foundry/internal/board"
)

func TestPublishReachesProjectSubscribersOnly(t *testing.T) {
	bus := board.New()
	subA := bus.Subscribe("proj-a")
	subB := bus.Subscribe("proj-b")
	defer bus.Unsubscribe("proj-a", subA)
	defer bus.Unsubscribe("proj-b", subB)

	bus.Publish("proj-a", board.Event{Event: board.EventTaskMoved, TaskID: "t1", From: "ready", To: "queued"})

	select {
	case evt := <-subA.Ch():
		if evt.TaskID != "t1" || evt.TS == "" {
			t.Fatalf("unexpected event %+v", evt)
		}
	default:
		t.Fatalf("expected event for proj-a subscriber")
	}
	select {
	case evt := <-subB.Ch():
		t.Fatalf("proj-b should not receive %+v", evt)
	default:
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	bus := board.New()
	sub := bus.Subscribe("proj-a")
	defer bus.Unsubscribe("proj-a", sub)

	for i := 0; i < 300; i++ {
		bus.Publish("proj-a", board.Event{Event: board.EventTaskUpdated, TaskID: fmt.Sprintf("t%d", i)})
	}
	// The newest event always lands; the oldest are gone.
	var got []string
	for {
		select {
		case evt := <-sub.Ch():
			got = append(got, evt.TaskID)
			continue
		default:
		}
		break
	}
	if len(got) != 256 {
		t.Fatalf("expected full buffer of 256, got %d", len(got))
	}
	if got[len(got)-1] != "t299" {
		t.Fatalf("expected newest event retained, got %s", got[len(got)-1])
	}
	if got[0] == "t0" {
		t.Fatalf("expected oldest events dropped")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := board.New()
	sub := bus.Subscribe("proj-a")
	bus.Unsubscribe("proj-a", sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatalf("expected closed channel")
	}
	// Publishing after unsubscribe is harmless.
	bus.Publish("proj-a", board.Event{Event: board.EventRefresh})
	if bus.SubscriberCount("proj-a") != 0 {
		t.Fatalf("expected no subscribers")
	}
}

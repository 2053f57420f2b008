package bus

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	h := NewHub(3)
	q := h.Acquire("s1")
	defer h.Release("s1")

	for i := 0; i < 5; i++ {
		q.Publish(Event{Name: fmt.Sprintf("e%d", i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []string
	for i := 0; i < 3; i++ {
		ev, err := q.Get(ctx)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		got = append(got, ev.Name)
	}
	want := []string{"e2", "e3", "e4"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s (oldest must be dropped)", i, got[i], want[i])
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	h := NewHub(1)
	q := h.Acquire("s1")
	defer h.Release("s1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			q.Publish(Event{Name: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full queue")
	}
}

func TestHubRefCounting(t *testing.T) {
	h := NewHub(10)

	q1 := h.Acquire("s1")
	q2 := h.Acquire("s1")
	if q1 != q2 {
		t.Error("same session must share one queue")
	}
	if h.Len() != 1 {
		t.Errorf("hub len = %d, want 1", h.Len())
	}

	h.Release("s1")
	if h.Len() != 1 {
		t.Error("queue destroyed while a reference remains")
	}
	h.Release("s1")
	if h.Len() != 0 {
		t.Error("queue not destroyed at zero references")
	}
}

func TestHubPublishWithoutConsumersIsDropped(t *testing.T) {
	h := NewHub(10)
	h.Publish("ghost", Event{Name: "x"}) // must not panic or create a queue
	if h.Len() != 0 {
		t.Error("publish to unheld session created a queue")
	}
}

func TestGetHonorsContext(t *testing.T) {
	h := NewHub(1)
	q := h.Acquire("s1")
	defer h.Release("s1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Get(ctx); err == nil {
		t.Error("expected context error on empty queue")
	}
}

func TestTerminalEvents(t *testing.T) {
	for name, want := range map[string]bool{
		EventDone: true, EventCompleted: true, EventFailed: true,
		EventThinking: false, EventPing: false, EventTodosUpdate: false,
	} {
		if got := (Event{Name: name}).Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", name, got, want)
		}
	}
}

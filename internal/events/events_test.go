package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestEmitAndSubscribe(t *testing.T) {
	subject := NewSubject()
	defer Complete(subject)

	got := make(chan string, 1)
	Subscribe(subject, "test.topic", func(ctx context.Context, msg string) error {
		got <- msg
		return nil
	})

	if err := Emit(subject, "test.topic", "hello"); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case msg := <-got:
		if msg != "hello" {
			t.Errorf("expected %q, got %q", "hello", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestTypedDelivery(t *testing.T) {
	subject := NewSubject()
	defer Complete(subject)

	got := make(chan MemoryExtracted, 1)
	Subscribe(subject, TopicMemoryExtracted, func(ctx context.Context, m MemoryExtracted) error {
		got <- m
		return nil
	})

	payload := MemoryExtracted{ConversationID: "c1", Facts: []string{"likes Go"}}
	if err := Emit(subject, TopicMemoryExtracted, payload); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case m := <-got:
		if m.ConversationID != "c1" || len(m.Facts) != 1 {
			t.Errorf("unexpected payload: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	subject := NewSubject()
	defer Complete(subject)

	var mu sync.Mutex
	count := 0
	sub := Subscribe(subject, "test.topic", func(ctx context.Context, msg string) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	if err := Emit(subject, "test.topic", "one"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	sub.Unsubscribe()
	if err := Emit(subject, "test.topic", "two"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
}

func TestReplayToLateSubscriber(t *testing.T) {
	subject := NewSubject(WithReplay(8))
	defer Complete(subject)

	panel := ArtifactPanel{ConversationID: "c1", Language: "go", Visible: true}
	if err := Emit(subject, TopicArtifactPanel, panel); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	// Let the event loop cache it before subscribing
	time.Sleep(100 * time.Millisecond)

	got := make(chan ArtifactPanel, 1)
	Subscribe(subject, TopicArtifactPanel, func(ctx context.Context, p ArtifactPanel) error {
		got <- p
		return nil
	}, true)

	select {
	case p := <-got:
		if !p.Visible || p.Language != "go" {
			t.Errorf("unexpected replayed payload: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replay")
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	subject := NewSubject()
	Complete(subject)
	Complete(subject)
	Complete(nil)
}

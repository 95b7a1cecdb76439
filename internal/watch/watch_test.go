package watch

import (
	"testing"
	"time"
)

func TestWatchDeliversInCommitOrder(t *testing.T) {
	hub := NewHub(10)
	h := hub.Watch("k")
	hub.Publish(Event{Key: "k", Value: []byte("v1"), CommitTS: 1})
	hub.Publish(Event{Key: "k", Value: []byte("v2"), CommitTS: 2})

	e1, err := h.Next()
	if err != nil || string(e1.Value) != "v1" {
		t.Fatalf("expected v1 first, got %+v err=%v", e1, err)
	}
	e2, err := h.Next()
	if err != nil || string(e2.Value) != "v2" {
		t.Fatalf("expected v2 second, got %+v err=%v", e2, err)
	}
}

func TestWatchPrefixMatchesOnlyCoveredKeys(t *testing.T) {
	hub := NewHub(10)
	h := hub.WatchPrefix("user/")
	hub.Publish(Event{Key: "user/1", CommitTS: 1})
	hub.Publish(Event{Key: "order/1", CommitTS: 2})
	hub.Publish(Event{Key: "user/2", CommitTS: 3})

	ev, _ := h.Next()
	if ev.Key != "user/1" {
		t.Fatalf("expected user/1, got %q", ev.Key)
	}
	ev, _ = h.Next()
	if ev.Key != "user/2" {
		t.Fatalf("expected user/2 (order/1 should be filtered out), got %q", ev.Key)
	}
}

func TestLaggedSubscriberBecomesUnreadable(t *testing.T) {
	hub := NewHub(2)
	h := hub.Watch("k")
	hub.Publish(Event{Key: "k", CommitTS: 1})
	hub.Publish(Event{Key: "k", CommitTS: 2})
	hub.Publish(Event{Key: "k", CommitTS: 3}) // exceeds buffer limit of 2

	if _, err := h.Next(); err != ErrLagged {
		t.Fatalf("expected ErrLagged once buffer overflowed, got %v", err)
	}
	if _, err := h.Next(); err != ErrLagged {
		t.Fatalf("expected buffered events to be unreadable after lagging, got %v", err)
	}
	if _, err := h.Next(); err != ErrLagged {
		t.Fatalf("expected the lagged handle to stay unreadable, got %v", err)
	}
}

func TestCloseUnblocksNext(t *testing.T) {
	hub := NewHub(10)
	h := hub.Watch("k")
	done := make(chan error, 1)
	go func() {
		_, err := h.Next()
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	h.Close()
	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Next to unblock after Close")
	}
}

package stream

import (
	"sync"
	"testing"

	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/core"
)

func patchEvent(key string, version int64) Event {
	return Event{Type: EventPatch, Flag: &core.Flag{Key: key, Version: version}}
}

func TestBroadcastReachesOnlyEnvironmentSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	subA := hub.Subscribe("env-a")
	defer subA.Unsubscribe()
	subB := hub.Subscribe("env-b")
	defer subB.Unsubscribe()

	hub.Broadcast("env-a", patchEvent("checkout", 2))

	select {
	case event := <-subA.Events():
		if event.Flag.Key != "checkout" {
			t.Errorf("flag key = %s, want checkout", event.Flag.Key)
		}
	default:
		t.Fatal("expected env-a subscriber to receive the event")
	}

	select {
	case event := <-subB.Events():
		t.Fatalf("env-b subscriber received unexpected event %+v", event)
	default:
	}
}

func TestBroadcastPreservesOrder(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := hub.Subscribe("env-a")
	defer sub.Unsubscribe()

	for version := int64(1); version <= 5; version++ {
		hub.Broadcast("env-a", patchEvent("checkout", version))
	}

	for version := int64(1); version <= 5; version++ {
		event := <-sub.Events()
		if event.Flag.Version != version {
			t.Fatalf("event version = %d, want %d", event.Flag.Version, version)
		}
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	dropped := 0
	hub := NewHub(
		WithBufferSize(2),
		WithDropCallback(func(string) { dropped++ }),
	)
	defer hub.Close()

	sub := hub.Subscribe("env-a")
	defer sub.Unsubscribe()

	for version := int64(1); version <= 4; version++ {
		hub.Broadcast("env-a", patchEvent("checkout", version))
	}

	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}

	// The two oldest events are gone; the newest two survive in order.
	for _, want := range []int64{3, 4} {
		event := <-sub.Events()
		if event.Flag.Version != want {
			t.Fatalf("event version = %d, want %d", event.Flag.Version, want)
		}
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := hub.Subscribe("env-a")
	sub.Unsubscribe()
	sub.Unsubscribe()

	select {
	case <-sub.Done():
	default:
		t.Error("expected Done to be closed after Unsubscribe")
	}

	if count := hub.SubscriberCount("env-a"); count != 0 {
		t.Errorf("subscriber count = %d, want 0", count)
	}

	// Broadcasting to a channel with no live subscribers must not block.
	hub.Broadcast("env-a", patchEvent("checkout", 1))
}

func TestConcurrentBroadcastAndUnsubscribe(t *testing.T) {
	hub := NewHub(WithBufferSize(4))
	defer hub.Close()

	var wg sync.WaitGroup
	for range 8 {
		sub := hub.Subscribe("env-a")
		wg.Add(2)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-sub.Done():
					return
				case <-sub.Events():
				}
			}
		}()
		go func() {
			defer wg.Done()
			sub.Unsubscribe()
		}()
	}

	for version := int64(1); version <= 100; version++ {
		hub.Broadcast("env-a", patchEvent("checkout", version))
	}

	hub.Close()
	wg.Wait()
}

func TestCloseReleasesSubscribers(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("env-a")

	hub.Close()

	select {
	case <-sub.Done():
	default:
		t.Error("expected Done to be closed after hub Close")
	}

	// Subscribing after close yields an already-done subscriber.
	late := hub.Subscribe("env-a")
	select {
	case <-late.Done():
	default:
		t.Error("expected post-close subscriber to be done")
	}
}

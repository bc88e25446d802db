package bus

import (
	"sync"
	"testing"

	"github.com/loomhq/loom/pkg/models"
)

func TestSubscribePublish(t *testing.T) {
	b := New()

	var got []models.EventType
	unsub := b.Subscribe("s1", func(evt models.Event) {
		got = append(got, evt.Type)
	})
	defer unsub()

	b.Publish(models.Event{Type: models.EventToolCall, SessionID: "s1"})
	b.Publish(models.Event{Type: models.EventToolResult, SessionID: "s1"})
	b.Publish(models.Event{Type: models.EventError, SessionID: "other"})

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0] != models.EventToolCall || got[1] != models.EventToolResult {
		t.Errorf("events out of order: %v", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	count := 0
	unsub := b.Subscribe("s1", func(models.Event) { count++ })

	b.Publish(models.Event{Type: models.EventUsage, SessionID: "s1"})
	unsub()
	b.Publish(models.Event{Type: models.EventUsage, SessionID: "s1"})

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	b := New()
	unsub := b.Subscribe("s1", func(models.Event) {})
	unsub()
	unsub() // must not panic
}

func TestPublishOrderPerSession(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var got []int
	b.Subscribe("s1", func(evt models.Event) {
		mu.Lock()
		got = append(got, evt.Payload.(int))
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		b.Publish(models.Event{Type: models.EventUsage, SessionID: "s1", Payload: i})
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("delivery out of order at %d: got %d", i, v)
		}
	}
}

func TestConcurrentSessions(t *testing.T) {
	b := New()

	var wg sync.WaitGroup
	for s := 0; s < 4; s++ {
		session := string(rune('a' + s))
		seen := 0
		b.Subscribe(session, func(models.Event) { seen++ })
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Publish(models.Event{Type: models.EventUsage, SessionID: session})
			}
		}()
	}
	wg.Wait()
}

func TestMultipleSubscribers(t *testing.T) {
	b := New()

	a, c := 0, 0
	b.Subscribe("s1", func(models.Event) { a++ })
	b.Subscribe("s1", func(models.Event) { c++ })

	b.Publish(models.Event{Type: models.EventUsage, SessionID: "s1"})

	if a != 1 || c != 1 {
		t.Errorf("subscribers saw (%d, %d), want (1, 1)", a, c)
	}
}

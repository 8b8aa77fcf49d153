package conversation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentrouter/internal/bus"
)

func newTestStore(ttl time.Duration, max int) (*Store, *bus.Bus) {
	b := bus.New()
	return NewStore(ttl, max, b, nil, testLogger()), b
}

func TestStoreAcquireCreatesOnce(t *testing.T) {
	st, _ := newTestStore(time.Minute, 10)

	s1, release := st.Acquire("a")
	s1.AppendUser("hello")
	release()

	s2, release := st.Acquire("a")
	defer release()
	if len(s2.History) != 1 {
		t.Fatalf("history = %d, want 1 (same session)", len(s2.History))
	}
	if st.Len() != 1 {
		t.Fatalf("len = %d, want 1", st.Len())
	}
}

func TestStoreDeleteIdempotent(t *testing.T) {
	st, _ := newTestStore(time.Minute, 10)

	_, release := st.Acquire("a")
	release()

	if !st.Delete("a") {
		t.Fatal("delete existing = false")
	}
	if st.Delete("a") {
		t.Fatal("delete missing = true")
	}
	if st.Delete("never-existed") {
		t.Fatal("delete unknown = true")
	}
}

func TestStoreTTLSweep(t *testing.T) {
	st, b := newTestStore(time.Minute, 10)

	sub := b.Subscribe(bus.TopicSessionEvicted)
	defer b.Unsubscribe(sub)

	s, release := st.Acquire("old")
	s.LastActive = time.Now().Add(-2 * time.Minute)
	release()
	_, release = st.Acquire("fresh")
	release()

	if n := st.Sweep(time.Now()); n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}
	if st.Len() != 1 {
		t.Fatalf("len = %d, want 1", st.Len())
	}

	select {
	case ev := <-sub.Ch():
		se := ev.Payload.(bus.SessionEvent)
		if se.SessionID != "old" || se.Reason != "ttl" {
			t.Fatalf("event = %+v", se)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for eviction event")
	}
}

func TestStoreSweepSkipsLockedSessions(t *testing.T) {
	st, _ := newTestStore(time.Minute, 10)

	s, release := st.Acquire("busy")
	s.LastActive = time.Now().Add(-2 * time.Minute)

	if n := st.Sweep(time.Now()); n != 0 {
		t.Fatalf("swept = %d, want 0 while locked", n)
	}
	release()

	if n := st.Sweep(time.Now()); n != 1 {
		t.Fatalf("swept = %d, want 1 after release", n)
	}
}

func TestStoreCapacityEvictsLeastRecentlyActive(t *testing.T) {
	st, b := newTestStore(time.Hour, 2)

	sub := b.Subscribe(bus.TopicSessionEvicted)
	defer b.Unsubscribe(sub)

	_, release := st.Acquire("first")
	release()
	_, release = st.Acquire("second")
	release()

	// Touch "first" so "second" is oldest.
	_, release = st.Acquire("first")
	release()

	_, release = st.Acquire("third")
	release()

	if st.Len() != 2 {
		t.Fatalf("len = %d, want 2", st.Len())
	}

	select {
	case ev := <-sub.Ch():
		se := ev.Payload.(bus.SessionEvent)
		if se.SessionID != "second" || se.Reason != "capacity" {
			t.Fatalf("event = %+v", se)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for eviction event")
	}
}

func TestStoreConcurrentSessionsDoNotSerialize(t *testing.T) {
	st, _ := newTestStore(time.Hour, 100)

	// Hold one session locked; other sessions must still be acquirable.
	_, releaseBusy := st.Acquire("busy")
	defer releaseBusy()

	done := make(chan struct{})
	go func() {
		_, release := st.Acquire("other")
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquiring a different session blocked")
	}
}

func TestStoreConcurrentTurnsOnSameSessionSerialize(t *testing.T) {
	st, _ := newTestStore(time.Hour, 100)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s, release := st.Acquire("shared")
			s.AppendUser(fmt.Sprintf("turn %d", n))
			release()
		}(i)
	}
	wg.Wait()

	s, release := st.Acquire("shared")
	defer release()
	if len(s.History) != 20 {
		t.Fatalf("history = %d, want 20", len(s.History))
	}
}

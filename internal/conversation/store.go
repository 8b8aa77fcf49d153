package conversation

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agentrouter/internal/bus"
	"github.com/basket/agentrouter/internal/otel"
)

// Store keeps live sessions in memory. Lookup is guarded by a store-level
// mutex; session state is guarded by a per-session mutex so turns on
// different sessions never serialize on each other. Sessions expire after a
// TTL of inactivity and the store is bounded: when full, the least recently
// active unlocked session is evicted to admit a new one.
type Store struct {
	ttl time.Duration
	max int

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently active, values are session IDs

	bus     *bus.Bus
	metrics *otel.Metrics
	logger  *slog.Logger
}

type entry struct {
	mu   sync.Mutex
	sess *Session
	elem *list.Element

	// gone marks an evicted entry so a goroutine that was blocked on the
	// entry lock can detect it lost the race. Atomic because Delete may set
	// it while a turn holds the entry lock.
	gone atomic.Bool
}

func NewStore(ttl time.Duration, maxSessions int, b *bus.Bus, m *otel.Metrics, logger *slog.Logger) *Store {
	return &Store{
		ttl:     ttl,
		max:     maxSessions,
		entries: make(map[string]*entry),
		lru:     list.New(),
		bus:     b,
		metrics: m,
		logger:  logger.With("component", "sessions"),
	}
}

// Acquire returns the session for id, creating it if absent, with its lock
// held. The caller must invoke release when done with the session.
func (st *Store) Acquire(id string) (sess *Session, release func()) {
	for {
		st.mu.Lock()
		e, ok := st.entries[id]
		if !ok {
			st.evictForCapacityLocked()
			now := time.Now()
			e = &entry{sess: &Session{ID: id, CreatedAt: now, LastActive: now}}
			e.elem = st.lru.PushFront(id)
			st.entries[id] = e
			st.mu.Unlock()

			if st.metrics != nil {
				st.metrics.ActiveSessions.Add(context.Background(), 1)
			}
			if st.bus != nil {
				st.bus.Publish(bus.TopicSessionCreated, bus.SessionEvent{SessionID: id})
			}
			st.logger.Debug("session created", "session_id", id)
		} else {
			st.lru.MoveToFront(e.elem)
			st.mu.Unlock()
		}

		e.mu.Lock()
		if e.gone.Load() {
			// Evicted while we waited for the lock; start over.
			e.mu.Unlock()
			continue
		}
		e.sess.LastActive = time.Now()
		return e.sess, e.mu.Unlock
	}
}

// Delete removes a session. Deleting an unknown ID is a no-op.
func (st *Store) Delete(id string) bool {
	st.mu.Lock()
	e, ok := st.entries[id]
	if ok {
		st.removeLocked(id, e)
	}
	st.mu.Unlock()

	if ok {
		if st.metrics != nil {
			st.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		st.logger.Debug("session deleted", "session_id", id)
	}
	return ok
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.entries)
}

// Sweep evicts sessions idle longer than the TTL and returns how many were
// removed. Sessions currently mid-turn are skipped and picked up next sweep.
func (st *Store) Sweep(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	evicted := 0
	for el := st.lru.Back(); el != nil; {
		prev := el.Prev()
		id := el.Value.(string)
		e := st.entries[id]
		if now.Sub(e.sess.LastActive) > st.ttl && e.mu.TryLock() {
			e.gone.Store(true)
			e.mu.Unlock()
			st.removeLocked(id, e)
			st.publishEviction(id, "ttl")
			evicted++
		}
		el = prev
	}
	return evicted
}

// evictForCapacityLocked makes room for one new session. Caller holds st.mu.
func (st *Store) evictForCapacityLocked() {
	if st.max <= 0 {
		return
	}
	for el := st.lru.Back(); el != nil && len(st.entries) >= st.max; {
		prev := el.Prev()
		id := el.Value.(string)
		e := st.entries[id]
		if e.mu.TryLock() {
			e.gone.Store(true)
			e.mu.Unlock()
			st.removeLocked(id, e)
			st.publishEviction(id, "capacity")
		}
		el = prev
	}
}

// removeLocked unlinks an entry from the map and LRU list. Caller holds st.mu.
func (st *Store) removeLocked(id string, e *entry) {
	e.gone.Store(true)
	delete(st.entries, id)
	st.lru.Remove(e.elem)
}

func (st *Store) publishEviction(id, reason string) {
	if st.metrics != nil {
		ctx := context.Background()
		st.metrics.ActiveSessions.Add(ctx, -1)
		st.metrics.SessionEvictions.Add(ctx, 1)
	}
	if st.bus != nil {
		st.bus.Publish(bus.TopicSessionEvicted, bus.SessionEvent{SessionID: id, Reason: reason})
	}
	st.logger.Info("session evicted", "session_id", id, "reason", reason)
}

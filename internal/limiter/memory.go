package limiter

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	at   time.Time
	cost int64
}

// slidingWindow holds the entries of one (key, limit) pair ordered by time.
// Callers read the clock before taking the lock, so arrival order and time
// order can differ; add keeps the slice sorted for prune.
type slidingWindow struct {
	entries []entry
	sum     int64
}

func (w *slidingWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
		w.sum -= w.entries[i].cost
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

func (w *slidingWindow) add(e entry) {
	i := len(w.entries)
	for i > 0 && w.entries[i-1].at.After(e.at) {
		i--
	}
	w.entries = append(w.entries, entry{})
	copy(w.entries[i+1:], w.entries[i:])
	w.entries[i] = e
	w.sum += e.cost
}

// wait is how long until enough entries leave the window for cost more to
// fit under ceiling. A cost above ceiling never fits and waits a whole window.
func (w *slidingWindow) wait(cost, ceiling int64, window time.Duration, now time.Time) time.Duration {
	if cost > ceiling {
		return window
	}
	excess := w.sum + cost - ceiling
	for _, e := range w.entries {
		excess -= e.cost
		if excess <= 0 {
			return e.at.Add(window).Sub(now)
		}
	}
	return window
}

// keyWindows groups every window of one key behind a single mutex so a
// reservation across several limits is atomic.
type keyWindows struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
}

// MemoryStore is a single-instance Store. Windows are partitioned by key; only
// reservations against the same key contend.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*keyWindows
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*keyWindows)}
}

func (s *MemoryStore) forKey(key string) *keyWindows {
	s.mu.Lock()
	defer s.mu.Unlock()
	kw, ok := s.keys[key]
	if !ok {
		kw = &keyWindows{windows: make(map[string]*slidingWindow)}
		s.keys[key] = kw
	}
	return kw
}

func (s *MemoryStore) Reserve(ctx context.Context, key string, limits []Limit, now time.Time) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	kw := s.forKey(key)
	kw.mu.Lock()
	defer kw.mu.Unlock()

	remaining := make(map[string]int64, len(limits))
	for _, l := range limits {
		w, ok := kw.windows[l.Name]
		if !ok {
			w = &slidingWindow{}
			kw.windows[l.Name] = w
		}
		w.prune(now.Add(-l.Window))
		if w.sum+l.Cost > l.Max {
			remaining[l.Name] = max(l.Max-w.sum, 0)
			return Decision{
				Allowed:    false,
				Exceeded:   l.Name,
				Remaining:  remaining,
				RetryAfter: w.wait(l.Cost, l.Max, l.Window, now),
			}, nil
		}
	}

	for _, l := range limits {
		w := kw.windows[l.Name]
		if l.Cost > 0 {
			w.add(entry{at: now, cost: l.Cost})
		}
		remaining[l.Name] = l.Max - w.sum
	}
	return Decision{Allowed: true, Remaining: remaining}, nil
}

// Reset drops every window of key.
func (s *MemoryStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}

var _ Store = (*MemoryStore)(nil)

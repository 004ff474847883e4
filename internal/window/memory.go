package window

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type recordKey struct {
	category string
	key      string
}

type record struct {
	id        recordKey
	count     int
	resetTime time.Time
	// index in the expiry heap, maintained by expiryHeap
	index int
}

// expiryHeap orders records by resetTime, soonest first.
type expiryHeap []*record

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].resetTime.Before(h[j].resetTime) }
func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	r := x.(*record)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

// MemoryStore keeps records in process memory behind one mutex. Checks do no
// I/O so holding the lock for the whole read-modify-write is cheap.
type MemoryStore struct {
	policies Resolver

	mu      sync.Mutex
	records map[recordKey]*record
	expiry  expiryHeap

	// maxKeys caps len(records), 0 means unbounded
	maxKeys int
}

type MemoryOption func(*MemoryStore)

// WithMaxKeys caps how many records the store holds. When full, expired
// records are purged first. If none can be dropped, checks for new keys are
// denied with ErrCapacity while existing keys keep working.
func WithMaxKeys(n int) MemoryOption {
	return func(s *MemoryStore) { s.maxKeys = n }
}

func NewMemoryStore(policies Resolver, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		policies: policies,
		records:  make(map[recordKey]*record),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemoryStore) Check(_ context.Context, key, category string, now time.Time) (Decision, error) {
	cfg := s.policies.Resolve(category)
	id := recordKey{category: category, key: key}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	switch {
	case !ok:
		if s.maxKeys > 0 && len(s.records) >= s.maxKeys {
			s.purgeLocked(now)
			if len(s.records) >= s.maxKeys {
				return capacityDecision(cfg, now), ErrCapacity
			}
		}
		r = &record{id: id, resetTime: now.Add(cfg.Window)}
		s.records[id] = r
		heap.Push(&s.expiry, r)
	case !now.Before(r.resetTime):
		r.count = 0
		r.resetTime = now.Add(cfg.Window)
		heap.Fix(&s.expiry, r.index)
	}

	r.count++
	return decide(cfg, r.count, r.resetTime), nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked(now), nil
}

func (s *MemoryStore) purgeLocked(now time.Time) int {
	n := 0
	for len(s.expiry) > 0 && !now.Before(s.expiry[0].resetTime) {
		r := heap.Pop(&s.expiry).(*record)
		delete(s.records, r.id)
		n++
	}
	return n
}

func (s *MemoryStore) Len(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

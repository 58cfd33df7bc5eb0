package local

import (
	"sync"
	"time"

	"github.com/IvanBrykalov/tiercache/internal/util"
)

// shard is an independent partition of the store with its own lock, map,
// and an intrusive doubly linked list (head=MRU, tail=LRU).
type shard[V any] struct {
	// ---- guarded by mu ----
	mu   sync.Mutex
	m    map[string]*node[V]
	head *node[V]
	tail *node[V]
	len  int
	cap  int

	opt *Options[V]

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	hits   util.PaddedCounter
	misses util.PaddedCounter
	evicts util.PaddedCounter
}

func newShard[V any](capacity int, opt *Options[V]) *shard[V] {
	return &shard[V]{
		m:   make(map[string]*node[V], capacity),
		cap: capacity,
		opt: opt,
	}
}

// set inserts or updates an entry as MRU. ttl <= 0 disables the write TTL.
func (s *shard[V]) set(k string, v V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n, ok := s.m[k]
	if ok {
		n.val = v
		s.moveToFront(n)
	} else {
		n = &node[V]{key: k, val: v}
		s.m[k] = n
		s.insertFront(n)
	}
	n.written = now
	n.wexp = deadline(now, ttl)
	n.aexp = deadline(now, s.opt.ExpireAfterAccess)

	s.enforceLimitsLocked()
}

// get promotes k and refreshes its access deadline. Expired nodes are
// evicted and reported as a miss.
func (s *shard[V]) get(k string) (Entry[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[k]
	if !ok {
		s.misses.Add(1)
		s.opt.Metrics.Miss()
		return Entry[V]{}, false
	}
	now := s.now()
	if n.expired(now) {
		s.evictNode(n, EvictExpired)
		s.misses.Add(1)
		s.opt.Metrics.Miss()
		return Entry[V]{}, false
	}

	s.moveToFront(n)
	if s.opt.ExpireAfterAccess > 0 {
		n.aexp = now + int64(s.opt.ExpireAfterAccess)
	}
	s.hits.Add(1)
	s.opt.Metrics.Hit()
	return entryOf(n), true
}

// peek returns the entry without promotion, expiry or stats.
func (s *shard[V]) peek(k string) (Entry[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[k]
	if !ok {
		return Entry[V]{}, false
	}
	return entryOf(n), true
}

func (s *shard[V]) remove(k string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[k]
	if !ok {
		return false
	}
	s.removeNode(n)
	delete(s.m, k)
	return true
}

func (s *shard[V]) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m = make(map[string]*node[V], s.cap)
	s.head, s.tail = nil, nil
	s.len = 0
}

func (s *shard[V]) keys(dst []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for n := s.head; n != nil; n = n.next {
		dst = append(dst, n.key)
	}
	return dst
}

func (s *shard[V]) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.len
}

// -------------------- internals (mu held) --------------------

func (s *shard[V]) now() int64 {
	if s.opt.Clock != nil {
		return s.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

func (s *shard[V]) insertFront(n *node[V]) {
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
	s.len++
}

func (s *shard[V]) moveToFront(n *node[V]) {
	if n == s.head {
		return
	}
	// detach
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.tail == n {
		s.tail = n.prev
	}
	// insert at head
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
}

func (s *shard[V]) removeNode(n *node[V]) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.head == n {
		s.head = n.next
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil
	s.len--
}

func (s *shard[V]) evictNode(n *node[V], reason EvictReason) {
	s.removeNode(n)
	delete(s.m, n.key)
	s.evicts.Add(1)
	s.opt.Metrics.Evict(reason)
	if cb := s.opt.OnEvict; cb != nil {
		cb(n.key, n.val, reason)
	}
}

// enforceLimitsLocked evicts expired tail entries first, then LRU entries
// until the shard is within capacity.
func (s *shard[V]) enforceLimitsLocked() {
	now := s.now()
	for s.len > s.cap && s.tail != nil {
		reason := EvictSize
		if s.tail.expired(now) {
			reason = EvictExpired
		}
		s.evictNode(s.tail, reason)
	}
}

func deadline(now int64, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now + int64(ttl)
}

func entryOf[V any](n *node[V]) Entry[V] {
	e := Entry[V]{Key: n.key, Value: n.val, WrittenAt: time.Unix(0, n.written)}
	if d := n.deadline(); d != 0 {
		e.ExpiresAt = time.Unix(0, d)
	}
	return e
}

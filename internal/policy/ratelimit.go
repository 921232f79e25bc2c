package policy

import (
	"hash/fnv"
	"sync"
	"time"
)

// limiterShards partitions counters so concurrent evaluations for different
// agents rarely contend on the same lock.
const limiterShards = 16

// window holds the match timestamps inside the current sliding window for one
// (rule, agent) pair.
type window struct {
	limit Limit
	hits  []time.Time
}

// prune drops hits that have slid out of the window.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.limit.Window)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

type limiterShard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// slidingLimiter enforces per-(rule, agent) sliding-window limits.
type slidingLimiter struct {
	shards [limiterShards]*limiterShard
	now    func() time.Time
}

func newSlidingLimiter() *slidingLimiter {
	l := &slidingLimiter{now: time.Now}
	for i := range l.shards {
		l.shards[i] = &limiterShard{windows: make(map[string]*window)}
	}
	return l
}

func (l *slidingLimiter) shard(key string) *limiterShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%limiterShards]
}

// allow records a match for key and reports whether it is within limit.
// When the limit is exceeded the second return value is the earliest instant
// at which the window would next admit a request.
func (l *slidingLimiter) allow(key string, limit Limit) (bool, time.Time) {
	now := l.now()
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		w = &window{limit: limit}
		s.windows[key] = w
	}
	w.limit = limit
	w.prune(now)

	if len(w.hits) >= limit.Count {
		// Over limit: the window admits again when the oldest hit expires.
		return false, w.hits[0].Add(limit.Window)
	}
	w.hits = append(w.hits, now)
	return true, time.Time{}
}

// evict removes every window whose hits have all elapsed.
func (l *slidingLimiter) evict() {
	now := l.now()
	for _, s := range l.shards {
		s.mu.Lock()
		for key, w := range s.windows {
			w.prune(now)
			if len(w.hits) == 0 {
				delete(s.windows, key)
			}
		}
		s.mu.Unlock()
	}
}

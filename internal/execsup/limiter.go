package execsup

import "sync"

// Limiter bounds concurrent executions per policy scope. Admission is
// bounded: a request beyond the cap is rejected immediately rather than
// queued indefinitely.
type Limiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewLimiter() *Limiter {
	return &Limiter{counts: make(map[string]int)}
}

// Acquire reserves a slot for key if fewer than max are in flight. A max of
// zero or less means uncapped; the slot is still counted so Acquire and
// Release stay paired even when caps differ between calls on the same key.
func (l *Limiter) Acquire(key string, max int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if max > 0 && l.counts[key] >= max {
		return false
	}
	l.counts[key]++
	return true
}

func (l *Limiter) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.counts[key]
	if !ok {
		return
	}
	if n <= 1 {
		delete(l.counts, key)
		return
	}
	l.counts[key] = n - 1
}

// InFlight reports the current count for key, for tests and introspection.
func (l *Limiter) InFlight(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[key]
}

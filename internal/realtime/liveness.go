package realtime

import (
	"sync"
	"time"
)

// LivenessIndex records when each resource last received a message. The
// socket can stay open while the provider silently stops a single feed, so
// health is tracked per resource, not per connection.
type LivenessIndex struct {
	mu   sync.RWMutex
	seen map[string]time.Time
}

// NewLivenessIndex returns an empty index.
func NewLivenessIndex() *LivenessIndex {
	return &LivenessIndex{seen: make(map[string]time.Time)}
}

// Touch marks the resource as having received data now.
func (l *LivenessIndex) Touch(id string) {
	l.mu.Lock()
	l.seen[id] = time.Now()
	l.mu.Unlock()
}

// LastSeen returns when the resource last received data.
func (l *LivenessIndex) LastSeen(id string) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ts, ok := l.seen[id]
	return ts, ok
}

// Alive reports whether the resource received data within the window.
func (l *LivenessIndex) Alive(id string, window time.Duration) bool {
	ts, ok := l.LastSeen(id)
	return ok && time.Since(ts) < window
}

// Forget drops the resource from the index.
func (l *LivenessIndex) Forget(id string) {
	l.mu.Lock()
	delete(l.seen, id)
	l.mu.Unlock()
}

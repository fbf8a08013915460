package sandbox

import (
	"strings"
	"sync"
)

// LiveOutput keeps a bounded ring of recent output lines per task so
// the status ticker can show a live tail without retaining full
// captures in memory.
type LiveOutput struct {
	mu    sync.Mutex
	limit int
	rings map[string][]string
}

// NewLiveOutput creates a LiveOutput keeping at most limit lines per task.
func NewLiveOutput(limit int) *LiveOutput {
	if limit <= 0 {
		limit = 50
	}
	return &LiveOutput{
		limit: limit,
		rings: make(map[string][]string),
	}
}

// Push appends a line to the task's ring, evicting the oldest line
// when full.
func (l *LiveOutput) Push(taskID, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ring := l.rings[taskID]
	ring = append(ring, line)
	if len(ring) > l.limit {
		ring = ring[len(ring)-l.limit:]
	}
	l.rings[taskID] = ring
}

// Tail returns the last n lines for taskID joined by newlines.
func (l *LiveOutput) Tail(taskID string, n int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ring := l.rings[taskID]
	if len(ring) == 0 {
		return ""
	}
	if n > 0 && len(ring) > n {
		ring = ring[len(ring)-n:]
	}
	return strings.Join(ring, "\n")
}

// Remove drops the task's ring.
func (l *LiveOutput) Remove(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rings, taskID)
}

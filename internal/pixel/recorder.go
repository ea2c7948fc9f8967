package pixel

import (
	"sync"
)

const defaultReplayCapacity = 200

// Sample is one pointer or scroll interaction.
type Sample struct {
	Kind string `json:"k"` // move|click|scroll
	X    int    `json:"x"`
	Y    int    `json:"y"`
	At   int64  `json:"t"` // ms since session start
}

// SessionRecorder is a bounded ring of samples. When the ring fills, its
// contents are handed to emit in order and the ring is cleared.
type SessionRecorder struct {
	mu       sync.Mutex
	samples  []Sample
	head     int // next write position
	tail     int // next read position
	count    int
	capacity int

	emit func([]Sample)
}

// NewSessionRecorder creates a recorder; capacity <= 0 uses 200.
func NewSessionRecorder(capacity int, emit func([]Sample)) *SessionRecorder {
	if capacity <= 0 {
		capacity = defaultReplayCapacity
	}
	return &SessionRecorder{
		samples:  make([]Sample, capacity),
		capacity: capacity,
		emit:     emit,
	}
}

// Record appends a sample, emitting the full ring when capacity is reached.
func (r *SessionRecorder) Record(s Sample) {
	r.mu.Lock()
	r.samples[r.head] = s
	r.head = (r.head + 1) % r.capacity
	r.count++
	var full []Sample
	if r.count >= r.capacity {
		full = r.dequeueLocked(r.count)
	}
	r.mu.Unlock()

	if full != nil && r.emit != nil {
		r.emit(full)
	}
}

// Drain removes and returns all buffered samples.
func (r *SessionRecorder) Drain() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dequeueLocked(r.count)
}

// Len returns the number of buffered samples.
func (r *SessionRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *SessionRecorder) dequeueLocked(n int) []Sample {
	if r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	out := make([]Sample, n)
	for i := 0; i < n; i++ {
		out[i] = r.samples[r.tail]
		r.tail = (r.tail + 1) % r.capacity
	}
	r.count -= n
	return out
}

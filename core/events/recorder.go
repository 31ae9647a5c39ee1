package events

import "sync"

// Recorder keeps the most recent events in a bounded ring so transports can
// serve them to polling clients without unbounded growth.
type Recorder struct {
	mu    sync.RWMutex
	ring  []Event
	next  int
	count int
}

// NewRecorder creates a recorder retaining up to capacity events. A
// non-positive capacity falls back to a small default.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 128
	}
	return &Recorder{ring: make([]Event, capacity)}
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = evt
	r.next = (r.next + 1) % len(r.ring)
	if r.count < len(r.ring) {
		r.count++
	}
}

// Events returns the retained events in emission order, oldest first.
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Event, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.ring)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.ring[(start+i)%len(r.ring)])
	}
	return out
}

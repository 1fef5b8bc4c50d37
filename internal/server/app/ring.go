package app

import "scout/internal/events"

// ring is a fixed-capacity event log that evicts the oldest entry.
type ring struct {
	buf   []events.Envelope
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]events.Envelope, capacity)}
}

func (r *ring) push(env events.Envelope) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = env
		r.size++
		return
	}
	r.buf[r.start] = env
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int {
	return r.size
}

// items returns a copy, oldest first.
func (r *ring) items() []events.Envelope {
	out := make([]events.Envelope, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

package feed

// History is a fixed-capacity ring of events, newest first. It is not safe
// for concurrent use; Client guards it.
type History struct {
	buf  []Event
	next int // slot the next event is written to
	n    int
}

// NewHistory creates a History holding at most capacity events.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]Event, capacity)}
}

// Push records e as the newest event. When the history is full the oldest
// event is evicted and returned.
func (h *History) Push(e Event) (evicted Event, ok bool) {
	if h.n == len(h.buf) {
		evicted, ok = h.buf[h.next], true
	} else {
		h.n++
	}
	h.buf[h.next] = e
	h.next = (h.next + 1) % len(h.buf)
	return evicted, ok
}

// Events returns a copy of the held events, newest first.
func (h *History) Events() []Event {
	out := make([]Event, h.n)
	for i := range h.n {
		out[i] = h.buf[(h.next-1-i+len(h.buf))%len(h.buf)]
	}
	return out
}

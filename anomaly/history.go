package anomaly

import "time"

// Event is one recorded validation attempt.
type Event struct {
	ID          string
	Timestamp   time.Time
	Success     bool
	Duration    time.Duration
	Fingerprint string
	Address     string
}

// history is a fixed-capacity ring buffer of events. When full, appending
// overwrites the oldest entry, so eviction is O(1) and memory per session is
// bounded by the configured capacity.
type history struct {
	buf   []Event
	start int // index of the oldest event
	count int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]Event, capacity)}
}

func (h *history) append(e Event) {
	if h.count < len(h.buf) {
		h.buf[(h.start+h.count)%len(h.buf)] = e
		h.count++
		return
	}
	h.buf[h.start] = e
	h.start = (h.start + 1) % len(h.buf)
}

func (h *history) len() int { return h.count }

// events returns the buffered events oldest-first.
func (h *history) events() []Event {
	out := make([]Event, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// countSince returns how many events carry a timestamp at or after cutoff.
func (h *history) countSince(cutoff time.Time) int {
	n := 0
	for i := 0; i < h.count; i++ {
		if !h.buf[(h.start+i)%len(h.buf)].Timestamp.Before(cutoff) {
			n++
		}
	}
	return n
}

// failuresSince returns how many failed events carry a timestamp at or after
// cutoff.
func (h *history) failuresSince(cutoff time.Time) int {
	n := 0
	for i := 0; i < h.count; i++ {
		e := h.buf[(h.start+i)%len(h.buf)]
		if !e.Success && !e.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n
}

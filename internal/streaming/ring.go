package streaming

import "github.com/rendis/crewflow/pkg/schema"

// ring keeps the most recent events of one workflow, oldest first.
type ring struct {
	buf   []schema.Event
	start int
	n     int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 1
	}
	return &ring{buf: make([]schema.Event, size)}
}

func (r *ring) push(e schema.Event) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = e
		r.n++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// since returns a copy of buffered events with Sequence > after.
func (r *ring) since(after int64) []schema.Event {
	out := make([]schema.Event, 0, r.n)
	for i := 0; i < r.n; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Sequence > after {
			out = append(out, e)
		}
	}
	return out
}

func (r *ring) len() int { return r.n }

package dedup

import "github.com/JakeFAU/adharvest/internal/harvest"

// Recent is a fixed-capacity ring of the newest records, kept for display only.
type Recent struct {
	buf  []harvest.Record
	next int
	n    int
}

// NewRecent allocates a ring holding up to capacity records.
func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 10
	}
	return &Recent{buf: make([]harvest.Record, capacity)}
}

// Push appends a record, overwriting the oldest when full.
func (r *Recent) Push(rec harvest.Record) {
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// Len returns the number of buffered records.
func (r *Recent) Len() int { return r.n }

// Snapshot returns the buffered records newest first.
func (r *Recent) Snapshot() []harvest.Record {
	out := make([]harvest.Record, 0, r.n)
	for i := 1; i <= r.n; i++ {
		out = append(out, r.buf[(r.next-i+len(r.buf))%len(r.buf)])
	}
	return out
}

package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// entry is one historical price observation.
type entry struct {
	ts    time.Time
	price decimal.Decimal
}

// ring is a per-venue price history truncated to a validity window.
// Not safe for concurrent use; the Validator serializes access.
type ring struct {
	window  time.Duration
	entries []entry
}

func newRing(window time.Duration) *ring {
	return &ring{window: window}
}

// add appends an observation and truncates entries older than the window.
func (r *ring) add(ts time.Time, price decimal.Decimal, now time.Time) {
	r.entries = append(r.entries, entry{ts: ts, price: price})
	r.truncate(now)
}

// truncate drops entries older than the window.
func (r *ring) truncate(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for ; i < len(r.entries); i++ {
		if r.entries[i].ts.After(cutoff) {
			break
		}
	}
	r.entries = r.entries[i:]
}

// mean returns the average price over the live window, false when empty.
func (r *ring) mean(now time.Time) (decimal.Decimal, bool) {
	r.truncate(now)
	if len(r.entries) == 0 {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, e := range r.entries {
		sum = sum.Add(e.price)
	}
	return sum.Div(decimal.NewFromInt(int64(len(r.entries)))), true
}

// lastTs returns the newest entry's timestamp, false when empty.
func (r *ring) lastTs() (time.Time, bool) {
	if len(r.entries) == 0 {
		return time.Time{}, false
	}
	return r.entries[len(r.entries)-1].ts, true
}

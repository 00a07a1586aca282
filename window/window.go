package window

import (
	"errors"
	"sort"
	"time"

	"github.com/baldanca/sales-etl/record"
)

// Fixed assigns event times to non-overlapping, equal-width windows. A record
// belongs to exactly one window: the one whose start is floor(t / Width).
type Fixed struct {
	Width time.Duration
}

// NewFixed validates the window width.
func NewFixed(width time.Duration) (Fixed, error) {
	if width <= 0 {
		return Fixed{}, errors.New("window width must be > 0")
	}
	return Fixed{Width: width}, nil
}

// Start returns the window start containing t.
func (w Fixed) Start(t time.Time) time.Time {
	return t.Truncate(w.Width)
}

// Key identifies one aggregation bucket: a customer within a window.
type Key struct {
	Customer    string
	WindowStart time.Time
}

// Result is one aggregated bucket: the sum of AmountUSD over a customer's
// records inside one window.
type Result struct {
	Customer    string
	WindowStart time.Time
	TotalUSD    float64
	Count       int
}

// Aggregator groups enriched records by (customer, window) and sums AmountUSD.
//
// Late-data handling is off by default: every record is accepted. With
// SetAllowedLateness, a record whose event time is older than the watermark
// (max event time observed) minus the allowed lateness is dropped.
type Aggregator struct {
	win     Fixed
	sums    map[Key]*Result
	ordered []Key

	lateness  time.Duration
	dropLate  bool
	watermark time.Time
	dropped   int
}

// NewAggregator creates an aggregator over fixed windows of the given width.
func NewAggregator(width time.Duration) (*Aggregator, error) {
	win, err := NewFixed(width)
	if err != nil {
		return nil, err
	}
	return &Aggregator{win: win, sums: map[Key]*Result{}}, nil
}

// SetAllowedLateness enables the late-record policy. A negative duration is
// treated as zero (strict watermark).
func (a *Aggregator) SetAllowedLateness(d time.Duration) {
	if d < 0 {
		d = 0
	}
	a.lateness = d
	a.dropLate = true
}

// Add folds one record into its bucket. It reports whether the record was
// accepted; false means it was dropped as late.
func (a *Aggregator) Add(r record.EnrichedRecord) bool {
	if a.dropLate {
		if r.EventTime.Before(a.watermark.Add(-a.lateness)) {
			a.dropped++
			return false
		}
		if r.EventTime.After(a.watermark) {
			a.watermark = r.EventTime
		}
	}

	k := Key{Customer: r.Customer, WindowStart: a.win.Start(r.EventTime)}
	res := a.sums[k]
	if res == nil {
		res = &Result{Customer: k.Customer, WindowStart: k.WindowStart}
		a.sums[k] = res
		a.ordered = append(a.ordered, k)
	}
	res.TotalUSD += r.AmountUSD
	res.Count++
	return true
}

// Dropped reports how many records the lateness policy rejected.
func (a *Aggregator) Dropped() int { return a.dropped }

// Results returns all buckets sorted by window start, then customer, so the
// output is deterministic across runs.
func (a *Aggregator) Results() []Result {
	keys := append([]Key(nil), a.ordered...)
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].WindowStart.Equal(keys[j].WindowStart) {
			return keys[i].WindowStart.Before(keys[j].WindowStart)
		}
		return keys[i].Customer < keys[j].Customer
	})

	out := make([]Result, 0, len(keys))
	for _, k := range keys {
		out = append(out, *a.sums[k])
	}
	return out
}

// OutputFields is the text projection for aggregate sinks: customer, window
// start (RFC3339), total USD.
func OutputFields(r Result) []string {
	return []string{r.Customer, r.WindowStart.Format(time.RFC3339), record.FormatAmount(r.TotalUSD)}
}

// Package profile collects per-layer execution times.
package profile

import (
	"fmt"
	"io"
	"time"
)

// Profiler receives the duration of every executed layer.
type Profiler interface {
	ReportLayerTime(name string, d time.Duration)
}

// Nop discards every report.
type Nop struct{}

// ReportLayerTime implements Profiler.
func (Nop) ReportLayerTime(string, time.Duration) {}

// Record is the most recent duration reported for a layer.
type Record struct {
	Name     string
	Duration time.Duration
}

// Timings keeps the last duration per layer name. A repeated name
// overwrites the earlier value in place, so records keep first-seen order.
// Not safe for concurrent use.
type Timings struct {
	records []Record
	index   map[string]int
}

// NewTimings returns an empty Timings.
func NewTimings() *Timings {
	return &Timings{index: make(map[string]int)}
}

// ReportLayerTime implements Profiler.
func (t *Timings) ReportLayerTime(name string, d time.Duration) {
	if i, ok := t.index[name]; ok {
		t.records[i].Duration = d
		return
	}
	t.index[name] = len(t.records)
	t.records = append(t.records, Record{Name: name, Duration: d})
}

// Records returns a copy of the records in first-seen order.
func (t *Timings) Records() []Record {
	return append([]Record(nil), t.records...)
}

// Total sums the recorded durations.
func (t *Timings) Total() time.Duration {
	var total time.Duration
	for _, r := range t.records {
		total += r.Duration
	}
	return total
}

// Reset forgets every record.
func (t *Timings) Reset() {
	t.records = t.records[:0]
	clear(t.index)
}

// Print writes one line per layer followed by the total.
//
//	left/conv1                                                   0.512ms
//	All layers  : 4.210
func (t *Timings) Print(w io.Writer) error {
	for _, r := range t.records {
		if _, err := fmt.Fprintf(w, "%-60.60s %4.3fms\n", r.Name, ms(r.Duration)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "All layers  : %4.3f\n", ms(t.Total()))
	return err
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

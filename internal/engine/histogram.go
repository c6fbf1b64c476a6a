package engine

import (
	"sort"
	"time"

	"github.com/zetapush/zetapush-log-server/internal/model"
)

type HistogramPoint struct {
	Time  int64 `json:"time"` // bucket start, unix ms
	Count int   `json:"count"`
}

// ComputeHistogram counts events per receive-time bucket. Events outside
// [start, end] are skipped; a zero bound is open. keep may be nil.
func ComputeHistogram(events []model.TraceEvent, start, end time.Time, interval time.Duration, keep Filter) []HistogramPoint {
	if interval <= 0 {
		interval = time.Minute
	}
	step := interval.Milliseconds()
	if step == 0 {
		step = 1
	}

	buckets := make(map[int64]int)
	for _, ev := range events {
		if !start.IsZero() && ev.ReceivedAt.Before(start) {
			continue
		}
		if !end.IsZero() && ev.ReceivedAt.After(end) {
			continue
		}
		if keep != nil && !keep(ev) {
			continue
		}
		ts := ev.ReceivedAt.UnixMilli()
		buckets[(ts/step)*step]++
	}

	points := make([]HistogramPoint, 0, len(buckets))
	for t, c := range buckets {
		points = append(points, HistogramPoint{Time: t, Count: c})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Time < points[j].Time
	})
	return points
}

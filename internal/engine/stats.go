package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zetapush/zetapush-log-server/internal/model"
)

// topN is the number of entries kept in the top services/recipes lists.
const topN = 10

// SystemStats contains high-level pipeline metrics for the API response.
type SystemStats struct {
	IngestionRate float64     `json:"ingestion_rate"` // traces/sec
	TotalTraces   int64       `json:"total_traces"`
	Malformed     int64       `json:"malformed"`
	Dropped       int64       `json:"dropped_snapshots"`
	Subscribers   int         `json:"subscribers"`
	TopServices   []NameCount `json:"top_services"` // e.g. {"macro_1", 50}
	TopRecipes    []NameCount `json:"top_recipes"`
}

// NameCount is one entry of a ranked counter.
type NameCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Stats accumulates counters about ingested traces. It is safe for
// concurrent use.
type Stats struct {
	total        atomic.Int64
	malformed    atomic.Int64
	dropped      atomic.Int64
	writeCounter atomic.Int64

	mu            sync.RWMutex
	currentRate   float64
	serviceCounts map[string]int64
	recipeCounts  map[string]int64
}

// NewStats creates empty counters.
func NewStats() *Stats {
	return &Stats{
		serviceCounts: make(map[string]int64),
		recipeCounts:  make(map[string]int64),
	}
}

// Record counts one accepted trace.
func (s *Stats) Record(ev model.TraceEvent) {
	s.total.Add(1)
	s.writeCounter.Add(1)

	s.mu.Lock()
	s.serviceCounts[string(ev.Service)]++
	s.recipeCounts[ev.Location.Recipe]++
	s.mu.Unlock()
}

// RecordMalformed counts one trace dropped because it could not be decoded.
func (s *Stats) RecordMalformed() { s.malformed.Add(1) }

// RecordDropped counts one snapshot discarded by a slow subscriber.
func (s *Stats) RecordDropped() { s.dropped.Add(1) }

// StartTicker computes the ingestion rate every interval until ctx is done.
func (s *Stats) StartTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count := s.writeCounter.Swap(0)
				rate := float64(count) / interval.Seconds()
				s.mu.Lock()
				s.currentRate = rate
				s.mu.Unlock()
			}
		}
	}()
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() SystemStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SystemStats{
		IngestionRate: s.currentRate,
		TotalTraces:   s.total.Load(),
		Malformed:     s.malformed.Load(),
		Dropped:       s.dropped.Load(),
		TopServices:   rank(s.serviceCounts, topN),
		TopRecipes:    rank(s.recipeCounts, topN),
	}
}

// rank sorts counts by descending count then name and keeps the first n.
func rank(counts map[string]int64, n int) []NameCount {
	out := make([]NameCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, NameCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// StatsSnapshot returns the stats with the current subscriber count.
func (a *Aggregator) StatsSnapshot() SystemStats {
	var st SystemStats
	if a.stats != nil {
		st = a.stats.Snapshot()
	} else {
		st = SystemStats{TotalTraces: int64(a.Latest().Len())}
	}
	st.Subscribers = a.Subscribers()
	return st
}

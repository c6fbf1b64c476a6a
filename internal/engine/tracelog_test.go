package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/zetapush/zetapush-log-server/internal/model"
)

func TestSnapshotIsUnaffectedByLaterAppends(t *testing.T) {
	log := NewTraceLog()
	log.Append(event("a", 0))
	snap := log.Append(event("a", 1))

	for i := 2; i < 10; i++ {
		log.Append(event("a", i))
	}

	if snap.Len() != 2 {
		t.Fatalf("snapshot grew to %d events", snap.Len())
	}
	if log.Len() != 10 {
		t.Errorf("log has %d events, want 10", log.Len())
	}

	// Appending through the snapshot view must not reach the log.
	_ = append(snap.Events(), event("x", 99))
	if got := seqOf(t, log.Snapshot().At(2)); got != 2 {
		t.Errorf("log event 2 has seq %d, want 2", got)
	}
}

func TestSnapshotSinceAndFilter(t *testing.T) {
	log := NewTraceLog()
	for i := 0; i < 4; i++ {
		svc := "a"
		if i%2 == 1 {
			svc = "b"
		}
		log.Append(event(svc, i))
	}
	snap := log.Snapshot()

	if got := snap.Since(3); len(got) != 1 || seqOf(t, got[0]) != 3 {
		t.Errorf("Since(3) = %v", got)
	}
	if got := snap.Since(4); got != nil {
		t.Errorf("Since(len) = %v, want nil", got)
	}
	if got := snap.Since(-1); len(got) != 4 {
		t.Errorf("Since(-1) has %d events, want 4", len(got))
	}

	onlyB := snap.Filter(func(ev model.TraceEvent) bool { return ev.Service == "b" })
	if len(onlyB) != 2 || seqOf(t, onlyB[0]) != 1 || seqOf(t, onlyB[1]) != 3 {
		t.Errorf("Filter = %v", onlyB)
	}
}

func TestMarshalEvents(t *testing.T) {
	data, err := MarshalEvents(nil)
	if err != nil || string(data) != "[]" {
		t.Fatalf("MarshalEvents(nil) = %s, %v", data, err)
	}

	log := NewTraceLog()
	log.Append(event("a", 0))
	log.Append(event("b", 1))
	data, err = json.Marshal(log.Snapshot())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded []map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output %s is not an array: %v", data, err)
	}
	if len(decoded) != 2 || decoded[1][model.KeyService] != "b" {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestComputeHistogram(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	var events []model.TraceEvent
	for i, offset := range []time.Duration{0, 10 * time.Second, 65 * time.Second, 3 * time.Minute} {
		service := model.ServiceID("a")
		if i == 1 {
			service = "b"
		}
		events = append(events, model.NewTraceEvent(service, nil, model.TraceLocation{}, base.Add(offset)))
	}

	points := ComputeHistogram(events, time.Time{}, time.Time{}, time.Minute, nil)
	want := []HistogramPoint{
		{Time: 1699999980000, Count: 2},
		{Time: 1700000040000, Count: 1},
		{Time: 1700000160000, Count: 1},
	}
	if len(points) != len(want) {
		t.Fatalf("points = %+v", points)
	}
	for i := range want {
		if points[i] != want[i] {
			t.Errorf("point %d = %+v, want %+v", i, points[i], want[i])
		}
	}

	onlyA := func(ev model.TraceEvent) bool { return ev.Service == "a" }
	points = ComputeHistogram(events, base, base.Add(2*time.Minute), time.Minute, onlyA)
	if len(points) != 2 || points[0].Count != 1 || points[1].Count != 1 {
		t.Errorf("filtered points = %+v", points)
	}
}

package registry

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStore_DiscoverOnce(t *testing.T) {
	s := NewStore()
	if !s.Discover("macro_1") {
		t.Fatal("first Discover returned false")
	}
	s.SetState("macro_1", StateSubscribed)

	if s.Discover("macro_1") {
		t.Error("second Discover returned true")
	}
	if svc, _ := s.GetService("macro_1"); svc.State != StateSubscribed {
		t.Errorf("state = %s, want subscribed", svc.State)
	}
}

func TestStore_Transitions(t *testing.T) {
	s := NewStore()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return at }

	s.Discover("a")
	s.Discover("b")
	s.SetPartial("a", []string{"http://node-2"})
	s.SetFailed("b", errors.New("all servers failed"))
	s.RecordTrace("a", at)
	s.RecordTrace("a", at)
	s.RecordMalformed("a")
	s.RecordTrace("unknown", at)

	a, _ := s.GetService("a")
	if a.State != StateDebugPartial || len(a.FailedServers) != 1 || a.TraceCount != 2 || a.Malformed != 1 {
		t.Errorf("a = %+v", a)
	}
	if a.LastTraceAt != at.UnixMilli() || a.UpdatedAt != at.Unix() {
		t.Errorf("timestamps = %d, %d", a.LastTraceAt, a.UpdatedAt)
	}
	b, _ := s.GetService("b")
	if b.State != StateFailed || b.Error != "all servers failed" {
		t.Errorf("b = %+v", b)
	}
	if _, ok := s.GetService("unknown"); ok {
		t.Error("RecordTrace created an unknown service")
	}

	// Returned records are copies.
	a.FailedServers[0] = "changed"
	if again, _ := s.GetService("a"); again.FailedServers[0] != "http://node-2" {
		t.Error("GetService exposed internal state")
	}

	counts := s.CountByState()
	if counts[StateDebugPartial] != 1 || counts[StateFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestServer_HandleListServices(t *testing.T) {
	store := NewStore()
	store.Discover("zeta")
	store.Discover("alpha")
	server := NewServer(store)

	req := httptest.NewRequest("GET", "/api/services", nil)
	w := httptest.NewRecorder()
	server.HandleListServices(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var body struct {
		Services []Service     `json:"services"`
		States   map[State]int `json:"states"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Services) != 2 || body.Services[0].ServiceID != "alpha" {
		t.Errorf("services = %+v", body.Services)
	}
	if body.States[StateDiscovered] != 2 {
		t.Errorf("states = %v", body.States)
	}
}

func TestServer_HandleGetService(t *testing.T) {
	store := NewStore()
	store.Discover("macro_1")
	mux := http.NewServeMux()
	mux.HandleFunc("/api/services/{id}", NewServer(store).HandleGetService)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/api/services/macro_1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/api/services/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

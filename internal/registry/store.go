package registry

import (
	"sort"
	"sync"
	"time"
)

// State is the onboarding state of one service.
type State string

const (
	StateDiscovered   State = "discovered"
	StateActivating   State = "activating"
	StateDebugEnabled State = "debug_enabled"
	StateDebugPartial State = "debug_partial" // some servers refused
	StateSubscribed   State = "subscribed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Service is the registry record of one discovered service.
type Service struct {
	ServiceID     string   `json:"service_id"`
	State         State    `json:"state"`
	FailedServers []string `json:"failed_servers,omitempty"`
	Error         string   `json:"error,omitempty"`
	TraceCount    int64    `json:"trace_count"`
	Malformed     int64    `json:"malformed"`
	DiscoveredAt  int64    `json:"discovered_at"`
	UpdatedAt     int64    `json:"updated_at"`
	LastTraceAt   int64    `json:"last_trace_at,omitempty"`
}

// Store keeps one record per discovered service.
type Store struct {
	mu       sync.RWMutex
	services map[string]*Service
	now      func() time.Time
}

// NewStore creates a new registry store.
func NewStore() *Store {
	return &Store{
		services: make(map[string]*Service),
		now:      time.Now,
	}
}

// Discover adds a service in StateDiscovered. It returns false, leaving the
// record untouched, when the service is already known.
func (s *Store) Discover(serviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[serviceID]; ok {
		return false
	}
	now := s.now().Unix()
	s.services[serviceID] = &Service{
		ServiceID:    serviceID,
		State:        StateDiscovered,
		DiscoveredAt: now,
		UpdatedAt:    now,
	}
	return true
}

// SetState moves a service to state and clears any previous error.
func (s *Store) SetState(serviceID string, state State) {
	s.update(serviceID, func(svc *Service) {
		svc.State = state
		svc.Error = ""
	})
}

// SetPartial records that debug could not be enabled on some servers.
func (s *Store) SetPartial(serviceID string, failedServers []string) {
	s.update(serviceID, func(svc *Service) {
		svc.State = StateDebugPartial
		svc.FailedServers = append([]string(nil), failedServers...)
	})
}

// SetFailed marks a service failed with the reason.
func (s *Store) SetFailed(serviceID string, err error) {
	s.update(serviceID, func(svc *Service) {
		svc.State = StateFailed
		if err != nil {
			svc.Error = err.Error()
		}
	})
}

// RecordTrace counts one trace received for a service.
func (s *Store) RecordTrace(serviceID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc, ok := s.services[serviceID]; ok {
		svc.TraceCount++
		svc.LastTraceAt = at.UnixMilli()
	}
}

// RecordMalformed counts one undecodable trace for a service.
func (s *Store) RecordMalformed(serviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc, ok := s.services[serviceID]; ok {
		svc.Malformed++
	}
}

func (s *Store) update(serviceID string, fn func(*Service)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[serviceID]
	if !ok {
		return
	}
	fn(svc)
	svc.UpdatedAt = s.now().Unix()
}

// GetService returns a copy of a service record.
func (s *Store) GetService(serviceID string) (Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[serviceID]
	if !ok {
		return Service{}, false
	}
	return copyService(svc), true
}

// ListServices returns all records sorted by service id.
func (s *Store) ListServices() []Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]Service, 0, len(s.services))
	for _, svc := range s.services {
		list = append(list, copyService(svc))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ServiceID < list[j].ServiceID })
	return list
}

// CountByState returns how many services are in each state.
func (s *Store) CountByState() map[State]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[State]int)
	for _, svc := range s.services {
		counts[svc.State]++
	}
	return counts
}

func copyService(svc *Service) Service {
	val := *svc
	val.FailedServers = append([]string(nil), svc.FailedServers...)
	return val
}

package registry

import (
	"encoding/json"
	"net/http"
)

// Server handles registry-related HTTP requests.
type Server struct {
	store *Store
}

// NewServer creates a new registry server.
func NewServer(store *Store) *Server {
	return &Server{
		store: store,
	}
}

// HandleListServices returns every known service.
// GET /api/services
func (s *Server) HandleListServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	services := s.store.ListServices()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"services": services,
		"states":   s.store.CountByState(),
	})
}

// HandleGetService returns one service.
// GET /api/services/{id}
func (s *Server) HandleGetService(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	svc, ok := s.store.GetService(r.PathValue("id"))
	if !ok {
		http.Error(w, "Service not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(svc)
}

package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"sync"
	"testing"

	"github.com/zetapush/zetapush-log-server/internal/model"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		APIURL:      serverURL,
		SandboxID:   "sbx",
		Credentials: Credentials{Username: "dev@example.com", Password: "secret"},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func servicePage(number int, last bool, ids ...string) model.Page {
	page := model.Page{PageNumber: number, IsLast: last}
	for _, id := range ids {
		page.Content = append(page.Content, model.DirectoryEntry{
			ItemID:       "macro",
			Type:         "SERVICE",
			DeploymentID: model.ServiceID(id),
		})
	}
	return page
}

// directoryHandler serves pages[i] for ?page=i and counts requests.
type directoryHandler struct {
	mu       sync.Mutex
	pages    []model.Page
	requests []int
	failPage int
}

func (h *directoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || n >= len(h.pages) {
		http.Error(w, "no such page", http.StatusNotFound)
		return
	}
	h.mu.Lock()
	h.requests = append(h.requests, n)
	h.mu.Unlock()
	if h.failPage > 0 && n == h.failPage {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(h.pages[n])
}

func TestListServicesPagination(t *testing.T) {
	dir := &directoryHandler{pages: []model.Page{
		servicePage(0, false, "A", "B"),
		servicePage(1, true, "C"),
	}}
	mux := http.NewServeMux()
	mux.Handle("/zbo/orga/item/list/sbx", dir)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	services, err := newTestClient(t, srv.URL).ListServices(context.Background())
	if err != nil {
		t.Fatalf("ListServices: %v", err)
	}

	want := []model.ServiceID{"A", "B", "C"}
	if !reflect.DeepEqual(services, want) {
		t.Errorf("services = %v, want %v", services, want)
	}
	if !reflect.DeepEqual(dir.requests, []int{0, 1}) {
		t.Errorf("requested pages %v, want [0 1]", dir.requests)
	}
}

func TestListServicesManyPages(t *testing.T) {
	const pages, perPage = 5, 3
	dir := &directoryHandler{}
	var want []model.ServiceID
	for p := 0; p < pages; p++ {
		var ids []string
		for i := 0; i < perPage; i++ {
			id := fmt.Sprintf("svc-%d-%d", p, i)
			ids = append(ids, id)
			want = append(want, model.ServiceID(id))
		}
		dir.pages = append(dir.pages, servicePage(p, p == pages-1, ids...))
	}
	srv := httptest.NewServer(dir)
	defer srv.Close()

	services, err := newTestClient(t, srv.URL).ListServices(context.Background())
	if err != nil {
		t.Fatalf("ListServices: %v", err)
	}
	if !reflect.DeepEqual(services, want) {
		t.Errorf("services = %v, want %v", services, want)
	}
	if len(dir.requests) != pages {
		t.Errorf("made %d requests, want %d", len(dir.requests), pages)
	}
}

func TestListServicesFiltersNonServices(t *testing.T) {
	page := model.Page{IsLast: true, Content: []model.DirectoryEntry{
		{ItemID: "macro", Type: "SERVICE", DeploymentID: "x"},
		{ItemID: "other", Type: "SERVICE", DeploymentID: "y"},
		{ItemID: "macro", Type: "RECIPE", DeploymentID: "z"},
	}}
	srv := httptest.NewServer(&directoryHandler{pages: []model.Page{page}})
	defer srv.Close()

	services, err := newTestClient(t, srv.URL).ListServices(context.Background())
	if err != nil {
		t.Fatalf("ListServices: %v", err)
	}
	if !reflect.DeepEqual(services, []model.ServiceID{"x"}) {
		t.Errorf("services = %v, want [x]", services)
	}
}

func TestListServicesAbortsOnPageFailure(t *testing.T) {
	dir := &directoryHandler{
		pages: []model.Page{
			servicePage(0, false, "A"),
			servicePage(1, false, "B"),
			servicePage(2, true, "C"),
		},
		failPage: 1,
	}
	srv := httptest.NewServer(dir)
	defer srv.Close()

	services, err := newTestClient(t, srv.URL).ListServices(context.Background())
	if err == nil {
		t.Fatalf("ListServices succeeded with %v, want error", services)
	}
	if services != nil {
		t.Errorf("got partial result %v", services)
	}
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("error %v is not a TransportError", err)
	}
	if transportErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", transportErr.StatusCode)
	}
	if !reflect.DeepEqual(dir.requests, []int{0, 1}) {
		t.Errorf("requested pages %v, want [0 1]", dir.requests)
	}
}

func TestListServicesRejectsStuckPagination(t *testing.T) {
	// Page 0 claims to be page -1, so the next request would be page 0 again.
	dir := &directoryHandler{pages: []model.Page{servicePage(-1, false, "A")}}
	srv := httptest.NewServer(dir)
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).ListServices(context.Background())
	if !IsTransportError(err) {
		t.Fatalf("error = %v, want TransportError", err)
	}
	if len(dir.requests) != 1 {
		t.Errorf("made %d requests, want 1", len(dir.requests))
	}
}

func TestAuthenticateKeepsSession(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	record := func(s string) {
		mu.Lock()
		calls = append(calls, s)
		mu.Unlock()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/zbo/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		record("logout")
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/zbo/auth/login", func(w http.ResponseWriter, r *http.Request) {
		record("login")
		var creds Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Username != "dev@example.com" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "SESSION", Value: "s3cr3t", Path: "/"})
	})
	mux.HandleFunc("/zbo/pub/business/sbx", func(w http.ResponseWriter, r *http.Request) {
		record("servers")
		if c, err := r.Cookie("SESSION"); err != nil || c.Value != "s3cr3t" {
			http.Error(w, "no session", http.StatusForbidden)
			return
		}
		w.Write([]byte(`{"servers":["http://node-1","http://node-2"]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	servers, err := client.Servers(context.Background())
	if err != nil {
		t.Fatalf("Servers: %v", err)
	}

	if !reflect.DeepEqual(calls, []string{"logout", "login", "servers"}) {
		t.Errorf("calls = %v", calls)
	}
	if !reflect.DeepEqual(servers, []model.Server{"http://node-1", "http://node-2"}) {
		t.Errorf("servers = %v", servers)
	}
}

func TestLoginFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).Authenticate(context.Background())
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want AuthenticationError", err)
	}
	if authErr.Op != "login" || authErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("got %+v", authErr)
	}
}

func TestEnableDebugOn(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("X-Authorization")
	}))
	defer srv.Close()

	client := newTestClient(t, "http://platform.invalid")
	if err := client.EnableDebugOn(context.Background(), model.Server(srv.URL), "macro_1"); err != nil {
		t.Fatalf("EnableDebugOn: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotPath != "/rest/deployed/sbx/macro_1/debug/enable" {
		t.Errorf("path = %s", gotPath)
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(gotAuth), &creds); err != nil {
		t.Fatalf("X-Authorization %q is not JSON: %v", gotAuth, err)
	}
	if creds.Username != "dev@example.com" || creds.APIURL != "http://platform.invalid" {
		t.Errorf("credentials = %+v", creds)
	}
}

func TestEnableDebugOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown deployment", http.StatusNotFound)
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).EnableDebugOn(context.Background(), model.Server(srv.URL), "missing")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) || transportErr.StatusCode != http.StatusNotFound {
		t.Fatalf("error = %v, want TransportError 404", err)
	}
}

package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/HerbHall/subnetgrid/internal/backend"
)

// RecordedRequest is one request received by a FakeBackend.
type RecordedRequest struct {
	Method string
	Path   string
	Body   []byte
}

// Decode unmarshals the request body into v.
func (r RecordedRequest) Decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.Body, v); err != nil {
		t.Fatalf("decode %s %s body: %v", r.Method, r.Path, err)
	}
}

// FakeBackend is an httptest server standing in for the network-management
// backend. Every request is recorded before dispatch so tests can assert
// which calls reached the network. Unrouted requests get a 404 detail body.
type FakeBackend struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	mux      *http.ServeMux
	requests []RecordedRequest
}

// NewFakeBackend starts a FakeBackend that is closed when the test ends.
func NewFakeBackend(t *testing.T) *FakeBackend {
	t.Helper()
	f := &FakeBackend{
		handlers: make(map[string]http.HandlerFunc),
		mux:      http.NewServeMux(),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

// Handle routes pattern (http.ServeMux syntax, e.g. "GET /api/node/{ip}")
// to h, replacing any previous handler for the same pattern.
func (f *FakeBackend) Handle(pattern string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[pattern] = h
	mux := http.NewServeMux()
	for p, fn := range f.handlers {
		mux.HandleFunc(p, fn)
	}
	f.mux = mux
}

// HandleJSON routes pattern to a handler that always answers with status and
// body encoded as JSON.
func (f *FakeBackend) HandleJSON(pattern string, status int, body any) {
	f.Handle(pattern, func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, status, body)
	})
}

// HandleSequence answers successive requests with the given bodies in order.
// Once exhausted the last body is repeated.
func (f *FakeBackend) HandleSequence(pattern string, bodies ...any) {
	var (
		mu sync.Mutex
		i  int
	)
	f.Handle(pattern, func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		body := bodies[i]
		if i < len(bodies)-1 {
			i++
		}
		mu.Unlock()
		WriteJSON(w, http.StatusOK, body)
	})
}

// Client returns a backend.Client pointed at f.
func (f *FakeBackend) Client(t *testing.T) *backend.Client {
	t.Helper()
	c, err := backend.New(f.URL)
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	return c
}

// Requests returns a copy of every recorded request.
func (f *FakeBackend) Requests() []RecordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RecordedRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// Count returns how many requests matched method and an exact path.
func (f *FakeBackend) Count(method, path string) int {
	n := 0
	for _, r := range f.Requests() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// CountPrefix returns how many requests matched method and a path prefix.
func (f *FakeBackend) CountPrefix(method, prefix string) int {
	n := 0
	for _, r := range f.Requests() {
		if r.Method == method && strings.HasPrefix(r.Path, prefix) {
			n++
		}
	}
	return n
}

func (f *FakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, RecordedRequest{Method: r.Method, Path: r.URL.Path, Body: body})
	mux := f.mux
	f.mu.Unlock()

	r.Body = io.NopCloser(strings.NewReader(string(body)))
	if _, pattern := mux.Handler(r); pattern == "" {
		WriteJSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
		return
	}
	mux.ServeHTTP(w, r)
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

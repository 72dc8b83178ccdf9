// Package testutil provides a configurable mock helpdesk API for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// APIPrefix is the path prefix of the mock API root.
const APIPrefix = "/api/v2/"

// MockResponse defines a canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockHelpdesk is a configurable mock helpdesk server.
type MockHelpdesk struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	requestCount int
	pathCounts   map[string]int
	lastAuth     string
}

// NewMockHelpdesk starts a new mock server.
func NewMockHelpdesk() *MockHelpdesk {
	mock := &MockHelpdesk{
		handlers:   make(map[string]http.HandlerFunc),
		pathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[r.URL.Path]++
		mock.lastAuth = r.Header.Get("Authorization")
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		WriteJSON(w, http.StatusNotFound, map[string]any{"error": "RecordNotFound"})
	}))

	return mock
}

// URL returns the server root URL.
func (m *MockHelpdesk) URL() string {
	return m.server.URL
}

// BaseURL returns the API root, suitable for client.Config.BaseURL.
func (m *MockHelpdesk) BaseURL() string {
	return m.server.URL + APIPrefix
}

// Close shuts down the mock server.
func (m *MockHelpdesk) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a resource path relative to the API
// root, e.g. "tickets" or "tickets/1/comments".
func (m *MockHelpdesk) SetHandler(resource string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[APIPrefix+strings.TrimLeft(resource, "/")] = handler
}

// SetResponse configures a fixed response for a resource path.
func (m *MockHelpdesk) SetResponse(resource string, resp MockResponse) {
	m.SetHandler(resource, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetSequence serves the responses in order, one per request; the last
// response repeats once the sequence is used up.
func (m *MockHelpdesk) SetSequence(resource string, responses ...MockResponse) {
	var (
		mu   sync.Mutex
		next int
	)
	m.SetHandler(resource, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[min(next, len(responses)-1)]
		next++
		mu.Unlock()

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		w.Write([]byte(resp.Body))
	})
}

// SetPagedResource serves records of resource split into pages. Page n is
// requested with ?page=n; every page but the last links to the next one via
// next_page, and the first page carries the total count.
func (m *MockHelpdesk) SetPagedResource(resource string, pages ...[]map[string]any) {
	total := 0
	for _, p := range pages {
		total += len(p)
	}

	m.SetHandler(resource, func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if v := r.URL.Query().Get("page"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > len(pages) {
				WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "InvalidPage"})
				return
			}
			page = n
		}

		body := map[string]any{
			resource:    pages[page-1],
			"next_page": nil,
		}
		if page == 1 {
			body["count"] = total
		}
		if page < len(pages) {
			body["next_page"] = fmt.Sprintf("%s%s?page=%d", m.BaseURL(), resource, page+1)
		}
		WriteJSON(w, http.StatusOK, body)
	})
}

// RequestCount returns the number of requests served.
func (m *MockHelpdesk) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// PathCount returns the number of requests for a resource path.
func (m *MockHelpdesk) PathCount(resource string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[APIPrefix+strings.TrimLeft(resource, "/")]
}

// LastAuthorization returns the Authorization header of the last request.
func (m *MockHelpdesk) LastAuthorization() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastAuth
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// IDRecords builds records {"id": n} for the given ids.
func IDRecords(ids ...int) []map[string]any {
	records := make([]map[string]any, len(ids))
	for i, id := range ids {
		records[i] = map[string]any{"id": id}
	}
	return records
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "TooManyRequests"}`,
		Headers: map[string]string{
			"Content-Type":           "application/json; charset=utf-8",
			"X-Rate-Limit":           "700",
			"X-Rate-Limit-Remaining": "0",
		},
	}
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "InternalError"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewJSONResponse creates a 200 OK response with the given body.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type":           "application/json; charset=utf-8",
			"X-Rate-Limit":           "700",
			"X-Rate-Limit-Remaining": "699",
		},
	}
}

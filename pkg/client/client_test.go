package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/helpdesk-exporter/internal/testutil"
)

func newTestClient(t *testing.T, mock *testutil.MockHelpdesk) *Client {
	t.Helper()

	cfg := DefaultConfig("agent@example.com", "s3cret-pass", "")
	cfg.BaseURL = mock.BaseURL()
	cfg.Timeout = 5 * time.Second

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		errorMsg string
	}{
		{
			name:   "valid domain config",
			config: Config{Login: "a", Password: "b", Domain: "acme"},
		},
		{
			name:   "valid base url config",
			config: Config{Login: "a", Password: "b", BaseURL: "http://localhost:8080/api/v2"},
		},
		{
			name:     "missing login",
			config:   Config{Password: "b", Domain: "acme"},
			errorMsg: "login is required",
		},
		{
			name:     "missing password",
			config:   Config{Login: "a", Domain: "acme"},
			errorMsg: "password is required",
		},
		{
			name:     "missing domain and base url",
			config:   Config{Login: "a", Password: "b"},
			errorMsg: "domain or base url is required",
		},
		{
			name:     "relative base url",
			config:   Config{Login: "a", Password: "b", BaseURL: "api/v2"},
			errorMsg: "invalid base url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.config)
			if tt.errorMsg != "" {
				if err == nil {
					t.Fatalf("Expected error %q but got nil", tt.errorMsg)
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Error message = %q, want it to contain %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !strings.HasSuffix(c.BaseURL(), "/") {
				t.Errorf("BaseURL %q should end with /", c.BaseURL())
			}
		})
	}
}

func TestBaseURLForDomain(t *testing.T) {
	if got := BaseURLForDomain("acme"); got != "https://acme.example-helpdesk.com/api/v2/" {
		t.Errorf("BaseURLForDomain() = %q", got)
	}
}

func TestResourceURL(t *testing.T) {
	c, err := New(Config{Login: "a", Password: "b", Domain: "acme"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := map[string]string{
		"tickets":             "https://acme.example-helpdesk.com/api/v2/tickets",
		"/users":              "https://acme.example-helpdesk.com/api/v2/users",
		"tickets/42/comments": "https://acme.example-helpdesk.com/api/v2/tickets/42/comments",
	}
	for resource, want := range tests {
		if got := c.ResourceURL(resource); got != want {
			t.Errorf("ResourceURL(%q) = %q, want %q", resource, got, want)
		}
	}
}

func TestFetch_SendsBasicAuth(t *testing.T) {
	mock := testutil.NewMockHelpdesk()
	defer mock.Close()
	mock.SetResponse("tickets", testutil.NewJSONResponse(`{"tickets":[{"id":1}]}`))

	c := newTestClient(t, mock)
	if _, err := c.Fetch(context.Background(), c.ResourceURL("tickets")); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("agent@example.com:s3cret-pass"))
	if got := mock.LastAuthorization(); got != want {
		t.Errorf("Authorization = %q, want %q", got, want)
	}
}

func TestFetch_KeepsNumbersExact(t *testing.T) {
	mock := testutil.NewMockHelpdesk()
	defer mock.Close()
	mock.SetResponse("tickets", testutil.NewJSONResponse(`{"tickets":[{"id":9007199254740993}],"count":1}`))

	c := newTestClient(t, mock)
	doc, err := c.Fetch(context.Background(), c.ResourceURL("tickets"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	tickets, ok := doc["tickets"].([]any)
	if !ok || len(tickets) != 1 {
		t.Fatalf("tickets = %#v", doc["tickets"])
	}
	id := tickets[0].(map[string]any)["id"]
	if id != json.Number("9007199254740993") {
		t.Errorf("id = %#v, want json.Number(9007199254740993)", id)
	}
}

func TestFetch_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		name       string
		response   testutil.MockResponse
		status     int
		class      ErrorClass
		retryAfter time.Duration
	}{
		{
			name:     "not found",
			response: testutil.MockResponse{StatusCode: http.StatusNotFound, Body: `{"error":"RecordNotFound"}`},
			status:   404,
			class:    ErrorClassClient,
		},
		{
			name:     "server error",
			response: testutil.NewServerErrorResponse(),
			status:   500,
			class:    ErrorClassServer,
		},
		{
			name:       "rate limited",
			response:   testutil.NewRateLimitResponse("2"),
			status:     429,
			class:      ErrorClassRateLimit,
			retryAfter: 2 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockHelpdesk()
			defer mock.Close()
			mock.SetResponse("tickets", tt.response)

			c := newTestClient(t, mock)
			_, err := c.Fetch(context.Background(), c.ResourceURL("tickets"))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}

			var apiErr *Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("Expected *Error, got %T", err)
			}
			if apiErr.Kind != KindTransport {
				t.Errorf("Kind = %q, want transport", apiErr.Kind)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.status)
			}
			if apiErr.Class != tt.class {
				t.Errorf("Class = %q, want %q", apiErr.Class, tt.class)
			}
			if apiErr.RetryAfter != tt.retryAfter {
				t.Errorf("RetryAfter = %v, want %v", apiErr.RetryAfter, tt.retryAfter)
			}
			if IsRateLimited(err) != (tt.status == 429) {
				t.Errorf("IsRateLimited() = %v for status %d", IsRateLimited(err), tt.status)
			}
		})
	}
}

func TestFetch_FormatAndShapeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind Kind
	}{
		{"invalid json", `{"tickets": [`, KindFormat},
		{"html body", `<html>maintenance</html>`, KindFormat},
		{"trailing data", `{"tickets": []} {"tickets": []}`, KindFormat},
		{"array document", `[{"id": 1}]`, KindShape},
		{"string document", `"ok"`, KindShape},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockHelpdesk()
			defer mock.Close()
			mock.SetResponse("tickets", testutil.NewJSONResponse(tt.body))

			c := newTestClient(t, mock)
			_, err := c.Fetch(context.Background(), c.ResourceURL("tickets"))
			if !IsKind(err, tt.kind) {
				t.Errorf("Fetch() error = %v, want kind %q", err, tt.kind)
			}
		})
	}
}

func TestFetch_NetworkError(t *testing.T) {
	mock := testutil.NewMockHelpdesk()
	c := newTestClient(t, mock)
	mock.Close()

	_, err := c.Fetch(context.Background(), c.ResourceURL("tickets"))
	if !IsKind(err, KindTransport) {
		t.Fatalf("Fetch() error = %v, want transport error", err)
	}
	if ClassOf(err) != ErrorClassNetwork {
		t.Errorf("ClassOf() = %q, want network", ClassOf(err))
	}
	if StatusCode(err) != 0 {
		t.Errorf("StatusCode() = %d, want 0", StatusCode(err))
	}
}

func TestFetch_ErrorsNeverContainCredentials(t *testing.T) {
	mock := testutil.NewMockHelpdesk()
	defer mock.Close()
	mock.SetResponse("tickets", testutil.MockResponse{StatusCode: http.StatusUnauthorized, Body: `{"error":"Couldn't authenticate you"}`})

	c := newTestClient(t, mock)
	_, err := c.Fetch(context.Background(), c.ResourceURL("tickets"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	encoded := base64.StdEncoding.EncodeToString([]byte("agent@example.com:s3cret-pass"))
	if strings.Contains(err.Error(), "s3cret-pass") || strings.Contains(err.Error(), encoded) {
		t.Errorf("error leaks credentials: %v", err)
	}
}

func TestFetch_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockHelpdesk()
	defer mock.Close()
	mock.SetResponse("tickets", testutil.MockResponse{StatusCode: http.StatusOK, Body: `{}`, Delay: 500 * time.Millisecond})

	c := newTestClient(t, mock)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Fetch(ctx, c.ResourceURL("tickets"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Fetch() error = %v, want context.DeadlineExceeded", err)
	}
	if Retryable(err) {
		t.Error("cancelled request should not be retryable")
	}
}

func TestFetch_RequestPacing(t *testing.T) {
	mock := testutil.NewMockHelpdesk()
	defer mock.Close()
	mock.SetResponse("users", testutil.NewJSONResponse(`{"users":[{"id":1}]}`))

	cfg := DefaultConfig("a", "b", "")
	cfg.BaseURL = mock.BaseURL()
	cfg.RequestsPerSecond = 2
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.Fetch(context.Background(), c.ResourceURL("users")); err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
	}
	// burst of 2, third request waits ~500ms
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("3 requests at 2 rps took %v, expected pacing", elapsed)
	}
}

func TestEndpointLabel(t *testing.T) {
	tests := map[string]string{
		"https://acme.example-helpdesk.com/api/v2/tickets":              "/api/v2/tickets",
		"https://acme.example-helpdesk.com/api/v2/tickets?page=3":       "/api/v2/tickets",
		"https://acme.example-helpdesk.com/api/v2/tickets/42/comments":  "/api/v2/tickets/:id/comments",
		"https://acme.example-helpdesk.com/api/v2/users/7/identities/9": "/api/v2/users/:id/identities/:id",
	}
	for raw, want := range tests {
		u, _ := url.Parse(raw)
		if got := endpointLabel(u); got != want {
			t.Errorf("endpointLabel(%q) = %q, want %q", raw, got, want)
		}
	}
}

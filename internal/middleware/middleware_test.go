package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func okHandler() (http.Handler, *int) {
	calls := 0
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}), &calls
}

func TestRequestIDGenerated(t *testing.T) {
	next, _ := okHandler()
	rec := httptest.NewRecorder()
	RequestID(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if id := rec.Header().Get("X-Request-ID"); uuid.Validate(id) != nil {
		t.Errorf("generated id = %q, want a UUID", id)
	}
}

func TestRequestIDOversizedReplaced(t *testing.T) {
	next, _ := okHandler()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 65))
	RequestID(next).ServeHTTP(rec, req)

	if id := rec.Header().Get("X-Request-ID"); uuid.Validate(id) != nil {
		t.Errorf("oversized caller id echoed back: %q", id)
	}
}

func TestRequestIDPreserved(t *testing.T) {
	next, _ := okHandler()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	RequestID(next).ServeHTTP(rec, req)

	if id := rec.Header().Get("X-Request-ID"); id != "caller-id" {
		t.Errorf("id = %q, want caller-id", id)
	}
}

func TestCORS(t *testing.T) {
	next, calls := okHandler()
	h := CORS("http://dash.local")(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/intents", nil))
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://dash.local" {
		t.Errorf("allow-origin = %q", got)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "X-Delivery-ID") {
		t.Errorf("allow-headers = %q, want X-Delivery-ID listed", rec.Header().Get("Access-Control-Allow-Headers"))
	}
	if *calls != 1 {
		t.Fatalf("handler calls = %d, want 1", *calls)
	}

	// Preflight is answered without reaching the handler.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/intents", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if *calls != 1 {
		t.Errorf("handler calls after preflight = %d, want 1", *calls)
	}
}

func TestAuth(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		path       string
		authHeader string
		query      string
		wantStatus int
	}{
		{"valid bearer", "secret", "/api/v1/intents", "Bearer secret", "", http.StatusOK},
		{"wrong token", "secret", "/api/v1/intents", "Bearer nope", "", http.StatusUnauthorized},
		{"missing header", "secret", "/api/v1/intents", "", "", http.StatusUnauthorized},
		{"malformed header", "secret", "/api/v1/intents", "secret", "", http.StatusUnauthorized},
		{"health exempt", "secret", "/health", "", "", http.StatusOK},
		{"auth disabled", "", "/api/v1/intents", "", "", http.StatusOK},
		{"ws query token", "secret", "/ws", "", "token=secret", http.StatusOK},
		{"ws wrong query token", "secret", "/ws", "", "token=nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, _ := okHandler()
			rec := httptest.NewRecorder()
			url := tt.path
			if tt.query != "" {
				url += "?" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			Auth(tt.token)(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestDedup(t *testing.T) {
	dupes := 0
	d, err := NewDeduper(1<<20, time.Minute, func() { dupes++ })
	if err != nil {
		t.Fatalf("NewDeduper: %v", err)
	}
	defer d.Close()

	next, calls := okHandler()
	handler := Dedup(d)(next)

	send := func(id string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks", nil)
		if id != "" {
			req.Header.Set("X-Delivery-ID", id)
		}
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if send("d-1") != http.StatusOK || *calls != 1 {
		t.Fatalf("first delivery not processed, calls = %d", *calls)
	}
	if send("d-1") != http.StatusOK {
		t.Error("duplicate not acknowledged with 200")
	}
	if *calls != 1 {
		t.Errorf("duplicate was processed, calls = %d", *calls)
	}
	if dupes != 1 {
		t.Errorf("duplicate hook fired %d times", dupes)
	}

	if send("d-2") != http.StatusOK || *calls != 2 {
		t.Errorf("distinct delivery blocked, calls = %d", *calls)
	}
	send("")
	if *calls != 3 {
		t.Errorf("id-less request blocked, calls = %d", *calls)
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/v1/tasks/task-1")
		w.WriteHeader(http.StatusAccepted)
	})
	h := CORS([]string{"https://app.example.com/"})(next)

	tests := []struct {
		name        string
		method      string
		origin      string
		preflight   bool
		wantStatus  int
		wantOrigin  string
		wantHeaders bool
	}{
		{name: "allowed request", method: http.MethodPost, origin: "https://app.example.com", wantStatus: http.StatusAccepted, wantOrigin: "https://app.example.com"},
		{name: "allowed preflight", method: http.MethodOptions, origin: "https://app.example.com", preflight: true, wantStatus: http.StatusNoContent, wantOrigin: "https://app.example.com", wantHeaders: true},
		{name: "unknown origin preflight", method: http.MethodOptions, origin: "https://evil.example.com", preflight: true, wantStatus: http.StatusNoContent},
		{name: "unknown origin request", method: http.MethodPost, origin: "https://evil.example.com", wantStatus: http.StatusAccepted},
		{name: "plain options reaches router", method: http.MethodOptions, wantStatus: http.StatusAccepted},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/v1/tasks", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if tc.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodGet)
				req.Header.Set("Access-Control-Request-Headers", "last-event-id")
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Fatalf("allow origin = %q, want %q", got, tc.wantOrigin)
			}
			if tc.wantOrigin != "" {
				expose := rec.Header().Get("Access-Control-Expose-Headers")
				for _, name := range []string{"Location", "Retry-After", "X-Request-ID"} {
					if !strings.Contains(expose, name) {
						t.Fatalf("expose headers %q missing %s", expose, name)
					}
				}
			}
			allowHeaders := rec.Header().Get("Access-Control-Allow-Headers")
			if tc.wantHeaders != strings.Contains(allowHeaders, "Last-Event-ID") {
				t.Fatalf("allow headers = %q", allowHeaders)
			}
		})
	}
}

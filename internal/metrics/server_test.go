package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseAllowedIPs(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		want    int
	}{
		{"empty list", nil, 0},
		{"single IP", []string{"192.168.1.1"}, 1},
		{"multiple IPs", []string{"192.168.1.1", "10.0.0.1"}, 2},
		{"CIDR notation", []string{"192.168.0.0/16", "10.0.0.0/8"}, 2},
		{"IPv6", []string{"::1"}, 1},
		{"invalid entries skipped", []string{"not-an-ip", "300.0.0.1/8", "10.0.0.1"}, 1},
		{"blank entries skipped", []string{"", "  ", "10.0.0.1"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseAllowedIPs(tt.entries, testLogger())
			if len(got) != tt.want {
				t.Errorf("parsed %d networks, want %d", len(got), tt.want)
			}
		})
	}
}

func TestIPFilter(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		remoteAddr string
		headers    map[string]string
		wantStatus int
	}{
		{"no filter allows all", nil, "203.0.113.9:1234", nil, http.StatusOK},
		{"allowed IP", []string{"203.0.113.9"}, "203.0.113.9:1234", nil, http.StatusOK},
		{"allowed CIDR", []string{"203.0.113.0/24"}, "203.0.113.77:1234", nil, http.StatusOK},
		{"denied IP", []string{"203.0.113.9"}, "198.51.100.1:1234", nil, http.StatusForbidden},
		{
			"X-Forwarded-For honored",
			[]string{"203.0.113.9"},
			"10.0.0.1:1234",
			map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"},
			http.StatusOK,
		},
		{
			"X-Real-IP honored",
			[]string{"203.0.113.9"},
			"10.0.0.1:1234",
			map[string]string{"X-Real-IP": "203.0.113.9"},
			http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(New(), ServerConfig{AllowedIPs: tt.allowed}, testLogger())

			handler := s.ipFilter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestServerDefaults(t *testing.T) {
	s := NewServer(New(), ServerConfig{}, nil)
	if s.cfg.Addr != ":9091" {
		t.Errorf("Addr = %q, want default", s.cfg.Addr)
	}
	if s.cfg.Path != "/metrics" {
		t.Errorf("Path = %q, want /metrics", s.cfg.Path)
	}
}

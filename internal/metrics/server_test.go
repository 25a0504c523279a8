package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewServerAllowedIPs(t *testing.T) {
	tests := []struct {
		name       string
		allowedIPs []string
		want       int
	}{
		{"empty list", nil, 0},
		{"single IP", []string{"192.168.1.1"}, 1},
		{"CIDR notation", []string{"192.168.0.0/16", "10.0.0.0/8"}, 2},
		{"with invalid", []string{"192.168.1.1", "invalid", " ", "10.0.0.1"}, 2},
		{"IPv6", []string{"::1", "fe80::/10"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(New(), "", "", tt.allowedIPs, discardLogger())
			if len(s.allowed) != tt.want {
				t.Errorf("allowed = %d, want %d", len(s.allowed), tt.want)
			}
		})
	}
}

func TestIsAllowed(t *testing.T) {
	s := NewServer(New(), "", "", []string{"192.168.1.100", "10.0.0.0/8", "::1", "fe80::/10"}, discardLogger())

	tests := []struct {
		ip   string
		want bool
	}{
		{"192.168.1.100", true},
		{"192.168.1.101", false},
		{"10.20.30.40", true},
		{"::ffff:10.1.1.1", true},
		{"::1", true},
		{"fe80::1", true},
		{"2001:db8::1", false},
	}
	for _, tt := range tests {
		if got := s.isAllowed(netip.MustParseAddr(tt.ip)); got != tt.want {
			t.Errorf("isAllowed(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr", "192.168.1.1:1234", nil, "192.168.1.1"},
		{"forwarded for", "127.0.0.1:1234", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, "10.0.0.1"},
		{"real ip", "127.0.0.1:1234", map[string]string{"X-Real-IP": "10.0.0.3"}, "10.0.0.3"},
		{"no port", "10.0.0.4", nil, "10.0.0.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			ip, ok := clientIP(r)
			if !ok || ip.String() != tt.want {
				t.Errorf("clientIP() = %v, %v, want %s", ip, ok, tt.want)
			}
		})
	}
}

func TestServerHandler(t *testing.T) {
	m := New()
	m.BroadcastsTotal.Inc()
	s := NewServer(m, "", "/metrics", []string{"10.0.0.0/8"}, discardLogger())
	h := s.Handler()

	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mailing_broadcasts_total 1") {
		t.Errorf("body does not contain the broadcast counter")
	}

	r = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.RemoteAddr = "192.168.1.1:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/health", nil)
	r.RemoteAddr = "192.168.1.1:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}

package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/sessiond/internal/sessionctx"
)

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		xRealIP    string
		remoteAddr string
		expected   string
	}{
		{
			name:     "single forwarded IP",
			xff:      "192.168.1.1",
			expected: "192.168.1.1",
		},
		{
			name:     "multiple forwarded IPs take first",
			xff:      "203.0.113.1, 198.51.100.1",
			expected: "203.0.113.1",
		},
		{
			name:     "forwarded-for beats real-ip",
			xff:      "203.0.113.1",
			xRealIP:  "192.168.1.100",
			expected: "203.0.113.1",
		},
		{
			name:     "real-ip fallback",
			xRealIP:  "192.168.1.100",
			expected: "192.168.1.100",
		},
		{
			name:       "remote addr strips port",
			remoteAddr: "192.168.1.1:54321",
			expected:   "192.168.1.1",
		},
		{
			name:       "ipv6 remote addr",
			remoteAddr: "[2001:db8::1]:54321",
			expected:   "[2001:db8::1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}
			if tt.remoteAddr != "" {
				r.RemoteAddr = tt.remoteAddr
			}

			require.Equal(t, tt.expected, ExtractClientIP(r))
		})
	}
}

func TestClientIPMiddleware(t *testing.T) {
	middleware := ClientIPMiddleware()

	var capturedIP string
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedIP = ClientIPFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.1")

	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "203.0.113.1", capturedIP)
}

func TestClientIPFromContext_missing(t *testing.T) {
	require.Empty(t, ClientIPFromContext(context.Background()))
}

func TestSessionMiddleware(t *testing.T) {
	middleware := SessionMiddleware()

	var capturedID string
	var capturedOK bool
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedID, capturedOK = sessionctx.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// With header.
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Session-Id", "sess-1")
	handler.ServeHTTP(w, r)
	require.True(t, capturedOK)
	require.Equal(t, "sess-1", capturedID)

	// Without header the context stays unresolved.
	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)
	require.False(t, capturedOK)
	require.Empty(t, capturedID)
}

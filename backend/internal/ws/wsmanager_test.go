package ws

import (
	"net/http/httptest"
	"testing"
)

func TestCheckOrigin(t *testing.T) {
	up := newUpgrader([]string{"https://app.example.com", "http://staging.example.com:8080"})
	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"null", true},
		{"http://localhost:5173", true},
		{"https://127.0.0.1", true},
		{"https://app.example.com", true},
		{"https://APP.example.com", true},
		{"http://staging.example.com:8080", true},
		{"http://staging.example.com:9090", false},
		{"http://app.example.com", false},
		{"http://localhost.evil.com", false},
		{"https://app.example.com.evil.com", false},
		{"not a url", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/collab/rooms/r1/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := up.CheckOrigin(r); got != tc.want {
			t.Fatalf("origin %q: allowed=%v, want %v", tc.origin, got, tc.want)
		}
	}
}

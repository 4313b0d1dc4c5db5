package cmd

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

// The rate limiter keys on the peer address unless a configured trusted
// proxy vouches for a forwarded header. The middleware chain must not
// rewrite RemoteAddr from client-supplied headers, or any direct client
// could pick its own rate-limit identity.
func TestRouterPreservesRemoteAddr(t *testing.T) {
	var seen string
	r := newRouter(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		seen = req.RemoteAddr
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:4455"
	req.Header.Set("X-Real-IP", "6.6.6.6")
	req.Header.Set("X-Forwarded-For", "6.6.6.6")
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "203.0.113.9:4455", seen)
}

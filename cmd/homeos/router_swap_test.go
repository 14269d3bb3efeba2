package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouterSwap_RebuildsOnlyOnNewOrigins(t *testing.T) {
	builds := 0
	s := newRouterSwap([]string{"http://a.local"}, func(origins []string) http.Handler {
		builds++
		body := strings.Join(origins, ",")
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		})
	})
	serve := func() string {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return rec.Body.String()
	}

	assert.Equal(t, "http://a.local", serve())
	assert.False(t, s.Rebuild([]string{"http://a.local"}))
	assert.Equal(t, 1, builds)

	assert.True(t, s.Rebuild([]string{"http://a.local", "http://b.local"}))
	assert.Equal(t, 2, builds)
	assert.Equal(t, "http://a.local,http://b.local", serve())
	assert.Equal(t, []string{"http://a.local", "http://b.local"}, s.Origins())
}

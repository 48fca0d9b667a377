package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetURL(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"default", nil, "http://localhost:8080/readyz"},
		{"http addr port", map[string]string{"HTTP_ADDR": ":9090"}, "http://localhost:9090/readyz"},
		{"bad http addr", map[string]string{"HTTP_ADDR": "nonsense"}, "http://localhost:8080/readyz"},
		{"explicit url", map[string]string{"HEALTHCHECK_URL": "http://app:1/healthz", "HTTP_ADDR": ":9090"}, "http://app:1/healthz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, targetURL(func(k string) string { return tt.env[k] }))
		})
	}
}

func TestProbe(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	assert.NoError(t, probe(context.Background(), srv.URL))
	status = http.StatusServiceUnavailable
	assert.ErrorContains(t, probe(context.Background(), srv.URL), "status 503")
}

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthURL(t *testing.T) {
	tests := []struct{ explicit, addr, want string }{
		{"", "", "http://localhost:8080/healthz"},
		{"", ":9090", "http://localhost:9090/healthz"},
		{"", "0.0.0.0:7000", "http://0.0.0.0:7000/healthz"},
		{"http://relay:8080/healthz", ":9090", "http://relay:8080/healthz"},
	}
	for _, tt := range tests {
		if got := healthURL(tt.explicit, tt.addr); got != tt.want {
			t.Errorf("healthURL(%q, %q) = %q, want %q", tt.explicit, tt.addr, got, tt.want)
		}
	}
}

func TestProbe(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	if err := probe(context.Background(), srv.Client(), srv.URL+"/healthz"); err != nil {
		t.Fatalf("probe() error = %v", err)
	}
	status = http.StatusServiceUnavailable
	if err := probe(context.Background(), srv.Client(), srv.URL+"/healthz"); err == nil {
		t.Fatal("probe() should fail on 503")
	}
}

package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestModelBackend_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/model-info" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"embedding_dim":512}`))
	}))
	defer srv.Close()

	c := ModelBackend(srv.URL, srv.Client())
	if c.Name != "model" {
		t.Errorf("name = %q", c.Name)
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("check failed: %v", err)
	}
}

func TestModelBackend_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading weights", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := ModelBackend(srv.URL, srv.Client())
	if err := c.Check(context.Background()); err == nil {
		t.Error("expected error for 503 backend")
	}
}

func TestModelBackend_Unreachable(t *testing.T) {
	c := ModelBackend("http://127.0.0.1:1", nil)
	if err := c.Check(context.Background()); err == nil {
		t.Error("expected error for unreachable backend")
	}
}

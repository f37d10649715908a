package council

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestQueryDecodesAbsentMembers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/council" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) != 1 {
			t.Errorf("unexpected body: %+v %v", req, err)
		}
		_, _ = w.Write([]byte(`{"a":{"content":"hello"},"b":null}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	got, err := client.Query(context.Background(), QueryRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got["a"] == nil || got["a"].Content != "hello" {
		t.Fatalf("unexpected a: %+v", got["a"])
	}
	if resp, ok := got["b"]; !ok || resp != nil {
		t.Fatalf("b should be present and nil")
	}
}

func TestUpdateConfigSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %q", r.Method, r.Header.Get("Content-Type"))
		}
		http.Error(w, "配置项 chairman_model 必须是非空字符串", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.UpdateConfig(context.Background(), map[string]any{"chairman_model": ""})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message == "" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestGetConfigAndModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/config":
			_, _ = w.Write([]byte(`{"chairman_model":"c","council_models":["a","b"]}`))
		case "/api/v1/models":
			_, _ = w.Write([]byte(`["a","b","c"]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	cfg, err := client.GetConfig(context.Background())
	if err != nil || cfg["chairman_model"] != "c" {
		t.Fatalf("get config: %v %v", cfg, err)
	}
	models, err := client.ListModels(context.Background())
	if err != nil || len(models) != 3 {
		t.Fatalf("list models: %v %v", models, err)
	}
}

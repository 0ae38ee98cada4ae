package gist

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/foxy1402/keep-me-alive/pkg/logx"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{Token: "tok", ID: "abc123", APIBase: srv.URL}, logx.Nop())
	return c, srv
}

func TestConfigured(t *testing.T) {
	if New(Config{}, logx.Nop()).Configured() {
		t.Fatalf("empty config must not be configured")
	}
	if New(Config{Token: "tok"}, logx.Nop()).Configured() {
		t.Fatalf("token alone must not be configured")
	}
	if New(Config{ID: "abc"}, logx.Nop()).Configured() {
		t.Fatalf("id alone must not be configured")
	}
	if !New(Config{Token: "tok", ID: "abc"}, logx.Nop()).Configured() {
		t.Fatalf("token+id must be configured")
	}
}

func TestFetchParsesGistFile(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/gists/abc123" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "token tok" {
			t.Errorf("missing auth header, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"files": map[string]any{
				"keepmealive_data.json": map[string]any{"content": `{"websites":[]}`},
			},
		})
	}))

	b, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(b) != `{"websites":[]}` {
		t.Fatalf("unexpected content: %s", b)
	}
}

func TestFetchTruncatedFollowsRawURL(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/gists/abc123", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"files": map[string]any{
				"keepmealive_data.json": map[string]any{
					"content":   "partial",
					"truncated": true,
					"raw_url":   srv.URL + "/raw",
				},
			},
		})
	})
	mux.HandleFunc("/raw", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "full document")
	})

	c, s := testClient(t, mux)
	srv = s

	b, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(b) != "full document" {
		t.Fatalf("expected raw content, got %q", b)
	}
}

func TestFetchNotFound(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	if _, err := c.Fetch(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on 404, got %v", err)
	}
}

func TestFetchMissingFileIsNotFound(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"files": map[string]any{"other.txt": map[string]any{"content": "x"}},
		})
	}))
	if _, err := c.Fetch(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing file, got %v", err)
	}
}

func TestReplacePatchesWholesale(t *testing.T) {
	var got map[string]map[string]map[string]string
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/gists/abc123" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))

	if err := c.Replace(context.Background(), []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if got["files"]["keepmealive_data.json"]["content"] != `{"v":1}` {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestReplaceSurfacesAPIError(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	if err := c.Replace(context.Background(), []byte("x")); err == nil {
		t.Fatalf("expected error on 422")
	}
}

func TestUnconfiguredCalls(t *testing.T) {
	c := New(Config{}, logx.Nop())
	if _, err := c.Fetch(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Fetch: expected ErrNotConfigured, got %v", err)
	}
	if err := c.Replace(context.Background(), nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Replace: expected ErrNotConfigured, got %v", err)
	}
	if _, err := c.Create(context.Background(), nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Create: expected ErrNotConfigured, got %v", err)
	}
}

func TestCreateReturnsID(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/gists" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var payload struct {
			Public bool `json:"public"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload.Public {
			t.Errorf("gist must be created private")
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "newid"})
	}))

	id, err := c.Create(context.Background(), []byte("{}"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "newid" {
		t.Fatalf("expected newid, got %q", id)
	}
}

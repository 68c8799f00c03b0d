package scratchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	c, err := New(srv.URL,
		filepath.Join(dir, "cookies.json"),
		filepath.Join(dir, "tokens.json"),
		WithRetries(2), WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return c, srv
}

func TestCreateStoresClaimToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scratch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		var req CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Compiler != "mwcc_233_163e" {
			t.Errorf("client default compiler not applied: %q", req.Compiler)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"slug": "AbC123", "claim_token": "tok-xyz",
		})
	})
	c, _ := newTestClient(t, mux)
	c.Compiler = "mwcc_233_163e"
	c.Platform = "gc_wii"

	sc, err := c.Create(context.Background(), &CreateRequest{
		Name: "ftCo_800D5FB0", DiffLabel: "ftCo_800D5FB0", TargetAsm: ".fn ftCo_800D5FB0",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if sc.Slug != "AbC123" {
		t.Errorf("unexpected slug %q", sc.Slug)
	}
	if c.tokens.Get("AbC123") != "tok-xyz" {
		t.Error("claim token not stored")
	}
}

func TestCompileScore(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scratch/AbC123/compile", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":         true,
			"compiler_output": "",
			"diff_output":     map[string]int{"current_score": 250, "max_score": 1000},
		})
	})
	c, _ := newTestClient(t, mux)

	res, err := c.Compile(context.Background(), "AbC123")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	score, max := res.Score()
	if score != 250 || max != 1000 {
		t.Errorf("unexpected score %d/%d", score, max)
	}
}

func TestCompileFailureScoresNegative(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scratch/AbC123/compile", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false, "compiler_output": "error: expected ';'",
		})
	})
	c, _ := newTestClient(t, mux)

	res, err := c.Compile(context.Background(), "AbC123")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	score, _ := res.Score()
	if score != -1 {
		t.Errorf("compile failure should score -1, got %d", score)
	}
}

func TestUpdateSourceReclaimsOn403(t *testing.T) {
	var claimed atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scratch/AbC123", func(w http.ResponseWriter, r *http.Request) {
		if !claimed.Load() {
			http.Error(w, "not owner", http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("/api/scratch/AbC123/claim", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["token"] != "tok-xyz" {
			t.Errorf("claim sent wrong token: %q", body["token"])
		}
		claimed.Store(true)
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})
	c, _ := newTestClient(t, mux)
	c.tokens.Set("AbC123", "tok-xyz")

	if err := c.UpdateSource(context.Background(), "AbC123", "void fn(void) {}", ""); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !claimed.Load() {
		t.Error("client never re-claimed the scratch")
	}
}

func TestCompileReclaimsOn403(t *testing.T) {
	var claimed atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scratch/AbC123/compile", func(w http.ResponseWriter, r *http.Request) {
		if !claimed.Load() {
			http.Error(w, "not owner", http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":     true,
			"diff_output": map[string]int{"current_score": 0, "max_score": 1000},
		})
	})
	mux.HandleFunc("/api/scratch/AbC123/claim", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["token"] != "tok-xyz" {
			t.Errorf("claim sent wrong token: %q", body["token"])
		}
		claimed.Store(true)
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})
	c, _ := newTestClient(t, mux)
	c.tokens.Set("AbC123", "tok-xyz")

	res, err := c.Compile(context.Background(), "AbC123")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if !claimed.Load() {
		t.Error("client never re-claimed the scratch")
	}
	score, max := res.Score()
	if score != 0 || max != 1000 {
		t.Errorf("unexpected score %d/%d", score, max)
	}
}

func TestSearchEscapesQuery(t *testing.T) {
	query := "operator=&page_size=999;#%"
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scratch", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("search"); got != query {
			t.Errorf("search param arrived as %q", got)
		}
		if got := r.URL.Query().Get("page_size"); got != "5" {
			t.Errorf("page_size param arrived as %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"results": []interface{}{}})
	})
	c, _ := newTestClient(t, mux)

	if _, err := c.Search(context.Background(), query, 5); err != nil {
		t.Fatalf("search failed: %v", err)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scratch/AbC123", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"slug": "AbC123"})
	})
	c, _ := newTestClient(t, mux)

	sc, err := c.Get(context.Background(), "AbC123")
	if err != nil {
		t.Fatalf("get failed after retries: %v", err)
	}
	if sc.Slug != "AbC123" {
		t.Errorf("unexpected slug %q", sc.Slug)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestClientErrorsDoNotRetry(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scratch/AbC123", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	})
	c, _ := newTestClient(t, mux)

	_, err := c.Get(context.Background(), "AbC123")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 HTTPError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("400 was retried: %d attempts", calls.Load())
	}
}

func TestDecompileUnavailable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scratch/AbC123/decompile", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no decompiler", http.StatusNotImplemented)
	})
	c, _ := newTestClient(t, mux)

	_, err := c.Decompile(context.Background(), "AbC123")
	if !errors.Is(err, ErrDecompileUnavailable) {
		t.Fatalf("expected ErrDecompileUnavailable, got %v", err)
	}
}

func TestTokenStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	ts, err := LoadTokenStore(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	ts.Set("AbC123", "tok-1")

	ts2, err := LoadTokenStore(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if ts2.Get("AbC123") != "tok-1" {
		t.Error("token lost across reload")
	}
}

func TestProbeBaseURLPrefersFirstReachable(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/compiler" {
			w.Write([]byte("{}"))
			return
		}
		http.NotFound(w, r)
	}))
	defer good.Close()

	cache := filepath.Join(t.TempDir(), "url.json")
	got, err := ProbeBaseURL(context.Background(),
		[]string{"http://127.0.0.1:1", good.URL}, cache, time.Hour)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if got != good.URL {
		t.Errorf("expected %s, got %s", good.URL, got)
	}

	// Second call hits the cache.
	got2, err := ProbeBaseURL(context.Background(), nil, cache, time.Hour)
	if err != nil {
		t.Fatalf("cached probe failed: %v", err)
	}
	if got2 != good.URL {
		t.Errorf("cache miss: %s", got2)
	}
}

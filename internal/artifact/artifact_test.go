package artifact

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"client-engine/internal/config"
)

func TestLocalPutWritesUnderBaseDir(t *testing.T) {
	dir := t.TempDir()
	store := NewLocal(dir)

	uri, err := store.Put(context.Background(), "../../leads/L1/enrich.json", []byte(`{"ok":true}`), "application/json")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	want := filepath.Join(dir, "leads", "L1", "enrich.json")
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("artifact not written at %s: %v", want, err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("unexpected body %q", data)
	}
	if !strings.HasPrefix(uri, "file://") || !strings.HasSuffix(uri, "leads/L1/enrich.json") {
		t.Fatalf("unexpected uri %q", uri)
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"a/b.json":         "a/b.json",
		"/abs/c.json":      "abs/c.json",
		"../../etc/passwd": "etc/passwd",
		"./x/../y.md":      "y.md",
	}
	for in, want := range cases {
		if got := SanitizeKey(in); got != want {
			t.Fatalf("SanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPickUsesS3WhenBucketConfigured(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		ct   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		path = r.URL.Path
		ct = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := config.Config{
		ArtifactS3Bucket:    "artifacts",
		ArtifactS3Region:    "us-east-1",
		ArtifactS3Endpoint:  srv.URL,
		ArtifactS3PathStyle: true,
	}
	store, err := Pick(context.Background(), cfg)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if _, ok := store.(*S3); !ok {
		t.Fatalf("expected S3 store, got %T", store)
	}

	uri, err := store.Put(context.Background(), "leads/L1/score.json", []byte("{}"), "application/json")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if uri != "s3://artifacts/leads/L1/score.json" {
		t.Fatalf("unexpected uri %q", uri)
	}
	mu.Lock()
	defer mu.Unlock()
	if path != "/artifacts/leads/L1/score.json" {
		t.Fatalf("unexpected request path %q", path)
	}
	if ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

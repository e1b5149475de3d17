package objstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestUploadFileRenewsCredentialOnce(t *testing.T) {
	var credentialCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/credential":
			atomic.AddInt32(&credentialCalls, 1)
			w.Write([]byte(`{"code":0,"data":{"credential":"cred-1","expires_in":3600}}`))
		case "/v1/files/upload":
			if got := r.Header.Get("Authorization"); got != "Bearer cred-1" {
				t.Errorf("unexpected authorization header %q", got)
			}
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			if name := r.FormValue("file_name"); name != "ep1.mp4" {
				t.Errorf("unexpected file_name %q", name)
			}
			w.Write([]byte(`{"code":0,"data":{"url":"https://cdn.example.com/ep1.mp4"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "ep1.mp4")
	if err := os.WriteFile(path, []byte("fake video bytes"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	client := NewClient(srv.URL, "key", "secret")
	ctx := context.Background()

	url, err := client.UploadFile(ctx, path)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if url != "https://cdn.example.com/ep1.mp4" {
		t.Fatalf("unexpected url %q", url)
	}

	// Second upload inside the lease window must not refetch the credential.
	if _, err := client.UploadFile(ctx, path); err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if calls := atomic.LoadInt32(&credentialCalls); calls != 1 {
		t.Fatalf("expected 1 credential fetch, got %d", calls)
	}
}

func TestCredentialRenewedAfterExpiry(t *testing.T) {
	var credentialCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/credential" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&credentialCalls, 1)
		w.Write([]byte(`{"code":0,"data":{"credential":"cred-x","expires_in":3600}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", "secret")
	ctx := context.Background()

	if _, err := client.getCredential(ctx); err != nil {
		t.Fatalf("first credential: %v", err)
	}
	// Force the lease into its renewal margin.
	client.credMu.Lock()
	client.credExpireAt = time.Now().Add(10 * time.Second)
	client.credMu.Unlock()

	if _, err := client.getCredential(ctx); err != nil {
		t.Fatalf("renewal: %v", err)
	}
	if calls := atomic.LoadInt32(&credentialCalls); calls != 2 {
		t.Fatalf("expected proactive renewal, got %d credential fetches", calls)
	}
}

func TestCredentialErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":99991663,"msg":"app secret invalid"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", "bad-secret")
	if _, err := client.getCredential(context.Background()); err == nil {
		t.Fatal("expected error for non-zero code")
	}
}

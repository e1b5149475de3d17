package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCountIndicators(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/page/indicators" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"code":0,"data":{"found":8,"succeeded":6}}`))
	}))
	defer srv.Close()

	s := NewSession(srv.URL, "https://portal.example.com/creative?account=%s")
	found, succeeded, err := s.CountIndicators(context.Background())
	if err != nil {
		t.Fatalf("count indicators: %v", err)
	}
	if found != 8 || succeeded != 6 {
		t.Fatalf("got found=%d succeeded=%d", found, succeeded)
	}
}

func TestOpenCreativePageExpandsAccount(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		gotURL = payload["url"]
		w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	s := NewSession(srv.URL, "https://portal.example.com/creative?account=%s")
	if err := s.OpenCreativePage(context.Background(), "acct-42"); err != nil {
		t.Fatalf("open page: %v", err)
	}
	if gotURL != "https://portal.example.com/creative?account=acct-42" {
		t.Fatalf("unexpected url %q", gotURL)
	}
}

func TestBridgeErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":1002,"msg":"surface not found"}`))
	}))
	defer srv.Close()

	s := NewSession(srv.URL, "https://portal.example.com/%s")
	if err := s.TriggerUpload(context.Background()); err == nil {
		t.Fatal("expected error for non-zero bridge code")
	}
}

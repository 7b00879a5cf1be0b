package callback

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchMovesSecretToHeader(t *testing.T) {
	received := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(nil)
		_ = body
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(DefaultConfig(), testLogger())
	d.Dispatch(srv.URL+"/hook?secret=s3cr3t", map[string]string{"status": "ok"}, "req-1")

	select {
	case req := <-received:
		if req.URL.Query().Get("secret") != "" {
			t.Fatal("expected secret query param to be stripped")
		}
		if got := req.Header.Get(secretHeader); got != "s3cr3t" {
			t.Fatalf("expected secret header %q, got %q", "s3cr3t", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback request")
	}
}

func TestDispatchPostsJSONPayload(t *testing.T) {
	type payload struct {
		RequestID string `json:"requestId"`
		Success   bool   `json:"success"`
	}

	received := make(chan payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(DefaultConfig(), testLogger())
	d.Dispatch(srv.URL, payload{RequestID: "req-2", Success: true}, "req-2")

	select {
	case p := <-received:
		if p.RequestID != "req-2" || !p.Success {
			t.Fatalf("unexpected payload: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback request")
	}
}

func TestDispatchSuppressedByPattern(t *testing.T) {
	called := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.SuppressPattern = regexp.MustCompile(`.*`)
	d := New(cfg, testLogger())
	d.Dispatch(srv.URL, map[string]string{"status": "ok"}, "req-3")

	select {
	case <-called:
		t.Fatal("expected suppressed dispatch to never hit the server")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDispatchNeverBlocksOnServerError(t *testing.T) {
	d := New(DefaultConfig(), testLogger())
	start := time.Now()
	d.Dispatch("http://127.0.0.1:0/unreachable", map[string]string{"status": "ok"}, "req-4")
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("expected Dispatch to return immediately, took %v", elapsed)
	}
}

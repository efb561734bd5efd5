package httpserver

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestServeStopsWhenContextCancelled(t *testing.T) {
	srv := New(0, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	srv.inner.Addr = "127.0.0.1:0"

	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()

	resp, err := http.Get("http://" + ln.Addr().String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("unexpected body %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNewAppliesTimeouts(t *testing.T) {
	srv := New(9090, http.NotFoundHandler())
	if srv.Addr() != ":9090" {
		t.Fatalf("unexpected addr %q", srv.Addr())
	}
	if srv.inner.ReadHeaderTimeout == 0 || srv.inner.WriteTimeout == 0 {
		t.Fatal("expected timeouts to be set")
	}
}

package logs

import (
	"bufio"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteAppendsToFile(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("hello world\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "proxy.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello world") {
		t.Fatalf("got %q, want it to contain the written line", data)
	}
}

func TestStreamSSEBroadcastsNewLines(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/api/logs/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		w.StreamSSE(rec, req)
		close(done)
	}()

	// Give the subscriber goroutine time to register before writing.
	time.Sleep(30 * time.Millisecond)
	w.Write([]byte("a log line"))
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("StreamSSE did not return after context cancellation")
	}

	body := rec.Body.String()
	scanner := bufio.NewScanner(strings.NewReader(body))
	found := false
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "a log line") {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("got body %q, want it to contain the broadcast line", body)
	}
}

// Package logs is the proxy's append-only log sink plus an SSE tail of it,
// grounded on the teacher's flushWriter/SSE machinery (sse.go) repurposed
// for log lines instead of upstream response bytes.
//
// The teacher never adopts a structured logging library (log.Printf
// throughout main.go/pool.go/usage_tracking.go), so this module follows
// suit rather than introducing one — see DESIGN.md for the stdlib
// justification.
package logs

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer is an io.Writer suitable for log.SetOutput that both appends to a
// log file and fans each line out to live SSE subscribers.
type Writer struct {
	mu   sync.Mutex
	file *os.File

	subMu sync.Mutex
	subs  map[chan string]struct{}
}

// New opens (creating dir and file if absent) dir/proxy.log for appending.
func New(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "proxy.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &Writer{file: f, subs: make(map[chan string]struct{})}, nil
}

// Close flushes and closes the underlying log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Write implements io.Writer for use with log.SetOutput.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	n, err := w.file.Write(p)
	w.mu.Unlock()

	w.broadcast(string(bytes.TrimRight(p, "\n")))
	return n, err
}

func (w *Writer) broadcast(line string) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	for ch := range w.subs {
		select {
		case ch <- line:
		default:
			// Slow subscriber: drop the line rather than block logging.
		}
	}
}

func (w *Writer) subscribe() chan string {
	ch := make(chan string, 64)
	w.subMu.Lock()
	w.subs[ch] = struct{}{}
	w.subMu.Unlock()
	return ch
}

func (w *Writer) unsubscribe(ch chan string) {
	w.subMu.Lock()
	delete(w.subs, ch)
	w.subMu.Unlock()
}

// StreamSSE serves GET /api/logs/stream: a text/event-stream of new log
// lines as they are written.
func (w *Writer) StreamSSE(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")

	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := w.subscribe()
	defer w.unsubscribe(ch)

	bw := bufio.NewWriter(rw)
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case line := <-ch:
			fmt.Fprintf(bw, "data: %s\n\n", line)
			bw.Flush()
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(bw, ": keepalive\n\n")
			bw.Flush()
			flusher.Flush()
		}
	}
}

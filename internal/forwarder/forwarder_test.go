package forwarder

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrepareBodyBuffersSmallBody(t *testing.T) {
	body := io.NopCloser(strings.NewReader("small payload"))
	p, err := PrepareBody(body, 13)
	if err != nil {
		t.Fatalf("PrepareBody: %v", err)
	}
	if !p.Replayable {
		t.Fatalf("expected small body to be replayable")
	}
	if string(p.Buffered) != "small payload" {
		t.Fatalf("got %q", p.Buffered)
	}
	// Reader can be obtained more than once for a buffered body.
	b1, _ := io.ReadAll(p.Reader())
	b2, _ := io.ReadAll(p.Reader())
	if string(b1) != string(b2) {
		t.Fatalf("buffered body did not replay identically")
	}
}

func TestPrepareBodyStreamsLargeBody(t *testing.T) {
	body := io.NopCloser(bytes.NewReader(make([]byte, BufferThreshold+1)))
	p, err := PrepareBody(body, BufferThreshold+1)
	if err != nil {
		t.Fatalf("PrepareBody: %v", err)
	}
	if p.Replayable {
		t.Fatalf("expected large body to be non-replayable")
	}
}

func TestPrepareBodyUnknownLengthStreams(t *testing.T) {
	body := io.NopCloser(strings.NewReader("x"))
	p, err := PrepareBody(body, -1)
	if err != nil {
		t.Fatalf("PrepareBody: %v", err)
	}
	if p.Replayable {
		t.Fatalf("expected unknown-length body to stream, not buffer")
	}
}

func TestForwardRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Echo", string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := New(Options{})
	resp, err := f.Forward(context.Background(), http.MethodPost, upstream.URL, http.Header{}, strings.NewReader("ping"))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Echo") != "ping" {
		t.Fatalf("got echo %q", resp.Header.Get("X-Echo"))
	}
}

package tee

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"strings"
	"testing"
	"time"
)

func TestCopyMirrorsClientSinkExactly(t *testing.T) {
	payload := strings.Repeat("event: message\ndata: hello\n\n", 500)
	src := strings.NewReader(payload)
	var dst bytes.Buffer

	res, err := Copy(context.Background(), &dst, src, DefaultBufferSize, DefaultDrainCap)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if res.Truncated {
		t.Fatalf("did not expect truncation for small payload")
	}

	if sha256.Sum256(dst.Bytes()) != sha256.Sum256([]byte(payload)) {
		t.Fatalf("client sink bytes diverged from source")
	}
}

func TestCopyTruncatesAccountingSinkButNotClient(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 1000)
	src := bytes.NewReader(payload)
	var dst bytes.Buffer

	res, err := Copy(context.Background(), &dst, src, 100, DefaultDrainCap)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if !res.Truncated {
		t.Fatalf("expected truncated=true")
	}
	if len(res.Accounting) != 100 {
		t.Fatalf("got accounting len %d, want 100", len(res.Accounting))
	}
	if dst.Len() != len(payload) {
		t.Fatalf("client sink was truncated: got %d, want %d", dst.Len(), len(payload))
	}
}

// failAfterWriter simulates a client that disconnects after n bytes.
type failAfterWriter struct {
	remaining int
}

func (f *failAfterWriter) Write(p []byte) (int, error) {
	if f.remaining <= 0 {
		return 0, io.ErrClosedPipe
	}
	n := len(p)
	if n > f.remaining {
		n = f.remaining
	}
	f.remaining -= n
	return n, nil
}

func TestCopyStopsDrainingAfterCap(t *testing.T) {
	r, w := io.Pipe()
	go func() {
		defer w.Close()
		buf := make([]byte, 16)
		for i := 0; i < 1000; i++ {
			if _, err := w.Write(buf); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	dst := &failAfterWriter{remaining: 16}
	began := time.Now()
	res, err := Copy(context.Background(), dst, r, DefaultBufferSize, 50*time.Millisecond)
	elapsed := time.Since(began)
	if err != nil && err != io.ErrClosedPipe {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.ClientDisconnected {
		t.Fatalf("expected ClientDisconnected=true")
	}
	// The source keeps producing for about a second; returning well before
	// that shows draining stopped at the 50ms cap rather than at EOF.
	if elapsed > 500*time.Millisecond {
		t.Fatalf("Copy took %v, want it to stop draining shortly after the 50ms cap", elapsed)
	}
}

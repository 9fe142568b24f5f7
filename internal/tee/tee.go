// Package tee duplicates a streaming upstream response into the client
// connection and a bounded accounting buffer, never letting the bounded
// sink slow down the client (spec.md 4.8).
//
// Grounded on the teacher's flushWriter and sseInterceptWriter (sse.go) for
// the dual-writer-over-one-read-loop shape. The teacher's scan buffer is
// unbounded and transient; this module bounds it at TEE_BUFFER and tracks
// an explicit truncated flag, since the teacher never had to honor an
// accounting-sink size cap.
package tee

import (
	"bytes"
	"context"
	"io"
	"time"
)

// DefaultBufferSize is TEE_BUFFER's default, per spec.md 4.8.
const DefaultBufferSize = 256 * 1024

// DefaultDrainCap bounds how long draining continues after the client
// disconnects mid-stream, to still capture trailing usage info.
const DefaultDrainCap = 2 * time.Second

const readChunk = 32 * 1024

// Result reports what the tee captured for accounting.
type Result struct {
	Accounting []byte
	Truncated  bool
	// ClientDisconnected is true if dst stopped accepting writes before src
	// reached EOF.
	ClientDisconnected bool
}

// Copy reads src once, writing every chunk to dst (the client sink, never
// blocked-on past a write error) and to a bounded head-retention buffer (the
// accounting sink) up to bufferSize bytes. If dst starts erroring (client
// disconnected) or ctx is cancelled, draining continues write-only to the
// accounting sink for up to drainCap before giving up.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, bufferSize int, drainCap time.Duration) (Result, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if drainCap <= 0 {
		drainCap = DefaultDrainCap
	}

	var acct bytes.Buffer
	acct.Grow(bufferSize)
	var res Result

	buf := make([]byte, readChunk)
	var drainDeadline time.Time

	for {
		if res.ClientDisconnected && !drainDeadline.IsZero() && time.Now().After(drainDeadline) {
			res.Accounting = acct.Bytes()
			return res, nil
		}
		if !res.ClientDisconnected && ctx.Err() != nil {
			res.ClientDisconnected = true
			drainDeadline = time.Now().Add(drainCap)
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if !res.ClientDisconnected {
				if _, wErr := dst.Write(buf[:n]); wErr != nil {
					res.ClientDisconnected = true
					drainDeadline = time.Now().Add(drainCap)
				}
			}
			appendBounded(&acct, buf[:n], bufferSize, &res.Truncated)
		}

		if readErr != nil {
			res.Accounting = acct.Bytes()
			if readErr == io.EOF {
				return res, nil
			}
			return res, readErr
		}
	}
}

func appendBounded(acct *bytes.Buffer, chunk []byte, bufferSize int, truncated *bool) {
	remaining := bufferSize - acct.Len()
	if remaining <= 0 {
		*truncated = true
		return
	}
	if len(chunk) <= remaining {
		acct.Write(chunk)
		return
	}
	acct.Write(chunk[:remaining])
	*truncated = true
}

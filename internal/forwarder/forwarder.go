// Package forwarder issues the upstream HTTP call: buffering or streaming
// the request body, applying connect/total deadlines, and enforcing an
// idle timeout on non-streaming responses (spec.md 4.6).
//
// Grounded on the teacher's http.Transport construction in main.go (dial/
// TLS/idle timeouts, HTTP/2 tuning) and its idleTimeoutReader (sse.go) for
// the streaming idle-timeout/cancellation pattern.
package forwarder

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// BufferThreshold is the request-body size at or below which the body is
// buffered so it can be replayed for failover.
const BufferThreshold = 1 << 20

const (
	DefaultTotalTimeout   = 120 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
)

// Forwarder issues upstream calls over a shared, HTTP/2-aware transport.
type Forwarder struct {
	client         *http.Client
	totalTimeout   time.Duration
	idleTimeout    time.Duration
}

// Options configures timeouts; zero values take spec.md defaults.
type Options struct {
	TotalTimeout   time.Duration
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

// New builds a Forwarder with a dedicated transport tuned for both
// buffered request/response calls and long-lived SSE streams.
func New(opts Options) *Forwarder {
	connectTimeout := orDefault(opts.ConnectTimeout, DefaultConnectTimeout)
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
	}
	// Enable HTTP/2 on the custom transport. No HTTP/2 keepalive pings are
	// configured here (the http2 transport's ReadIdleTimeout stays unset).
	_ = http2.ConfigureTransport(transport)

	return &Forwarder{
		client:       &http.Client{Transport: transport},
		totalTimeout: orDefault(opts.TotalTimeout, DefaultTotalTimeout),
		idleTimeout:  orDefault(opts.IdleTimeout, DefaultIdleTimeout),
	}
}

func orDefault(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

// PreparedBody is the outcome of deciding whether a request body is
// replayable.
type PreparedBody struct {
	Replayable bool
	Buffered   []byte
	Stream     io.ReadCloser
}

// PrepareBody buffers body when contentLength is known and within
// BufferThreshold, else leaves it as a stream that commits the caller to
// no failover after the first byte is sent.
func PrepareBody(body io.ReadCloser, contentLength int64) (PreparedBody, error) {
	if body == nil {
		return PreparedBody{Replayable: true}, nil
	}
	if contentLength >= 0 && contentLength <= BufferThreshold {
		buf, err := io.ReadAll(body)
		body.Close()
		if err != nil {
			return PreparedBody{}, err
		}
		return PreparedBody{Replayable: true, Buffered: buf}, nil
	}
	return PreparedBody{Replayable: false, Stream: body}, nil
}

// Reader returns a fresh io.Reader for one attempt. For buffered bodies
// this can be called once per attempt; for streamed bodies it may only be
// called once total.
func (p PreparedBody) Reader() io.Reader {
	if p.Buffered != nil {
		return bytes.NewReader(p.Buffered)
	}
	if p.Stream != nil {
		return p.Stream
	}
	return nil
}

// Forward issues one upstream call. ctx should already carry request-scoped
// cancellation (e.g. from client disconnect); Forward additionally applies
// the total-deadline bound.
func (f *Forwarder) Forward(ctx context.Context, method, url string, headers http.Header, body io.Reader) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, f.totalTimeout)
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header = headers

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	// cancel() is deliberately not deferred: it must outlive body reads for
	// streaming responses. It runs when the caller closes resp.Body (see
	// cancelOnCloseBody); a WrapIdleTimeout wrapper closes the body, and so
	// releases ctx, when a read gap exceeds the idle timeout.
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnCloseBody) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

// WrapIdleTimeout wraps a non-streaming response body so that a read gap
// exceeding the forwarder's configured idle timeout cancels the request.
// Grounded on the teacher's idleTimeoutReader (sse.go).
func (f *Forwarder) WrapIdleTimeout(body io.ReadCloser, cancel context.CancelFunc) io.ReadCloser {
	return newIdleTimeoutReader(body, f.idleTimeout, cancel)
}

type idleTimeoutReader struct {
	io.ReadCloser
	idle   time.Duration
	timer  *time.Timer
	cancel context.CancelFunc
}

func newIdleTimeoutReader(rc io.ReadCloser, idle time.Duration, cancel context.CancelFunc) *idleTimeoutReader {
	r := &idleTimeoutReader{ReadCloser: rc, idle: idle, cancel: cancel}
	if idle > 0 {
		r.timer = time.AfterFunc(idle, cancel)
	}
	return r
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if r.timer != nil {
		r.timer.Stop()
		r.timer.Reset(r.idle)
	}
	return n, err
}

func (r *idleTimeoutReader) Close() error {
	if r.timer != nil {
		r.timer.Stop()
	}
	return r.ReadCloser.Close()
}

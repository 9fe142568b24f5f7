// Package orchestrator is the top-level per-request state machine: select
// candidates, attempt each in turn with failover, stream the winning
// response to the client, and enqueue a usage record (spec.md 4.9).
//
// Grounded on the teacher's proxyRequest attempt loop (main.go): the
// exclude-map-across-attempts/maxAttempts-bound/tryOnce shape generalizes
// here from three-provider routing to a single adapter, and from inline
// status-code branching to delegating to internal/classifier.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"codex-pool-proxy/internal/balancer"
	"codex-pool-proxy/internal/classifier"
	"codex-pool-proxy/internal/forwarder"
	"codex-pool-proxy/internal/model"
	"codex-pool-proxy/internal/provider"
	"codex-pool-proxy/internal/store"
	"codex-pool-proxy/internal/tee"
	"codex-pool-proxy/internal/token"
	"codex-pool-proxy/internal/writer"
)

// hopByHopResponse mirrors provider's request-side hop-by-hop list for
// response headers copied back to the client.
var hopByHopResponse = map[string]struct{}{
	"connection":        {},
	"keep-alive":        {},
	"transfer-encoding": {},
	"upgrade":           {},
	"trailer":           {},
	"content-length":    {},
}

// Orchestrator wires the pipeline's components together per request.
type Orchestrator struct {
	Provider  *provider.Adapter
	Store     *store.Store
	Balancer  *balancer.Balancer
	Token     *token.Manager
	Forwarder *forwarder.Forwarder
	Writer    *writer.Writer

	MaxAttempts    int
	TeeBufferBytes int
	StreamDrainCap time.Duration
}

// ServeHTTP implements the full Start/Select/Attempt/Finalize cycle for one
// inbound request.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	meta := model.RequestMeta{
		ID:        uuid.NewString(),
		Timestamp: start,
		Method:    r.Method,
		Path:      r.URL.Path,
	}

	prepared, err := forwarder.PrepareBody(r.Body, r.ContentLength)
	if err != nil {
		o.writeSynthetic502(w, "failed to read request body")
		return
	}
	if prepared.Buffered != nil {
		meta.AgentHint = extractAgentHint(r.Header, prepared.Buffered)
	} else {
		meta.AgentHint = extractAgentHint(r.Header, nil)
	}

	accounts, err := o.Store.ListAccounts()
	if err != nil {
		log.Printf("orchestrator: list accounts: %v", err)
		o.writeSynthetic502(w, "account store unavailable")
		return
	}

	candidates := o.Balancer.Select(accounts, start)
	if len(candidates) == 0 {
		o.unauthenticatedPassThrough(w, r, meta, prepared, start)
		return
	}
	if max := o.MaxAttempts; max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}

	var attempts []model.AttemptRecord

	for idx, acct := range candidates {
		more := idx < len(candidates)-1
		began := time.Now()

		accessToken, apiKey, tokErr := o.resolveCredential(r.Context(), acct)
		if tokErr != nil {
			attempts = append(attempts, model.AttemptRecord{
				AccountID: acct.ID, BeganAt: began, EndedAt: time.Now(),
				FailoverReason: authFailoverReason(tokErr),
			})
			continue
		}

		url, err := o.Provider.BuildURL(r.URL.Path, r.URL.RawQuery, acct)
		if err != nil {
			attempts = append(attempts, model.AttemptRecord{
				AccountID: acct.ID, BeganAt: began, EndedAt: time.Now(), FailoverReason: "bad_url",
			})
			continue
		}
		headers := o.Provider.PrepareHeaders(r.Header, accessToken, apiKey)

		resp, fwErr := o.Forwarder.Forward(r.Context(), r.Method, url, headers, prepared.Reader())
		if fwErr != nil {
			attempts = append(attempts, model.AttemptRecord{
				AccountID: acct.ID, BeganAt: began, EndedAt: time.Now(), FailoverReason: "forward_error",
			})
			if more && prepared.Replayable {
				continue
			}
			o.finalize(meta, attempts, "", 0, start, false, nil, nil)
			o.writeSynthetic502(w, fwErr.Error())
			return
		}

		result := classifier.Classify(resp, acct, o.Provider, o.Writer)
		attempts = append(attempts, model.AttemptRecord{
			AccountID: acct.ID, Status: result.Status, BeganAt: began, EndedAt: time.Now(),
			FailoverReason: failoverReasonFor(result.Verdict),
		})

		if result.Verdict == classifier.Success {
			o.Balancer.RecordSuccess(acct.ID, time.Now())
			o.streamSuccess(r.Context(), w, resp, acct.ID, meta, attempts, start)
			return
		}

		if more && prepared.Replayable {
			resp.Body.Close()
			continue
		}

		// Exhausted (no more candidates) or the body can't be replayed for
		// another attempt: this response is the one the client gets. Stream
		// the response already classified above rather than discarding it
		// and re-forwarding; a second call would send an empty body for a
		// non-replayable (already-drained) request and could return an
		// entirely different upstream response, breaking the
		// byte-identical-response invariant (spec.md 8).
		o.streamFinalFailure(w, resp, meta, attempts, start)
		return
	}

	// The last candidate failed before obtaining a response (credential or
	// URL error), so there is no final upstream response to surface.
	o.finalize(meta, attempts, "", 0, start, false, nil, nil)
	o.writeSynthetic502(w, "no eligible account produced a usable response")
}

// resolveCredential gets a usable access token or api key for acct.
func (o *Orchestrator) resolveCredential(ctx context.Context, acct *model.Account) (accessToken, apiKey string, err error) {
	if acct.AuthType == model.AuthAPIKey {
		return "", acct.APIKey, nil
	}
	tok, err := o.Token.GetValidAccessToken(ctx, acct)
	if err != nil {
		return "", "", err
	}
	return tok, "", nil
}

func authFailoverReason(err error) string {
	var authErr *token.AuthError
	if errors.As(err, &authErr) {
		return "auth_error"
	}
	var transient *token.TransientAuthError
	if errors.As(err, &transient) {
		return "transient_auth_error"
	}
	return "token_error"
}

func failoverReasonFor(v classifier.Verdict) string {
	switch v {
	case classifier.FailoverRateLimit:
		return "rate_limit"
	case classifier.FailoverNonSuccess:
		return "non_success"
	default:
		return ""
	}
}

// streamFinalFailure sends resp, the response already classified as the
// final non-success attempt, to the client verbatim. Called once no further
// failover is possible (candidates exhausted, or the request body can't be
// replayed for another attempt), per spec.md 8 scenario 5.
func (o *Orchestrator) streamFinalFailure(w http.ResponseWriter, resp *http.Response, meta model.RequestMeta, attempts []model.AttemptRecord, start time.Time) {
	defer resp.Body.Close()
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
	o.finalize(meta, attempts, "", resp.StatusCode, start, false, nil, nil)
}

// unauthenticatedPassThrough forwards the request without credentials when
// no account is eligible, per spec.md 4.9.
func (o *Orchestrator) unauthenticatedPassThrough(w http.ResponseWriter, r *http.Request, meta model.RequestMeta, prepared forwarder.PreparedBody, start time.Time) {
	url, err := o.Provider.BuildURL(r.URL.Path, r.URL.RawQuery, nil)
	if err != nil {
		o.writeSynthetic502(w, "bad url")
		return
	}
	headers := o.Provider.PrepareHeaders(r.Header, "", "")
	resp, fwErr := o.Forwarder.Forward(r.Context(), r.Method, url, headers, prepared.Reader())
	if fwErr != nil {
		o.finalize(meta, nil, "", 0, start, false, nil, nil)
		o.writeSynthetic502(w, fwErr.Error())
		return
	}
	o.streamSuccess(r.Context(), w, resp, "", meta, []model.AttemptRecord{{
		Status: resp.StatusCode, BeganAt: start, EndedAt: time.Now(),
	}}, start)
}

// streamSuccess copies the accepted response to the client verbatim,
// teeing streaming bodies for accounting, then finalizes the usage record.
func (o *Orchestrator) streamSuccess(ctx context.Context, w http.ResponseWriter, resp *http.Response, accountID string, meta model.RequestMeta, attempts []model.AttemptRecord, start time.Time) {
	defer resp.Body.Close()
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	var truncated bool
	var input, output *int

	if o.Provider.IsStreaming(resp) {
		flusher, _ := w.(http.Flusher)
		fw := flushWriter{w: w, f: flusher}
		res, err := tee.Copy(ctx, fw, resp.Body, o.TeeBufferBytes, o.StreamDrainCap)
		if err != nil && !errors.Is(err, io.EOF) {
			log.Printf("orchestrator: stream copy error: %v", err)
		}
		truncated = res.Truncated
		accounting := provider.DecodeAccounting(resp.Header.Get("Content-Encoding"), res.Accounting)
		input, output = provider.ParseSSEUsage(accounting)
	} else {
		// A read gap longer than the forwarder's idle timeout closes the
		// body, which cancels the upstream request.
		body := o.Forwarder.WrapIdleTimeout(resp.Body, func() { resp.Body.Close() })
		io.Copy(w, body)
		body.Close()
	}

	o.finalize(meta, attempts, accountID, resp.StatusCode, start, truncated, input, output)
}

type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

func (o *Orchestrator) finalize(meta model.RequestMeta, attempts []model.AttemptRecord, accountID string, status int, start time.Time, truncated bool, input, output *int) {
	if status == 0 && len(attempts) > 0 {
		status = attempts[len(attempts)-1].Status
	}
	rec := &model.UsageRecord{
		RequestID:    meta.ID,
		AccountID:    accountID,
		Path:         meta.Path,
		Method:       meta.Method,
		Status:       status,
		Timestamp:    start,
		DurationMS:   time.Since(start).Milliseconds(),
		InputTokens:  input,
		OutputTokens: output,
		Agent:        meta.AgentHint,
		Truncated:    truncated,
		Attempts:     attempts,
	}
	o.Writer.Enqueue(writer.Op{Kind: writer.KindInsertUsageRecord, Record: rec})
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		if _, skip := hopByHopResponse[strings.ToLower(k)]; skip {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func (o *Orchestrator) writeSynthetic502(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	body := map[string]any{"error": map[string]string{"type": "upstream_unavailable", "message": message}}
	_ = json.NewEncoder(w).Encode(body)
}

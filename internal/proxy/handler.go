package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"codex-relay/internal/account"
	"codex-relay/internal/pool"
	"codex-relay/internal/store"
)

// Ban indicators in 403 response bodies. A plain 403 is passed through
// without touching the account's health.
var banSignalPattern = regexp.MustCompile(`(?i)(account_deactivated|account (has been |is )?deactivated|organization has been disabled|access (has been )?terminated|has been banned)`)

// handleProxy is the forwarding pipeline: authenticate, lease an account,
// rewrite, forward, observe, relay, log.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeCORSPreflight(w)
		return
	}

	reqID := uuid.NewString()
	log := slog.With("request_id", reqID)
	started := time.Now()

	pathAndQuery := normalizeModelsPath(r.URL.RequestURI())
	pcfg := s.proxyCfg.Get()
	logging := pcfg.EnableLogging

	entry := &store.Entry{
		Timestamp: started.UTC().Format("2006-01-02T15:04:05Z"),
		Method:    r.Method,
		Path:      pathAndQuery,
	}
	if logging {
		entry.RequestHeaders = sanitizeHeaders(r.Header)
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.writeErrorAndLog(w, r, entry, logging, started, http.StatusTooManyRequests, "rate_limited")
		return
	}

	if pcfg.APIKey != "" && !apiKeyValid(r.Header, pcfg.APIKey) {
		s.writeErrorAndLog(w, r, entry, logging, started, http.StatusUnauthorized, "invalid_api_key")
		return
	}

	// Buffer the request body up to the replay threshold. Larger bodies
	// stream straight through but forfeit the 401 retry.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	buffered, replayable, err := bufferBody(r.Body, s.cfg.ReplayBytes)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeErrorAndLog(w, r, entry, logging, started, http.StatusRequestEntityTooLarge, "request_too_large")
			return
		}
		s.writeErrorAndLog(w, r, entry, logging, started, http.StatusBadRequest, "bad_request")
		return
	}

	entry.Model = extractModel(buffered)
	if logging {
		entry.RequestBody = string(buffered)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	retried := false
	for {
		lease, err := s.pool.Pick(ctx)
		if err != nil {
			log.Warn("no account available", "error", err)
			s.writeErrorAndLog(w, r, entry, logging, started, http.StatusServiceUnavailable, "no_healthy_account")
			return
		}
		entry.ProxyAccountID = lease.ID()
		entry.AccountID = lease.UpstreamAccountID()

		resp, err := s.forward(ctx, r, lease, pathAndQuery, buffered, replayable)
		if err != nil {
			s.pool.Report(lease, pool.Outcome{TransportErr: true})
			status := http.StatusBadGateway
			code := "upstream_error"
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
				code = "upstream_timeout"
			}
			log.Error("upstream request failed", "account", lease.ID(), "error", err)
			entry.Error = err.Error()
			s.writeErrorAndLog(w, r, entry, logging, started, status, code)
			return
		}

		if resp.StatusCode == http.StatusUnauthorized && !retried {
			if !replayable {
				// Cannot replay the body; surface the 401 but still kick a
				// background refresh so the next request finds a live token.
				id := lease.ID()
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RefreshTimeout)
					defer cancel()
					_, _ = s.pool.RefreshAccount(ctx, id)
				}()
				s.relay(w, r, resp, lease, entry, logging, log, started)
				return
			}

			io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()

			_, rerr := s.pool.RefreshAccount(ctx, lease.ID())
			s.pool.Report(lease, pool.Outcome{Status: http.StatusUnauthorized})
			if rerr != nil {
				log.Warn("refresh after 401 failed", "account", lease.ID(), "error", rerr)
				entry.Error = rerr.Error()
				code := "refresh_failed"
				if errors.Is(rerr, account.ErrInvalidGrant) {
					code = "refresh_token_rejected"
				}
				s.writeErrorAndLog(w, r, entry, logging, started, http.StatusBadGateway, code)
				return
			}
			log.Info("retrying after refresh", "account", lease.ID())
			retried = true
			continue
		}

		s.relay(w, r, resp, lease, entry, logging, log, started)
		return
	}
}

// forward builds and sends the rewritten upstream request.
func (s *Server) forward(ctx context.Context, r *http.Request, lease *pool.Lease, pathAndQuery string, buffered []byte, replayable bool) (*http.Response, error) {
	var body io.Reader
	if replayable {
		body = bytes.NewReader(buffered)
	} else {
		body = io.MultiReader(bytes.NewReader(buffered), r.Body)
	}

	target := buildUpstreamURL(s.cfg.UpstreamBaseURL, pathAndQuery)
	upReq, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, err
	}
	if replayable {
		upReq.ContentLength = int64(len(buffered))
	} else if r.ContentLength > 0 {
		upReq.ContentLength = r.ContentLength
	}

	for name, vals := range r.Header {
		if skipRequestHeader(name) {
			continue
		}
		for _, v := range vals {
			upReq.Header.Add(name, v)
		}
	}
	applyUpstreamHeaders(upReq.Header, r.Header, lease.AccessToken(), lease.UpstreamAccountID(), len(buffered) > 0 || !replayable)

	return s.client.Do(upReq)
}

// relay streams the upstream response back, observes the outcome and
// writes the log record.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, resp *http.Response, lease *pool.Lease, entry *store.Entry, logging bool, log *slog.Logger, started time.Time) {
	defer resp.Body.Close()

	// 403 bodies are inspected for ban indicators before relaying, so they
	// are buffered rather than streamed. Upstream error bodies are small.
	if resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, store.MaxBodyBytes))
		ban := banSignalPattern.Match(body)
		s.pool.Report(lease, pool.Outcome{Status: resp.StatusCode, BanSignal: ban})
		if ban {
			log.Warn("upstream ban signal", "account", lease.ID())
		}

		copyResponseHeaders(w, resp)
		w.WriteHeader(resp.StatusCode)
		w.Write(body)

		entry.Status = resp.StatusCode
		entry.DurationMs = time.Since(started).Milliseconds()
		if logging {
			entry.ResponseHeaders = sanitizeHeaders(resp.Header)
			entry.ResponseBody = string(body)
		}
		s.appendLog(r.Context(), entry, logging)
		return
	}

	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)

	var capture *captureBuffer
	var reader io.Reader = resp.Body
	if logging {
		capture = newCaptureBuffer(s.cfg.CaptureBytes)
		reader = io.TeeReader(resp.Body, capture)
	}

	rc := http.NewResponseController(w)
	_, copyErr := io.Copy(flushWriter{w: w, rc: rc}, reader)

	// Headers arrived, so the account is judged on the observed status
	// even when the client walked away mid-stream.
	s.pool.Report(lease, pool.Outcome{Status: resp.StatusCode})

	entry.Status = resp.StatusCode
	entry.DurationMs = time.Since(started).Milliseconds()
	if copyErr != nil {
		entry.Error = copyErr.Error()
		log.Debug("relay interrupted", "account", lease.ID(), "error", copyErr)
	}
	if logging {
		entry.ResponseHeaders = sanitizeHeaders(resp.Header)
		if capture != nil {
			entry.ResponseBody = capture.String()
			if isEventStream(resp.Header) {
				entry.InputTokens, entry.OutputTokens = extractStreamUsage(capture.Bytes())
			} else {
				entry.InputTokens, entry.OutputTokens = extractUsage(capture.Bytes())
			}
		}
	}
	s.appendLog(r.Context(), entry, logging)
}

func (s *Server) appendLog(ctx context.Context, entry *store.Entry, logging bool) {
	if !logging || s.sink == nil {
		return
	}
	// The request context may already be canceled by a departed client.
	ctx = context.WithoutCancel(ctx)
	if err := s.sink.Append(ctx, entry, s.proxyCfg.Get().MaxLogs); err != nil {
		slog.Error("append request log failed", "error", err)
	}
}

func (s *Server) writeErrorAndLog(w http.ResponseWriter, r *http.Request, entry *store.Entry, logging bool, started time.Time, status int, code string) {
	writeJSONError(w, status, code)
	entry.Status = status
	if entry.Error == "" {
		entry.Error = code
	}
	entry.DurationMs = time.Since(started).Milliseconds()
	s.appendLog(r.Context(), entry, logging)
}

// bufferBody reads up to limit bytes, plus one probe byte when the body
// reaches the limit; a probed byte is included in the returned slice. The
// second return reports whether the whole body fit (and can therefore be
// replayed on retry).
func bufferBody(body io.ReadCloser, limit int64) ([]byte, bool, error) {
	buffered, err := io.ReadAll(io.LimitReader(body, limit))
	if err != nil {
		return nil, false, err
	}
	if int64(len(buffered)) < limit {
		return buffered, true, nil
	}
	// Probe one byte to distinguish an exactly-limit body from a larger one.
	var probe [1]byte
	n, err := body.Read(probe[:])
	if n == 0 && (err == io.EOF || err == nil) {
		return buffered, true, nil
	}
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	return append(buffered, probe[:n]...), false, nil
}

func apiKeyValid(h http.Header, expected string) bool {
	if v := strings.TrimSpace(h.Get("x-api-key")); v != "" && v == expected {
		return true
	}
	if auth := h.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == expected
	}
	return false
}

func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for name, vals := range resp.Header {
		if skipResponseHeader(name) {
			continue
		}
		for _, v := range vals {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "*")
}

func writeCORSPreflight(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, code)
}

func isEventStream(h http.Header) bool {
	return strings.Contains(h.Get("Content-Type"), "text/event-stream")
}

// flushWriter flushes after every chunk so SSE events reach the client as
// they arrive.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err == nil {
		_ = f.rc.Flush()
	}
	return n, err
}

// captureBuffer retains a bounded prefix of what flows through it.
type captureBuffer struct {
	buf bytes.Buffer
	max int
}

func newCaptureBuffer(max int) *captureBuffer {
	if max <= 0 {
		max = store.MaxBodyBytes
	}
	return &captureBuffer{max: max}
}

func (c *captureBuffer) Write(p []byte) (int, error) {
	if remaining := c.max - c.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			c.buf.Write(p[:remaining])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *captureBuffer) Bytes() []byte  { return c.buf.Bytes() }
func (c *captureBuffer) String() string { return c.buf.String() }

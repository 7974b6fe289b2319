package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"codex-relay/internal/account"
	"codex-relay/internal/config"
	"codex-relay/internal/pool"
	"codex-relay/internal/store"
	"codex-relay/internal/usage"
)

const farFutureExp = int64(4102444800)

func makeJWT(t *testing.T, payload map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(data) + ".sig"
}

func seedAccount(t *testing.T, codexDir, id string, exp int64) string {
	t.Helper()
	dir := filepath.Join(codexDir, "accounts", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	token := makeJWT(t, map[string]any{
		"exp": exp,
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "upstream-" + id,
			"chatgpt_user_id":    "user-" + id,
		},
	})
	content := map[string]any{
		"tokens": map[string]any{
			"access_token":  token,
			"refresh_token": "rt-" + id,
			"account_id":    "upstream-" + id,
		},
	}
	data, _ := json.Marshal(content)
	if err := os.WriteFile(filepath.Join(dir, "auth.json"), data, 0o600); err != nil {
		t.Fatalf("write auth.json: %v", err)
	}
	return token
}

type fakeRefresher struct {
	calls atomic.Int32
	token string
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context, acct *account.Account) (*account.Account, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	updated := *acct
	updated.AccessToken = f.token
	updated.ExpiresAt = time.Now().Add(time.Hour).UnixMilli()
	return &updated, nil
}

type harness struct {
	srv      *Server
	ts       *httptest.Server
	pool     *pool.Pool
	sink     *store.SQLiteSink
	proxyCfg *config.ProxyConfigStore
	tokens   map[string]string // account id -> seeded access token
}

func newHarness(t *testing.T, ids []string, exp int64, refresher pool.Refresher, upstream http.Handler) *harness {
	t.Helper()

	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	codexDir := t.TempDir()
	managerDir := t.TempDir()
	tokens := map[string]string{}
	for _, id := range ids {
		tokens[id] = seedAccount(t, codexDir, id, exp)
	}

	cfg := &config.Config{
		Host:            "127.0.0.1",
		Port:            0,
		UpstreamBaseURL: up.URL,
		RequestTimeout:  10 * time.Second,
		RefreshTimeout:  5 * time.Second,
		DrainTimeout:    time.Second,
		MaxBodyBytes:    16 << 20,
		ReplayBytes:     1 << 20,
		CaptureBytes:    64 << 10,
		RefreshAdvance:  time.Minute,
		CodexDir:        codexDir,
		ManagerDir:      managerDir,
	}
	if refresher == nil {
		refresher = &fakeRefresher{token: "refreshed"}
	}

	accounts := account.NewFileStore(codexDir)
	p := pool.New(accounts, refresher, cfg.RefreshAdvance, cfg.RefreshTimeout)
	if err := p.Reload(); err != nil {
		t.Fatalf("pool reload: %v", err)
	}

	sink, err := store.Open(filepath.Join(managerDir, "proxy_logs.db"))
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	proxyCfg := config.NewProxyConfigStore(managerDir)

	srv := NewServer(Options{
		Config:   cfg,
		ProxyCfg: proxyCfg,
		Accounts: accounts,
		Pool:     p,
		Sink:     sink,
		Usage:    usage.NewReader(p, nil),
		Client:   &http.Client{},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{srv: srv, ts: ts, pool: p, sink: sink, proxyCfg: proxyCfg, tokens: tokens}
}

// bearerEcho answers "ok-<id>" based on which seeded token it received.
func bearerEcho(h *harness) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		for id, tok := range h.tokens {
			if tok == bearer {
				fmt.Fprintf(w, "ok-%s", id)
				return
			}
		}
		w.WriteHeader(http.StatusUnauthorized)
	}
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func countLogs(t *testing.T, h *harness) int {
	t.Helper()
	n, err := h.sink.Count(context.Background(), store.Query{})
	if err != nil {
		t.Fatalf("count logs: %v", err)
	}
	return n
}

func TestHappyPathRoundRobin(t *testing.T) {
	h := &harness{}
	*h = *newHarness(t, []string{"a", "b", "c"}, farFutureExp, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearerEcho(h)(w, r)
	}))

	var bodies []string
	for range 3 {
		resp, body := get(t, h.ts.URL+"/v1/models")
		if resp.StatusCode != 200 {
			t.Fatalf("status = %d, body %s", resp.StatusCode, body)
		}
		bodies = append(bodies, body)
	}
	want := []string{"ok-a", "ok-b", "ok-c"}
	for i, b := range bodies {
		if b != want[i] {
			t.Errorf("response %d = %q, want %q", i, b, want[i])
		}
	}

	logs, err := h.sink.List(context.Background(), store.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 {
		t.Fatalf("got %d log rows", len(logs))
	}
	// Newest first.
	wantAccounts := []string{"c", "b", "a"}
	for i, l := range logs {
		if l.ProxyAccountID != wantAccounts[i] {
			t.Errorf("log %d account = %q, want %q", i, l.ProxyAccountID, wantAccounts[i])
		}
		if l.Status != 200 {
			t.Errorf("log %d status = %d", i, l.Status)
		}
	}
}

func TestAPIKeyAuth(t *testing.T) {
	upstreamHits := atomic.Int32{}
	h := newHarness(t, []string{"a"}, farFutureExp, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		w.Write([]byte("ok"))
	}))
	key := "sk-test-key"
	if _, err := h.proxyCfg.Update(&key, nil, nil); err != nil {
		t.Fatal(err)
	}

	resp, body := get(t, h.ts.URL+"/v1/models")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}
	if body != `{"error":"invalid_api_key"}` {
		t.Errorf("body = %s", body)
	}
	if upstreamHits.Load() != 0 {
		t.Errorf("upstream must not be touched on auth failure")
	}

	for _, header := range []string{"Authorization", "x-api-key"} {
		req, _ := http.NewRequest("GET", h.ts.URL+"/v1/models", nil)
		if header == "Authorization" {
			req.Header.Set(header, "Bearer "+key)
		} else {
			req.Header.Set(header, key)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != 200 {
			t.Errorf("%s auth status = %d", header, resp.StatusCode)
		}
	}
}

func TestPoolExhausted(t *testing.T) {
	h := newHarness(t, nil, farFutureExp, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	resp, body := get(t, h.ts.URL+"/v1/models")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body != `{"error":"no_healthy_account"}` {
		t.Errorf("body = %s", body)
	}
}

func TestStaleTokenAutoRefresh(t *testing.T) {
	staleExp := time.Now().Add(-time.Second).Unix()
	refresher := &fakeRefresher{token: "new"}
	h := newHarness(t, []string{"a"}, staleExp, refresher, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("fresh"))
	}))

	resp, body := get(t, h.ts.URL+"/v1/models")
	if resp.StatusCode != 200 || body != "fresh" {
		t.Fatalf("status = %d body = %q", resp.StatusCode, body)
	}
	if refresher.calls.Load() != 1 {
		t.Errorf("refresh calls = %d", refresher.calls.Load())
	}
}

func Test401TriggersSingleRetry(t *testing.T) {
	upstreamHits := atomic.Int32{}
	refresher := &fakeRefresher{token: "new"}
	h := newHarness(t, []string{"a"}, farFutureExp, refresher, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if upstreamHits.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("recovered"))
	}))

	resp, body := get(t, h.ts.URL+"/v1/models")
	if resp.StatusCode != 200 {
		t.Fatalf("client should see the retried response, got %d", resp.StatusCode)
	}
	if body != "recovered" {
		t.Errorf("body = %q", body)
	}
	if upstreamHits.Load() != 2 {
		t.Errorf("upstream hits = %d, want exactly one retry", upstreamHits.Load())
	}
	if refresher.calls.Load() != 1 {
		t.Errorf("refresh calls = %d", refresher.calls.Load())
	}

	logs, _ := h.sink.List(context.Background(), store.Query{})
	if len(logs) != 1 {
		t.Fatalf("want one log row for the final outcome, got %d", len(logs))
	}
	if logs[0].Status != 200 {
		t.Errorf("logged status = %d", logs[0].Status)
	}
}

func Test401SecondTimeSurfaces(t *testing.T) {
	refresher := &fakeRefresher{token: "new"}
	h := newHarness(t, []string{"a"}, farFutureExp, refresher, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("denied"))
	}))

	resp, body := get(t, h.ts.URL+"/v1/models")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body != "denied" {
		t.Errorf("body should be the verbatim upstream 401, got %q", body)
	}
	if refresher.calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want exactly one", refresher.calls.Load())
	}
}

func Test401RefreshFailureSurfaces502(t *testing.T) {
	refresher := &fakeRefresher{err: fmt.Errorf("rejected: %w", account.ErrInvalidGrant)}
	h := newHarness(t, []string{"a"}, farFutureExp, refresher, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	resp, body := get(t, h.ts.URL+"/v1/models")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body != `{"error":"refresh_token_rejected"}` {
		t.Errorf("body = %s", body)
	}
	if st := h.pool.Status(); st.Blocked != 1 {
		t.Errorf("account should be blocked, got %+v", st)
	}
}

func Test401NoRetryWhenBodyExceedsReplayThreshold(t *testing.T) {
	upstreamHits := atomic.Int32{}
	h := newHarness(t, []string{"a"}, farFutureExp, &fakeRefresher{token: "new"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		upstreamHits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("nope"))
	}))
	h.srv.cfg.ReplayBytes = 16

	big := strings.Repeat("z", 100)
	resp, err := http.Post(h.ts.URL+"/v1/responses", "application/json", strings.NewReader(big))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want the verbatim 401", resp.StatusCode)
	}
	if string(body) != "nope" {
		t.Errorf("body = %q", body)
	}
	if upstreamHits.Load() != 1 {
		t.Errorf("upstream hits = %d, retry must be disabled", upstreamHits.Load())
	}
}

func Test429CooldownRotates(t *testing.T) {
	h := &harness{}
	*h = *newHarness(t, []string{"a", "b"}, farFutureExp, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if bearer == h.tokens["a"] {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, "ok-b")
	}))

	resp, _ := get(t, h.ts.URL+"/v1/models")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("first status = %d, want passthrough 429", resp.StatusCode)
	}

	for range 2 {
		resp, body := get(t, h.ts.URL+"/v1/models")
		if resp.StatusCode != 200 || body != "ok-b" {
			t.Fatalf("cooled account must be skipped, got %d %q", resp.StatusCode, body)
		}
	}
	if st := h.pool.Status(); st.Cooldown != 1 {
		t.Errorf("status = %+v, want one cooldown", st)
	}
}

func TestBanSignalBlocksAccount(t *testing.T) {
	h := newHarness(t, []string{"a"}, farFutureExp, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"detail":"Your account has been deactivated"}`))
	}))

	resp, body := get(t, h.ts.URL+"/v1/models")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want passthrough 403", resp.StatusCode)
	}
	if !strings.Contains(body, "deactivated") {
		t.Errorf("403 body should be relayed verbatim, got %q", body)
	}

	resp, _ = get(t, h.ts.URL+"/v1/models")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("blocked account should exhaust the pool, got %d", resp.StatusCode)
	}
}

func TestPlain403DoesNotBlock(t *testing.T) {
	h := newHarness(t, []string{"a"}, farFutureExp, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"detail":"insufficient permissions for this endpoint"}`))
	}))

	get(t, h.ts.URL+"/v1/models")
	if st := h.pool.Status(); st.Active != 1 {
		t.Errorf("plain 403 must not change account health, got %+v", st)
	}
}

func TestHeaderRewrite(t *testing.T) {
	var got http.Header
	h := newHarness(t, []string{"a"}, farFutureExp, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte("ok"))
	}))

	req, _ := http.NewRequest("POST", h.ts.URL+"/v1/responses", strings.NewReader(`{"model":"gpt-5"}`))
	req.Header.Set("Authorization", "Bearer client-key")
	req.Header.Set("x-api-key", "client-key")
	req.Header.Set("X-Custom", "keep-me")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if !strings.HasPrefix(got.Get("Authorization"), "Bearer ey") {
		t.Errorf("Authorization should carry the account bearer, got %q", got.Get("Authorization"))
	}
	if got.Get("x-api-key") != "" {
		t.Errorf("inbound x-api-key must be stripped")
	}
	if got.Get("X-Custom") != "keep-me" {
		t.Errorf("unrelated headers must pass through")
	}
	if got.Get("User-Agent") != codexUserAgent {
		t.Errorf("User-Agent = %q", got.Get("User-Agent"))
	}
	if got.Get("Originator") != codexOriginator {
		t.Errorf("originator = %q", got.Get("Originator"))
	}
	if got.Get("Openai-Beta") != codexOpenAIBeta {
		t.Errorf("openai-beta = %q", got.Get("Openai-Beta"))
	}
	if got.Get("Session_id") == "" {
		t.Errorf("session id missing")
	}
	if got.Get("Chatgpt-Account-Id") != "upstream-a" {
		t.Errorf("chatgpt-account-id = %q", got.Get("Chatgpt-Account-Id"))
	}
}

func TestModelsClientVersionAppended(t *testing.T) {
	var gotURI string
	h := newHarness(t, []string{"a"}, farFutureExp, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		w.Write([]byte("ok"))
	}))

	get(t, h.ts.URL+"/v1/models")
	if gotURI != "/v1/models?client_version="+modelsClientVersion {
		t.Errorf("upstream URI = %q", gotURI)
	}
}

func TestStreamingRelayAndUsageCapture(t *testing.T) {
	events := []string{
		`data: {"type":"response.created"}`,
		``,
		`data: {"type":"response.completed","response":{"usage":{"input_tokens":7,"output_tokens":11}}}`,
		``,
	}
	h := newHarness(t, []string{"a"}, farFutureExp, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range events {
			fmt.Fprintf(w, "%s\n", line)
			flusher.Flush()
		}
	}))

	resp, body := get(t, h.ts.URL+"/v1/responses")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "response.completed") {
		t.Errorf("stream body not relayed: %q", body)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Errorf("content type = %q", resp.Header.Get("Content-Type"))
	}

	logs, _ := h.sink.List(context.Background(), store.Query{})
	if len(logs) != 1 {
		t.Fatalf("log rows = %d", len(logs))
	}
	detail, err := h.sink.Detail(context.Background(), logs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.InputTokens == nil || *detail.InputTokens != 7 {
		t.Errorf("input tokens = %v", detail.InputTokens)
	}
	if detail.OutputTokens == nil || *detail.OutputTokens != 11 {
		t.Errorf("output tokens = %v", detail.OutputTokens)
	}
	if !strings.Contains(detail.ResponseBody, "response.completed") {
		t.Errorf("captured body missing events")
	}
}

func TestReloadDuringInFlightStream(t *testing.T) {
	release := make(chan struct{})
	var bearers []string
	h := newHarness(t, []string{"a"}, farFutureExp, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearers = append(bearers, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if len(bearers) == 1 {
			flusher := w.(http.Flusher)
			fmt.Fprint(w, "first-half ")
			flusher.Flush()
			<-release
			fmt.Fprint(w, "second-half")
			return
		}
		w.Write([]byte("ok"))
	}))

	resp, err := http.Get(h.ts.URL + "/v1/responses")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// Rotate the account's tokens on disk and hot-reload mid-stream.
	rotated := seedAccount(t, h.srv.cfg.CodexDir, "a", farFutureExp+1)
	if err := h.srv.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	close(release)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if string(body) != "first-half second-half" {
		t.Errorf("in-flight stream must complete intact, got %q", body)
	}

	resp2, _ := get(t, h.ts.URL+"/v1/models")
	if resp2.StatusCode != 200 {
		t.Fatalf("post-reload status = %d", resp2.StatusCode)
	}
	if len(bearers) != 2 {
		t.Fatalf("upstream hits = %d", len(bearers))
	}
	if bearers[0] != h.tokens["a"] {
		t.Errorf("first request should use the original token")
	}
	if bearers[1] != rotated {
		t.Errorf("post-reload request should use the rotated token")
	}
}

func TestLoggingDisabledSkipsSink(t *testing.T) {
	h := newHarness(t, []string{"a"}, farFutureExp, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	off := false
	if _, err := h.proxyCfg.Update(nil, &off, nil); err != nil {
		t.Fatal(err)
	}

	get(t, h.ts.URL+"/v1/models")
	if n := countLogs(t, h); n != 0 {
		t.Errorf("log rows = %d, want none when logging is off", n)
	}
}

func TestModelExtractedFromRequest(t *testing.T) {
	h := newHarness(t, []string{"a"}, farFutureExp, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{"usage":{"input_tokens":1,"output_tokens":2}}`))
	}))

	resp, err := http.Post(h.ts.URL+"/v1/responses", "application/json",
		strings.NewReader(`{"model":"gpt-5-codex","stream":false}`))
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	logs, _ := h.sink.List(context.Background(), store.Query{})
	if len(logs) != 1 || logs[0].Model != "gpt-5-codex" {
		t.Fatalf("model not captured: %+v", logs)
	}
	detail, _ := h.sink.Detail(context.Background(), logs[0].ID)
	if detail.InputTokens == nil || *detail.InputTokens != 1 || detail.OutputTokens == nil || *detail.OutputTokens != 2 {
		t.Errorf("usage not parsed from JSON response: %+v", detail)
	}
}

func TestRequestBodyTooLarge(t *testing.T) {
	h := newHarness(t, []string{"a"}, farFutureExp, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte("ok"))
	}))
	h.srv.cfg.MaxBodyBytes = 64
	h.srv.cfg.ReplayBytes = 64

	resp, err := http.Post(h.ts.URL+"/v1/responses", "application/json",
		strings.NewReader(strings.Repeat("x", 200)))
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, []string{"a"}, farFutureExp, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight must not reach upstream")
	}))

	req, _ := http.NewRequest(http.MethodOptions, h.ts.URL+"/v1/responses", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("CORS header missing")
	}
}

func TestUpstreamDownReportsTransportError(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	h := newHarness(t, []string{"a"}, farFutureExp, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.srv.cfg.UpstreamBaseURL = dead.URL

	resp, body := get(t, h.ts.URL+"/v1/models")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	if body != `{"error":"upstream_error"}` {
		t.Errorf("body = %s", body)
	}

	logs, _ := h.sink.List(context.Background(), store.Query{ErrorsOnly: true})
	if len(logs) != 1 || logs[0].Error == "" {
		t.Errorf("transport failure should be logged with its error: %+v", logs)
	}
}

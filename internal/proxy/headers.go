package proxy

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Codex CLI identity the relay presents upstream.
const (
	codexClientVersion  = "0.101.0"
	codexUserAgent      = "codex_cli_rs/0.101.0 (Mac OS 26.0.1; arm64) Apple_Terminal/464"
	codexOpenAIBeta     = "responses=experimental"
	codexOriginator     = "codex_cli_rs"
	modelsClientVersion = "0.98.0"
)

// skipRequestHeader lists hop-by-hop and auth headers never forwarded
// upstream.
func skipRequestHeader(name string) bool {
	switch strings.ToLower(name) {
	case "host", "connection", "keep-alive", "proxy-authenticate",
		"proxy-authorization", "authorization", "x-api-key",
		"te", "trailers", "transfer-encoding", "upgrade", "content-length":
		return true
	}
	return false
}

// skipResponseHeader lists hop-by-hop headers never relayed back.
func skipResponseHeader(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "keep-alive", "transfer-encoding", "upgrade",
		"proxy-authenticate", "content-length":
		return true
	}
	return false
}

// buildUpstreamURL joins the configured base with the inbound path+query.
// The codex backend mounts the OpenAI surface without the /v1 prefix, so
// a leading /v1 is dropped from the path there; for a base that already
// ends in /v1, a /v1 path prefix is kept only once.
func buildUpstreamURL(base, pathAndQuery string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.Contains(base, "/backend-api/codex") && strings.HasPrefix(pathAndQuery, "/v1/"):
		return base + strings.TrimPrefix(pathAndQuery, "/v1")
	case strings.HasSuffix(base, "/v1") && strings.HasPrefix(pathAndQuery, "/v1"):
		return strings.TrimSuffix(base, "/v1") + pathAndQuery
	default:
		return base + pathAndQuery
	}
}

// normalizeModelsPath appends the client_version parameter the models
// endpoint requires when the caller omitted it.
func normalizeModelsPath(pathAndQuery string) string {
	if pathAndQuery != "/v1/models" && !strings.HasPrefix(pathAndQuery, "/v1/models?") {
		return pathAndQuery
	}
	if _, query, ok := strings.Cut(pathAndQuery, "?"); ok {
		for part := range strings.SplitSeq(query, "&") {
			key, _, _ := strings.Cut(part, "=")
			if strings.EqualFold(key, "client_version") {
				return pathAndQuery
			}
		}
		return pathAndQuery + "&client_version=" + modelsClientVersion
	}
	return pathAndQuery + "?client_version=" + modelsClientVersion
}

// applyUpstreamHeaders stamps auth and codex identity headers onto the
// outgoing request. Inbound session_id / conversation_id survive; absent a
// session the id is freshly generated per request.
func applyUpstreamHeaders(h http.Header, inbound http.Header, accessToken, upstreamAccountID string, hasBody bool) {
	h.Set("Authorization", "Bearer "+accessToken)
	if hasBody {
		h.Set("Content-Type", "application/json")
	}
	if h.Get("Accept") == "" {
		h.Set("Accept", "application/json")
	}
	h.Set("Version", codexClientVersion)
	h.Set("Openai-Beta", codexOpenAIBeta)
	h.Set("User-Agent", codexUserAgent)
	h.Set("Originator", codexOriginator)

	sessionID := strings.TrimSpace(inbound.Get("session_id"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	h.Set("Session_id", sessionID)

	if conversationID := strings.TrimSpace(inbound.Get("conversation_id")); conversationID != "" {
		h.Set("Conversation_id", conversationID)
	}
	if upstreamAccountID != "" {
		h.Set("Chatgpt-Account-Id", upstreamAccountID)
	}
}

// sanitizeHeaders renders headers for the log record, dropping credential
// carriers.
func sanitizeHeaders(h http.Header) string {
	var pairs [][2]string
	for name, vals := range h {
		switch strings.ToLower(name) {
		case "authorization", "x-api-key", "cookie", "proxy-authorization":
			continue
		}
		for _, v := range vals {
			pairs = append(pairs, [2]string{name, v})
		}
	}
	if len(pairs) == 0 {
		return ""
	}
	data, err := json.Marshal(pairs)
	if err != nil {
		return ""
	}
	return string(data)
}

// extractModel pulls the top-level "model" key from a JSON request body.
func extractModel(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var v struct {
		Model string `json:"model"`
	}
	if json.Unmarshal(body, &v) != nil {
		return ""
	}
	return v.Model
}

// extractUsage reads usage.input_tokens / usage.output_tokens from a JSON
// response body when present.
func extractUsage(body []byte) (input, output *int64) {
	if len(body) == 0 {
		return nil, nil
	}
	var v struct {
		Usage *struct {
			InputTokens  *int64 `json:"input_tokens"`
			OutputTokens *int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if json.Unmarshal(body, &v) != nil || v.Usage == nil {
		return nil, nil
	}
	return v.Usage.InputTokens, v.Usage.OutputTokens
}

// extractStreamUsage scans a captured SSE prefix for the
// response.completed event and recovers its token counts.
func extractStreamUsage(capture []byte) (input, output *int64) {
	for line := range strings.SplitSeq(string(capture), "\n") {
		data, ok := strings.CutPrefix(strings.TrimRight(line, "\r"), "data: ")
		if !ok {
			continue
		}
		var event struct {
			Type     string `json:"type"`
			Response struct {
				Usage *struct {
					InputTokens  *int64 `json:"input_tokens"`
					OutputTokens *int64 `json:"output_tokens"`
				} `json:"usage"`
			} `json:"response"`
		}
		if json.Unmarshal([]byte(data), &event) != nil {
			continue
		}
		if event.Type == "response.completed" && event.Response.Usage != nil {
			return event.Response.Usage.InputTokens, event.Response.Usage.OutputTokens
		}
	}
	return nil, nil
}

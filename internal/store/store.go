package store

import "errors"

// ErrNotFound is returned when a log row does not exist (or was evicted).
var ErrNotFound = errors.New("log entry not found")

// LogSummary is the index row of one proxied request.
type LogSummary struct {
	ID             int64  `json:"id"`
	Timestamp      string `json:"timestamp"`
	Method         string `json:"method"`
	Path           string `json:"path"`
	Status         int    `json:"status"`
	DurationMs     int64  `json:"duration_ms"`
	ProxyAccountID string `json:"proxy_account_id"`
	AccountID      string `json:"account_id,omitempty"`
	Error          string `json:"error,omitempty"`
	Model          string `json:"model,omitempty"`
}

// LogDetail additionally carries headers, captured bodies and token counts.
type LogDetail struct {
	LogSummary
	RequestHeaders  string `json:"request_headers,omitempty"`
	ResponseHeaders string `json:"response_headers,omitempty"`
	RequestBody     string `json:"request_body,omitempty"`
	ResponseBody    string `json:"response_body,omitempty"`
	InputTokens     *int64 `json:"input_tokens,omitempty"`
	OutputTokens    *int64 `json:"output_tokens,omitempty"`
}

// Entry is the write-side record handed to Append.
type Entry struct {
	Timestamp       string
	Method          string
	Path            string
	Status          int
	DurationMs      int64
	ProxyAccountID  string
	AccountID       string
	Error           string
	Model           string
	RequestHeaders  string
	ResponseHeaders string
	RequestBody     string
	ResponseBody    string
	InputTokens     *int64
	OutputTokens    *int64
}

// Query selects log rows: a case-insensitive substring over method, path,
// status, account ids, error and model, optionally restricted to errors.
type Query struct {
	Filter     string
	ErrorsOnly bool
	Limit      int
	Offset     int
}

package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"codex-relay/internal/pool"
)

const defaultUsageURL = "https://chatgpt.com/backend-api/wham/usage"

// Availability summarizes the two rate-limit windows.
const (
	Available                  = "available"
	Unavailable                = "unavailable"
	PrimaryWindowAvailableOnly = "primary_window_available_only"
	Unknown                    = "unknown"
)

// Snapshot is one account's rate-limit window consumption.
type Snapshot struct {
	AccountID string `json:"account_id"`

	UsedPercent   *float64 `json:"used_percent,omitempty"`
	WindowMinutes *int64   `json:"window_minutes,omitempty"`
	ResetsAt      *int64   `json:"resets_at,omitempty"`

	SecondaryUsedPercent   *float64 `json:"secondary_used_percent,omitempty"`
	SecondaryWindowMinutes *int64   `json:"secondary_window_minutes,omitempty"`
	SecondaryResetsAt      *int64   `json:"secondary_resets_at,omitempty"`

	Availability string `json:"availability"`
	CapturedAt   int64  `json:"captured_at"`
}

// Reader fetches rate-limit snapshots from the upstream introspection
// endpoint, borrowing fresh access tokens from the pool.
type Reader struct {
	pool   *pool.Pool
	client *http.Client
	url    string
	now    func() time.Time
}

func NewReader(p *pool.Pool, client *http.Client) *Reader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Reader{pool: p, client: client, url: defaultUsageURL, now: time.Now}
}

type usageResponse struct {
	RateLimit struct {
		PrimaryWindow   *usageWindow `json:"primary_window"`
		SecondaryWindow *usageWindow `json:"secondary_window"`
	} `json:"rate_limit"`
}

type usageWindow struct {
	UsedPercent        *float64 `json:"used_percent"`
	LimitWindowSeconds *int64   `json:"limit_window_seconds"`
	ResetAt            *int64   `json:"reset_at"`
}

// Get fetches the usage snapshot for one pooled account, refreshing its
// token first when stale.
func (r *Reader) Get(ctx context.Context, accountID string) (*Snapshot, error) {
	token, err := r.pool.AccessToken(ctx, accountID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", r.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read usage response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("usage API returned %d: %s", resp.StatusCode, body)
	}

	var parsed usageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse usage response: %w", err)
	}

	snap := &Snapshot{
		AccountID:  accountID,
		CapturedAt: r.now().Unix(),
	}
	if pw := parsed.RateLimit.PrimaryWindow; pw != nil {
		snap.UsedPercent = pw.UsedPercent
		snap.WindowMinutes = windowMinutes(pw.LimitWindowSeconds)
		snap.ResetsAt = pw.ResetAt
	}
	if sw := parsed.RateLimit.SecondaryWindow; sw != nil {
		snap.SecondaryUsedPercent = sw.UsedPercent
		snap.SecondaryWindowMinutes = windowMinutes(sw.LimitWindowSeconds)
		snap.SecondaryResetsAt = sw.ResetAt
	}
	snap.Availability = availability(snap.UsedPercent, snap.SecondaryUsedPercent)
	return snap, nil
}

func windowMinutes(seconds *int64) *int64 {
	if seconds == nil {
		return nil
	}
	m := (*seconds + 59) / 60
	return &m
}

func availability(primary, secondary *float64) string {
	switch {
	case primary == nil:
		return Unknown
	case *primary >= 100:
		return Unavailable
	case secondary == nil:
		return PrimaryWindowAvailableOnly
	case *secondary >= 100:
		return Unavailable
	default:
		return Available
	}
}

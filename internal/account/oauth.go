package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OAuth parameters of the upstream's public client. These identify the
// codex CLI application; they are not secrets.
const (
	oauthClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
	oauthTokenURL = "https://auth.openai.com/oauth/token"
)

// ErrInvalidGrant marks a refresh token the identity provider no longer
// accepts. The pool treats the account as unrecoverable until a new login.
var ErrInvalidGrant = errors.New("refresh token rejected")

// Refresher exchanges refresh tokens for new access tokens and persists
// the rotated credentials through the FileStore.
type Refresher struct {
	store    *FileStore
	client   *http.Client
	tokenURL string
	now      func() time.Time
}

func NewRefresher(store *FileStore, client *http.Client) *Refresher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Refresher{
		store:    store,
		client:   client,
		tokenURL: oauthTokenURL,
		now:      time.Now,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Refresh performs the refresh-token grant for the given account, writes
// the rotated record to disk and returns the updated account. A 4xx from
// the token endpoint surfaces as ErrInvalidGrant; transport failures are
// returned as-is and are retryable.
func (r *Refresher) Refresh(ctx context.Context, acct *Account) (*Account, error) {
	if acct.RefreshToken == "" {
		return nil, fmt.Errorf("account %s: %w", acct.ID, ErrInvalidGrant)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {oauthClientID},
		"refresh_token": {acct.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, "POST", r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("token endpoint returned %d: %s: %w",
				resp.StatusCode, truncate(body, 200), ErrInvalidGrant)
		}
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("empty access_token in token response")
	}

	updated := *acct
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	if tok.IDToken != "" {
		updated.IDToken = tok.IDToken
	}
	updated.LastRefresh = r.now().UTC().Format("2006-01-02T15:04:05Z")

	c := DeriveClaims(updated.IDToken, updated.AccessToken)
	if c.Exp > 0 {
		updated.ExpiresAt = c.Exp * 1000
	} else if tok.ExpiresIn > 0 {
		updated.ExpiresAt = r.now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli()
	}
	if c.Email != "" {
		updated.Email = c.Email
	}
	if c.UserID != "" {
		updated.UserID = c.UserID
	}
	updated.Plan = c.Plan
	updated.HasRefreshToken = updated.RefreshToken != ""

	if err := r.store.Save(acct.ID, &updated); err != nil {
		return nil, fmt.Errorf("persist refreshed tokens: %w", err)
	}
	return &updated, nil
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}

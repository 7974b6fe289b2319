package account

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Plan tiers reported in the access/id token claims.
const (
	PlanFree  = "free"
	PlanPlus  = "plus"
	PlanPro   = "pro"
	PlanUltra = "ultra"
)

// Account is one managed upstream credential set together with the fields
// derived from its token claims.
type Account struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Plan         string `json:"plan"`
	UserID       string `json:"user_id"`
	IDToken      string `json:"-"`
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	// ExpiresAt is the access token expiry in milliseconds since epoch.
	ExpiresAt       int64  `json:"expires_at"`
	LastRefresh     string `json:"last_refresh,omitempty"`
	HasRefreshToken bool   `json:"has_refresh_token"`
	OpenAIAPIKey    string `json:"-"`
	Label           string `json:"label,omitempty"`
	AddedAt         int64  `json:"added_at,omitempty"`
}

// Claims is the subset of JWT payload fields the relay cares about. The
// token is never verified here; it is forwarded as an opaque bearer string
// and the payload only feeds display and scheduling metadata.
type Claims struct {
	Email  string
	Plan   string
	UserID string
	// Exp is seconds since epoch, as carried in the token.
	Exp int64
	// ChatGPTAccountID comes from the namespaced auth claim.
	ChatGPTAccountID string
}

type jwtPayload struct {
	Email string `json:"email"`
	Sub   string `json:"sub"`
	Exp   int64  `json:"exp"`
	Auth  struct {
		ChatGPTPlanType  string `json:"chatgpt_plan_type"`
		ChatGPTUserID    string `json:"chatgpt_user_id"`
		ChatGPTAccountID string `json:"chatgpt_account_id"`
	} `json:"https://api.openai.com/auth"`
	Profile struct {
		Email string `json:"email"`
	} `json:"https://api.openai.com/profile"`
}

// decodeJWT returns the parsed payload segment of a JWT, or a zero payload
// when the token is malformed. Decode failures are deliberately silent: a
// bad token still proxies, it just loses its display fields.
func decodeJWT(token string) jwtPayload {
	var p jwtPayload
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return p
	}
	data, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		// Some issuers pad their segments.
		data, err = base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return p
		}
	}
	_ = json.Unmarshal(data, &p)
	return p
}

// DeriveClaims merges the id token and access token payloads into the
// fields the relay uses. Missing fields degrade to defaults: empty email,
// plan "free", zero expiry.
func DeriveClaims(idToken, accessToken string) Claims {
	idp := decodeJWT(idToken)
	atp := decodeJWT(accessToken)

	c := Claims{Plan: PlanFree}

	c.Email = idp.Email
	if c.Email == "" {
		c.Email = atp.Profile.Email
	}

	if idp.Auth.ChatGPTPlanType != "" {
		c.Plan = idp.Auth.ChatGPTPlanType
	} else if atp.Auth.ChatGPTPlanType != "" {
		c.Plan = atp.Auth.ChatGPTPlanType
	}

	c.UserID = idp.Auth.ChatGPTUserID
	if c.UserID == "" {
		c.UserID = atp.Auth.ChatGPTUserID
	}
	if c.UserID == "" {
		c.UserID = idp.Sub
	}

	c.Exp = atp.Exp
	if c.Exp == 0 {
		c.Exp = idp.Exp
	}

	c.ChatGPTAccountID = idp.Auth.ChatGPTAccountID
	if c.ChatGPTAccountID == "" {
		c.ChatGPTAccountID = atp.Auth.ChatGPTAccountID
	}

	return c
}

// SafeID maps an upstream account or user id to a filesystem-safe slug.
func SafeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	oauthClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
	oauthTokenURL = "https://auth.openai.com/oauth/token"
)

// tokenRefresher performs the OAuth refresh-token grant against the
// auth endpoint. Callers go through the RefreshQueue, never directly.
type tokenRefresher struct {
	tokenURL string
	client   *http.Client
	now      func() time.Time
}

func newTokenRefresher(transport http.RoundTripper, timeout time.Duration) *tokenRefresher {
	return &tokenRefresher{
		tokenURL: oauthTokenURL,
		client:   &http.Client{Transport: transport, Timeout: timeout},
		now:      time.Now,
	}
}

func (t *tokenRefresher) refresh(ctx context.Context, refreshToken string) TokenResult {
	if refreshToken == "" {
		return tokenFailure(TokenFailMissingRefresh, 0, "no refresh token")
	}

	// Match the official client: JSON body, Content-Type: application/json.
	body, err := json.Marshal(map[string]string{
		"client_id":     oauthClientID,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"scope":         "openid profile email",
	})
	if err != nil {
		return tokenFailure(TokenFailUnknown, 0, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL, bytes.NewReader(body))
	if err != nil {
		return tokenFailure(TokenFailUnknown, 0, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "codex-mux")

	resp, err := t.client.Do(req)
	if err != nil {
		return tokenFailure(TokenFailNetwork, 0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		return tokenFailure(TokenFailHTTP, resp.StatusCode,
			fmt.Sprintf("refresh failed: %s: %s", resp.Status, safeText(bytes.TrimSpace(msg))))
	}

	var payload struct {
		IDToken      string `json:"id_token"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return tokenFailure(TokenFailInvalidResponse, resp.StatusCode, "decode token response: "+err.Error())
	}
	if payload.AccessToken == "" {
		return tokenFailure(TokenFailInvalidResponse, resp.StatusCode, "empty access token after refresh")
	}

	res := TokenResult{
		Success:      true,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		IDToken:      payload.IDToken,
		StatusCode:   resp.StatusCode,
	}
	if payload.ExpiresIn > 0 {
		res.ExpiresAt = t.now().Add(time.Duration(payload.ExpiresIn) * time.Second).UnixMilli()
	}
	if res.ExpiresAt == 0 && payload.IDToken != "" {
		if exp := idTokenClaim(payload.IDToken, "exp").Int(); exp > 0 {
			res.ExpiresAt = exp * 1000
		}
	}
	return res
}

// idTokenClaim decodes the JWT payload without verification (the value
// came over TLS from the issuer) and extracts one claim.
func idTokenClaim(idToken, path string) gjson.Result {
	parts := strings.Split(idToken, ".")
	if len(parts) < 2 {
		return gjson.Result{}
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(payload, path)
}

// accountIDFromIDToken digs the ChatGPT account id out of an id_token.
func accountIDFromIDToken(idToken string) string {
	if id := idTokenClaim(idToken, `https://api\.openai\.com/auth.chatgpt_account_id`).String(); id != "" {
		return id
	}
	return idTokenClaim(idToken, "chatgpt_account_id").String()
}

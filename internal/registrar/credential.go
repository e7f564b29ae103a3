// Package registrar keeps the device registered with the telephony
// provider: it fetches access credentials from the backend, registers the
// transport, and refreshes before the credential expires.
package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/telephony"
	"github.com/golang-jwt/jwt/v4"
)

// defaultCredentialTTL is assumed when neither the backend response nor the
// token itself carries an expiry.
const defaultCredentialTTL = time.Hour

// TokenClient fetches provider access credentials from the dialer backend.
type TokenClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	identity   string
}

// NewTokenClient creates a credential client. identity is the client name
// the token is minted for; empty lets the backend choose.
func NewTokenClient(baseURL, apiKey, identity string) *TokenClient {
	return &TokenClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		identity:   identity,
	}
}

// tokenRequest is the payload for POST /v1/token.
type tokenRequest struct {
	Identity string `json:"identity,omitempty"`
}

// tokenResponse is the data payload of POST /v1/token.
type tokenResponse struct {
	Token     string     `json:"token"`
	Identity  string     `json:"identity"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// envelope is the standard backend response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Fetch obtains a fresh access credential. The expiry comes from the
// backend when given, otherwise from the token's own exp claim, otherwise
// a default TTL.
func (c *TokenClient) Fetch(ctx context.Context) (telephony.Credential, error) {
	payload, err := json.Marshal(tokenRequest{Identity: c.identity})
	if err != nil {
		return telephony.Credential{}, fmt.Errorf("registrar: marshalling token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/token", bytes.NewReader(payload))
	if err != nil {
		return telephony.Credential{}, fmt.Errorf("registrar: creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return telephony.Credential{}, fmt.Errorf("registrar: requesting token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return telephony.Credential{}, fmt.Errorf("registrar: reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var env envelope
		if json.Unmarshal(body, &env) == nil && env.Error != "" {
			return telephony.Credential{}, fmt.Errorf("registrar: backend error (status %d): %s", resp.StatusCode, env.Error)
		}
		return telephony.Credential{}, fmt.Errorf("registrar: backend returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return telephony.Credential{}, fmt.Errorf("registrar: decoding token response: %w", err)
	}
	var tok tokenResponse
	if err := json.Unmarshal(env.Data, &tok); err != nil {
		return telephony.Credential{}, fmt.Errorf("registrar: decoding token data: %w", err)
	}
	if tok.Token == "" {
		return telephony.Credential{}, fmt.Errorf("registrar: backend returned empty token")
	}

	expiresAt := time.Now().Add(defaultCredentialTTL)
	if tok.ExpiresAt != nil {
		expiresAt = *tok.ExpiresAt
	} else if exp, ok := tokenExpiry(tok.Token); ok {
		expiresAt = exp
	}

	return telephony.Credential{
		Token:     tok.Token,
		Identity:  tok.Identity,
		ExpiresAt: expiresAt,
	}, nil
}

// tokenExpiry reads the exp claim from a JWT without verifying the
// signature. Verification is the provider's job; here the claim only
// schedules the refresh.
func tokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

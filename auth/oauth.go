package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/petal-labs/trellis/envelope"
)

// refreshFraction is how far into a token's lifetime a proactive refresh
// kicks in. Refreshing at 80% keeps a healthy margin before expiry without
// hammering the token endpoint.
const refreshFraction = 0.8

type cachedToken struct {
	value     string
	issuedAt  time.Time
	expiresAt time.Time
}

func (t *cachedToken) fresh(now time.Time) bool {
	if t == nil || t.value == "" {
		return false
	}
	lifetime := t.expiresAt.Sub(t.issuedAt)
	if lifetime <= 0 {
		return false
	}
	refreshAt := t.issuedAt.Add(time.Duration(float64(lifetime) * refreshFraction))
	return now.Before(refreshAt)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// token returns a cached access token, refreshing it when past 80% of its
// lifetime. Concurrent refreshes for one server coalesce into a single
// token-endpoint call.
func (m *Manager) token(ctx context.Context, serverID string, cfg Config) (string, error) {
	m.mu.RLock()
	cached := m.tokens[serverID]
	m.mu.RUnlock()
	if cached.fresh(m.now()) {
		return cached.value, nil
	}

	value, err, _ := m.flight.Do(serverID, func() (any, error) {
		// Re-check under the flight: the previous holder may have refreshed.
		m.mu.RLock()
		current := m.tokens[serverID]
		m.mu.RUnlock()
		if current.fresh(m.now()) {
			return current.value, nil
		}

		token, err := m.fetchToken(ctx, serverID, cfg)
		if err != nil {
			return "", err
		}
		m.mu.Lock()
		m.tokens[serverID] = token
		m.mu.Unlock()
		m.logger.Debug("refreshed oauth2 token",
			"server_id", serverID,
			"expires_at", token.expiresAt)
		return token.value, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

func (m *Manager) fetchToken(ctx context.Context, serverID string, cfg Config) (*cachedToken, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	if len(cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(cfg.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("auth: build token request for server %q: %w", serverID, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, envelope.New(envelope.CodeAuthRejected,
			fmt.Sprintf("token endpoint for server %q is unreachable", serverID), false, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, envelope.New(envelope.CodeAuthRejected,
			fmt.Sprintf("reading token response for server %q", serverID), false, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, envelope.WithDetails(
			envelope.Newf(envelope.CodeAuthRejected, false,
				"token endpoint for server %q returned status %d", serverID, resp.StatusCode),
			map[string]any{"http_status": resp.StatusCode},
		)
	}

	var decoded tokenResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, envelope.New(envelope.CodeAuthRejected,
			fmt.Sprintf("undecodable token response for server %q", serverID), false, err)
	}
	if strings.TrimSpace(decoded.AccessToken) == "" {
		return nil, envelope.Newf(envelope.CodeAuthRejected, false,
			"token endpoint for server %q returned no access token", serverID)
	}

	expiresIn := decoded.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	now := m.now()
	return &cachedToken{
		value:     decoded.AccessToken,
		issuedAt:  now,
		expiresAt: now.Add(time.Duration(expiresIn) * time.Second),
	}, nil
}
